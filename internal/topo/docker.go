package topo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/testcontainers/testcontainers-go"

	"github.com/routelab/rpcheck/internal/logging"
)

const (
	// SharedMountPath is where the shared host directory (rendezvous socket,
	// helper binary) is mounted inside every node.
	SharedMountPath = "/run/harness"

	frrConfigMountPath = "/etc/frr"

	vtyshReadyTimeout = 60 * time.Second
)

// NodeSpec describes one emulated node.
type NodeSpec struct {
	// Name is the logical node name, e.g. "r1" or "h2".
	Name string

	// Image is the container image. Defaults to RPCHECK_FRR_IMAGE from the
	// environment.
	Image string

	// Networks lists the emulated switches the node attaches to.
	Networks []string

	// ConfigDir is a host directory of FRR config files mounted read-only at
	// /etc/frr. Empty for nodes that run no routing daemons.
	ConfigDir string

	// Router marks nodes whose control plane must be up before the topology
	// is considered started.
	Router bool
}

func (s *NodeSpec) Validate() error {
	if s.Image == "" {
		s.Image = os.Getenv("RPCHECK_FRR_IMAGE")
	}
	if s.Name == "" {
		return errors.New("node name is required")
	}
	if s.Image == "" {
		return fmt.Errorf("node %s: image is required (set RPCHECK_FRR_IMAGE)", s.Name)
	}
	if len(s.Networks) == 0 {
		return fmt.Errorf("node %s: at least one network is required", s.Name)
	}
	return nil
}

// Spec describes a whole emulated topology.
type Spec struct {
	// DeployID namespaces container and network names so concurrent runs
	// cannot collide.
	DeployID string

	// Networks lists the emulated switch names.
	Networks []string

	// Nodes lists the emulated nodes.
	Nodes []NodeSpec

	// SharedDir is a host directory mounted at SharedMountPath in every node.
	SharedDir string
}

func (s *Spec) Validate() error {
	if s.DeployID == "" {
		return errors.New("deploy ID is required")
	}
	if len(s.Networks) == 0 {
		return errors.New("at least one network is required")
	}
	if s.SharedDir == "" {
		return errors.New("shared directory is required")
	}
	for i := range s.Nodes {
		if err := s.Nodes[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DockerTopology emulates the topology with one privileged container per
// node and one bridge network per switch.
type DockerTopology struct {
	spec Spec
	log  *slog.Logger
	cli  *client.Client

	networks []string
	nodes    map[string]*dockerNode
}

// NewDocker validates spec and returns an unstarted docker topology.
func NewDocker(spec Spec, log *slog.Logger, cli *client.Client) (*DockerTopology, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology spec: %w", err)
	}
	return &DockerTopology{
		spec:  spec,
		log:   log,
		cli:   cli,
		nodes: make(map[string]*dockerNode),
	}, nil
}

// Start creates the switch networks, starts every node container and waits
// for the routing control plane on router nodes.
func (t *DockerTopology) Start(ctx context.Context) error {
	labels := map[string]string{"rpcheck.deploy": t.spec.DeployID}

	for _, name := range t.spec.Networks {
		fullName := t.spec.DeployID + "-" + name
		_, err := t.cli.NetworkCreate(ctx, fullName, network.CreateOptions{
			Driver: "bridge",
			Labels: labels,
		})
		if err != nil {
			return fmt.Errorf("failed to create network %s: %w", fullName, err)
		}
		t.networks = append(t.networks, fullName)
	}

	for _, spec := range t.spec.Nodes {
		node, err := t.startNode(ctx, spec, labels)
		if err != nil {
			return fmt.Errorf("failed to start node %s: %w", spec.Name, err)
		}
		t.nodes[spec.Name] = node
	}

	for _, spec := range t.spec.Nodes {
		if !spec.Router {
			continue
		}
		if err := t.nodes[spec.Name].waitControlPlane(ctx); err != nil {
			return fmt.Errorf("control plane on %s never came up: %w", spec.Name, err)
		}
	}
	return nil
}

func (t *DockerTopology) startNode(ctx context.Context, spec NodeSpec, labels map[string]string) (*dockerNode, error) {
	networks := make([]string, 0, len(spec.Networks))
	for _, name := range spec.Networks {
		networks = append(networks, t.spec.DeployID+"-"+name)
	}

	binds := []string{t.spec.SharedDir + ":" + SharedMountPath}
	if spec.ConfigDir != "" {
		binds = append(binds, spec.ConfigDir+":"+frrConfigMountPath)
	}

	req := testcontainers.ContainerRequest{
		Image: spec.Image,
		Name:  t.spec.DeployID + "-" + spec.Name,
		ConfigModifier: func(cfg *dockercontainer.Config) {
			cfg.Hostname = spec.Name
		},
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			hc.Binds = append(hc.Binds, binds...)
		},
		Privileged: true,
		Networks:   networks,
		Labels:     labels,
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Logger:           logging.NewTestcontainersAdapter(t.log),
	})
	if err != nil {
		return nil, err
	}

	t.log.Debug("node started", "node", spec.Name, "container", container.GetContainerID())
	return &dockerNode{
		name:        spec.Name,
		containerID: container.GetContainerID(),
		container:   container,
		cli:         t.cli,
		log:         t.log,
	}, nil
}

// Node implements Topology.
func (t *DockerTopology) Node(name string) (Node, bool) {
	node, ok := t.nodes[name]
	return node, ok
}

// Close terminates every node container and removes the switch networks.
// Best-effort: it keeps going on per-resource failures and returns the
// first error encountered.
func (t *DockerTopology) Close(ctx context.Context) error {
	var firstErr error
	for name, node := range t.nodes {
		if err := node.container.Terminate(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to terminate node %s: %w", name, err)
		}
	}
	t.nodes = make(map[string]*dockerNode)
	for _, name := range t.networks {
		if err := t.cli.NetworkRemove(ctx, name); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove network %s: %w", name, err)
		}
	}
	t.networks = nil
	return firstErr
}

type dockerNode struct {
	name        string
	containerID string
	container   testcontainers.Container
	cli         *client.Client
	log         *slog.Logger
}

func (n *dockerNode) Name() string { return n.name }

func (n *dockerNode) Exec(ctx context.Context, argv []string) ([]byte, error) {
	n.log.Debug("--> Executing command", "node", n.name, "argv", argv)
	out, err := containerExec(ctx, n.cli, n.containerID, argv)
	if err != nil {
		return out, fmt.Errorf("exec on %s: %w", n.name, err)
	}
	return out, nil
}

func (n *dockerNode) ShowJSON(ctx context.Context, command string) (map[string]any, error) {
	out, err := n.Exec(ctx, []string{"vtysh", "-c", command})
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %q output from %s: %w", command, n.name, err)
	}
	return doc, nil
}

func (n *dockerNode) Spawn(ctx context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	if err := containerExecDetached(ctx, n.cli, n.containerID, argv); err != nil {
		return nil, fmt.Errorf("spawn on %s: %w", n.name, err)
	}
	n.log.Debug("helper spawned", "node", n.name, "program", argv[0])
	return &dockerProcess{node: n, program: argv[0]}, nil
}

// waitControlPlane retries a trivial vtysh command until the routing daemons
// answer. Container start returning does not mean FRR is up yet.
func (n *dockerNode) waitControlPlane(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = vtyshReadyTimeout
	return backoff.Retry(func() error {
		_, err := containerExec(ctx, n.cli, n.containerID, []string{"vtysh", "-c", "show version"})
		return err
	}, backoff.WithContext(bo, ctx))
}

type dockerProcess struct {
	node    *dockerNode
	program string
}

// Kill terminates the spawned program by name. Docker offers no handle to a
// detached exec, so this matches on the program path.
func (p *dockerProcess) Kill(ctx context.Context) error {
	_, err := containerExec(ctx, p.node.cli, p.node.containerID, []string{"pkill", "-f", p.program})
	if err != nil {
		// pkill exits 1 when the process already exited on its own.
		p.node.log.Debug("helper already gone", "node", p.node.name, "program", p.program)
	}
	return nil
}
