package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/routelab/rpcheck/internal/topo"
)

const defaultConnectTimeout = 30 * time.Second

// SpawnSpec describes one helper to run on an emulated host. The helper's
// contract: connect to SocketPath immediately on startup, then emit or join
// traffic for Group on Interface until the connection closes.
type SpawnSpec struct {
	// Host is the logical host name. It doubles as the peer slot name.
	Host string

	// Program is the helper path as seen from inside the host.
	Program string

	// SocketPath is the rendezvous endpoint path as seen from inside the host.
	SocketPath string

	// Group is the multicast group address.
	Group string

	// Interface is the host interface to join or send on.
	Interface string

	// SendRate, when positive, puts the helper in sender mode emitting one
	// packet every SendRate seconds. Zero means receiver mode.
	SendRate float64

	// ConnectTimeout bounds the readiness handshake. Defaults to 30s.
	ConnectTimeout time.Duration
}

func (s *SpawnSpec) Validate() error {
	if s.Host == "" {
		return errors.New("host is required")
	}
	if s.Program == "" {
		return errors.New("program is required")
	}
	if s.SocketPath == "" {
		return errors.New("socket path is required")
	}
	if s.Group == "" {
		return errors.New("group is required")
	}
	if s.Interface == "" {
		return errors.New("interface is required")
	}
	if s.SendRate < 0 {
		return fmt.Errorf("send rate must not be negative, got %v", s.SendRate)
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	return nil
}

// Args builds the helper argument list. The list is handed to the topology
// as-is; nothing is shell-interpolated.
func (s *SpawnSpec) Args() []string {
	argv := []string{s.Program}
	if s.SendRate > 0 {
		argv = append(argv, "--send="+strconv.FormatFloat(s.SendRate, 'f', -1, 64))
	}
	return append(argv, s.SocketPath, s.Group, s.Interface)
}

// Manager spawns helpers on emulated hosts and binds each to a peer slot on
// the channel. Spawn happens before accept, and accept returning is the
// readiness signal; verification steps after Start may assume the helper is
// already emitting or joining traffic.
type Manager struct {
	topo    topo.Topology
	channel *Channel
	log     *slog.Logger

	mu    sync.Mutex
	procs []topo.Process
}

func NewManager(log *slog.Logger, topology topo.Topology, channel *Channel) *Manager {
	return &Manager{topo: topology, channel: channel, log: log}
}

// Start spawns the helper described by spec and waits for its readiness
// handshake. A helper that never connects is an infrastructure failure, not a
// protocol one; the error says so explicitly so that "helper never started"
// is not mistaken for "RP not selected".
func (m *Manager) Start(ctx context.Context, spec SpawnSpec) (*PeerSlot, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spawn spec: %w", err)
	}

	node, ok := m.topo.Node(spec.Host)
	if !ok {
		return nil, fmt.Errorf("host %q not found in topology", spec.Host)
	}

	proc, err := node.Spawn(ctx, spec.Args())
	if err != nil {
		return nil, fmt.Errorf("failed to spawn helper on %s: %w", spec.Host, err)
	}
	m.mu.Lock()
	m.procs = append(m.procs, proc)
	m.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, spec.ConnectTimeout)
	defer cancel()
	slot, err := m.channel.Accept(actx, spec.Host)
	if err != nil {
		return nil, fmt.Errorf("helper on %s never connected back (infrastructure failure, not a convergence one): %w", spec.Host, err)
	}

	m.log.Info("helper ready", "host", spec.Host, "group", spec.Group, "sender", spec.SendRate > 0)
	return slot, nil
}

// StopAll kills every spawned helper, best-effort. Helpers normally exit on
// their own when the channel closes their connection; this is the backstop
// against leaked processes.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	procs := m.procs
	m.procs = nil
	m.mu.Unlock()

	for _, proc := range procs {
		if err := proc.Kill(ctx); err != nil {
			m.log.Debug("failed to kill helper", "error", err)
		}
	}
}
