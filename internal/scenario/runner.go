// Package scenario sequences one RP-selection test case end to end: start
// traffic helpers, verify join state on the ingress router, verify join state
// on the expected RP, tear everything down.
//
// The two-stage verification is deliberate. Ingress-side failure means the
// ACL never matched the group; RP-side failure means the ACL matched but the
// wrong RP was selected. The error taxonomy keeps the two apart.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/routelab/rpcheck/internal/agent"
	"github.com/routelab/rpcheck/internal/fixtures"
	"github.com/routelab/rpcheck/internal/frr"
	"github.com/routelab/rpcheck/internal/poll"
	"github.com/routelab/rpcheck/internal/topo"
)

// State is the runner's position in the scenario lifecycle.
type State int

const (
	Idle State = iota
	AgentsStarting
	AgentsReady
	VerifyingIngress
	VerifyingRP
	TearingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AgentsStarting:
		return "AgentsStarting"
	case AgentsReady:
		return "AgentsReady"
	case VerifyingIngress:
		return "VerifyingIngress"
	case VerifyingRP:
		return "VerifyingRP"
	case TearingDown:
		return "TearingDown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TestCase is one ACL entry to validate: send and join traffic for Group,
// then expect ExpectedRP to be the selected rendezvous point.
type TestCase struct {
	// ID is the ACL entry identifier, used to key fixture documents.
	ID int

	// Group is the multicast group address.
	Group string

	// ExpectedRP is the router that must be selected for Group.
	ExpectedRP string
}

func (tc TestCase) Validate() error {
	if tc.ID < 1 {
		return fmt.Errorf("test case ID must be positive, got %d", tc.ID)
	}
	if tc.Group == "" {
		return fmt.Errorf("test case %d: group is required", tc.ID)
	}
	if tc.ExpectedRP == "" {
		return fmt.Errorf("test case %d: expected RP is required", tc.ID)
	}
	return nil
}

// InfraError reports a broken test environment (bind failure, spawn failure,
// helper never connected). It is fatal to the scenario and distinct from
// protocol outcomes; callers typically abort the remaining scenarios when
// they see one.
type InfraError struct {
	Stage State
	Err   error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Stage, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// ConvergenceError reports that a router's observed state never matched its
// fixture within the attempt budget. It carries both documents so the
// failure is diagnosable without re-running.
type ConvergenceError struct {
	Stage    State
	Router   string
	Command  string
	Attempts int
	Expected map[string]any
	Observed any

	// ExpectedRP is set when Stage is VerifyingRP.
	ExpectedRP string
}

func (e *ConvergenceError) Error() string {
	msg := fmt.Sprintf("%s: router %s did not converge on %q after %d attempts",
		e.Stage, e.Router, e.Command, e.Attempts)
	if e.Stage == VerifyingRP {
		msg = fmt.Sprintf("%s: router %s was not selected as the RP (%q never converged after %d attempts)",
			e.Stage, e.ExpectedRP, e.Command, e.Attempts)
	}
	return msg + "\n" + e.Diff()
}

// Diff renders the expected-vs-observed mismatch.
func (e *ConvergenceError) Diff() string {
	return fixtures.Diff(e.Observed, e.Expected)
}

// Config parameterizes a Runner. One Runner owns one channel; no two
// scenarios may run concurrently against the same channel, since the bound
// endpoint is a singleton resource.
type Config struct {
	Topology topo.Topology
	Channel  *agent.Channel

	// FixtureDir holds the expected-state documents, one per router per
	// verification step.
	FixtureDir string

	// Ingress is the router applying the ACLs, e.g. "r1".
	Ingress string

	// Receiver and Sender name the emulated hosts and the interfaces the
	// helpers bind to.
	Receiver HostSpec
	Sender   HostSpec

	// HelperProgram is the mcast-tester path inside the hosts.
	HelperProgram string

	// HelperSocketPath is the rendezvous path as seen from inside the hosts.
	// It addresses the same socket the channel is bound to.
	HelperSocketPath string

	// SendRate is the sender's inter-packet interval in seconds.
	SendRate float64

	// HelperConnectTimeout bounds each helper's readiness handshake.
	HelperConnectTimeout time.Duration

	// Interval and MaxAttempts shape every convergence poll. Defaults: 2s, 60.
	Interval    time.Duration
	MaxAttempts int

	Clock clockwork.Clock
	Log   *slog.Logger
}

// HostSpec names a helper host and the interface it uses.
type HostSpec struct {
	Name      string
	Interface string
}

func (c *Config) Validate() error {
	if c.Topology == nil {
		return fmt.Errorf("topology is required")
	}
	if c.Channel == nil {
		return fmt.Errorf("channel is required")
	}
	if c.FixtureDir == "" {
		return fmt.Errorf("fixture directory is required")
	}
	if c.Ingress == "" {
		return fmt.Errorf("ingress router is required")
	}
	if c.Receiver.Name == "" || c.Receiver.Interface == "" {
		return fmt.Errorf("receiver host and interface are required")
	}
	if c.Sender.Name == "" || c.Sender.Interface == "" {
		return fmt.Errorf("sender host and interface are required")
	}
	if c.HelperProgram == "" {
		return fmt.Errorf("helper program is required")
	}
	if c.HelperSocketPath == "" {
		c.HelperSocketPath = c.Channel.Path()
	}
	if c.SendRate <= 0 {
		c.SendRate = 0.7
	}
	if c.Interval == 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 60
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Runner drives test cases through the scenario state machine.
type Runner struct {
	cfg    Config
	agents *agent.Manager

	state   State
	history []State
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}
	return &Runner{
		cfg:    cfg,
		agents: agent.NewManager(cfg.Log, cfg.Topology, cfg.Channel),
		state:  Idle,
	}, nil
}

// State returns the runner's current state.
func (r *Runner) State() State { return r.state }

// History returns the states visited during the most recent Run, in order.
func (r *Runner) History() []State { return r.history }

func (r *Runner) transition(s State) {
	r.cfg.Log.Debug("scenario state", "from", r.state.String(), "to", s.String())
	r.state = s
	r.history = append(r.history, s)
}

// Run executes one test case. Teardown runs on every exit path, including
// cancellation and both verification failures, so no processes or sockets
// leak across cases. Returned errors are either *InfraError or
// *ConvergenceError.
func (r *Runner) Run(ctx context.Context, tc TestCase) (err error) {
	if err := tc.Validate(); err != nil {
		return &InfraError{Stage: Idle, Err: err}
	}
	if r.state != Idle {
		return &InfraError{Stage: r.state, Err: fmt.Errorf("scenario already running in state %s", r.state)}
	}
	r.history = r.history[:0]

	log := r.cfg.Log.With("case", tc.ID, "group", tc.Group, "expectedRP", tc.ExpectedRP)
	log.Info("==> Validating RP selection")

	defer func() {
		r.transition(TearingDown)
		r.agents.StopAll(context.WithoutCancel(ctx))
		if stopErr := r.cfg.Channel.Stop(); stopErr != nil {
			log.Debug("channel stop failed", "error", stopErr)
		}
		r.transition(Idle)
	}()

	r.transition(AgentsStarting)
	if err := r.cfg.Channel.Start(); err != nil {
		return &InfraError{Stage: AgentsStarting, Err: err}
	}

	// Receiver first: it must be joined before the sender starts emitting,
	// so the first packets are not dropped under the assertions.
	_, err = r.agents.Start(ctx, agent.SpawnSpec{
		Host:           r.cfg.Receiver.Name,
		Program:        r.cfg.HelperProgram,
		SocketPath:     r.cfg.HelperSocketPath,
		Group:          tc.Group,
		Interface:      r.cfg.Receiver.Interface,
		ConnectTimeout: r.cfg.HelperConnectTimeout,
	})
	if err != nil {
		return &InfraError{Stage: AgentsStarting, Err: err}
	}
	_, err = r.agents.Start(ctx, agent.SpawnSpec{
		Host:           r.cfg.Sender.Name,
		Program:        r.cfg.HelperProgram,
		SocketPath:     r.cfg.HelperSocketPath,
		Group:          tc.Group,
		Interface:      r.cfg.Sender.Interface,
		SendRate:       r.cfg.SendRate,
		ConnectTimeout: r.cfg.HelperConnectTimeout,
	})
	if err != nil {
		return &InfraError{Stage: AgentsStarting, Err: err}
	}

	r.transition(AgentsReady)
	log.Info("receiver joined and sender emitting", "group", tc.Group)

	r.transition(VerifyingIngress)
	if err := r.verifyJoinState(ctx, VerifyingIngress, r.cfg.Ingress, tc); err != nil {
		return err
	}

	r.transition(VerifyingRP)
	if err := r.verifyJoinState(ctx, VerifyingRP, tc.ExpectedRP, tc); err != nil {
		return err
	}

	log.Info("--> RP selection validated")
	return nil
}

// verifyJoinState polls one router's pim join state against its stored
// fixture for the test case.
func (r *Runner) verifyJoinState(ctx context.Context, stage State, router string, tc TestCase) error {
	expected, err := fixtures.Load(fixtures.JoinStatePath(r.cfg.FixtureDir, router, tc.ID))
	if err != nil {
		return &InfraError{Stage: stage, Err: err}
	}
	outcome, err := r.WaitConverged(ctx, router, frr.ShowIPPIMJoinCmd(), expected)
	if err != nil {
		return &InfraError{Stage: stage, Err: err}
	}
	if !outcome.Converged {
		cerr := &ConvergenceError{
			Stage:    stage,
			Router:   router,
			Command:  frr.ShowIPPIMJoinCmd(),
			Attempts: outcome.Attempts,
			Expected: expected,
			Observed: outcome.Last,
		}
		if stage == VerifyingRP {
			cerr.ExpectedRP = tc.ExpectedRP
			r.logRPInfo(ctx, tc)
		}
		return cerr
	}
	return nil
}

// logRPInfo dumps the ingress router's RP mappings when RP selection fails,
// so the failure report shows which RP pimd actually picked for the group.
func (r *Runner) logRPInfo(ctx context.Context, tc TestCase) {
	node, ok := r.cfg.Topology.Node(r.cfg.Ingress)
	if !ok {
		return
	}
	doc, err := node.ShowJSON(ctx, frr.ShowIPPIMRPInfoCmd())
	if err != nil {
		r.cfg.Log.Debug("rp-info unavailable", "router", r.cfg.Ingress, "error", err)
		return
	}
	r.cfg.Log.Info("ingress RP mappings at failure",
		"router", r.cfg.Ingress, "group", tc.Group, "rpInfo", doc)
}

// WaitConverged polls a show command on one router until its output matches
// the expected partial document. Exposed for pre-scenario neighbor
// convergence checks, which use the same machinery.
func (r *Runner) WaitConverged(ctx context.Context, router, command string, expected map[string]any) (poll.Outcome, error) {
	node, ok := r.cfg.Topology.Node(router)
	if !ok {
		return poll.Outcome{}, fmt.Errorf("router %q not found in topology", router)
	}
	return poll.Until(ctx, poll.Spec{
		Probe: func(ctx context.Context) (any, error) {
			return node.ShowJSON(ctx, command)
		},
		Expected: expected,
		Compare: func(got, want any) (bool, string) {
			mismatch := fixtures.Explain(got, want)
			return mismatch == "", mismatch
		},
		Interval:    r.cfg.Interval,
		MaxAttempts: r.cfg.MaxAttempts,
		Clock:       r.cfg.Clock,
	})
}
