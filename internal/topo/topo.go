// Package topo is the façade over the emulated network topology.
//
// The harness never implements routing or emulation itself: it asks the
// topology for node handles, executes observation commands on them, and
// spawns helper programs on emulated hosts. The docker implementation in this
// package runs one container per node with FRR providing the control plane on
// router nodes.
package topo

import (
	"context"
)

// Process is a handle to a background program spawned on a node.
type Process interface {
	// Kill terminates the program, best-effort.
	Kill(ctx context.Context) error
}

// Node is a single emulated router or host.
type Node interface {
	// Name returns the logical node name, e.g. "r1" or "h2".
	Name() string

	// Exec runs argv on the node and returns its combined output.
	Exec(ctx context.Context, argv []string) ([]byte, error)

	// ShowJSON executes a routing-daemon show command (e.g. "show ip pim
	// join json") and returns the decoded document.
	ShowJSON(ctx context.Context, command string) (map[string]any, error)

	// Spawn starts a background program on the node. The argument list is
	// passed as-is, with no shell interpretation.
	Spawn(ctx context.Context, argv []string) (Process, error)
}

// Topology supplies node handles and owns the emulation lifecycle.
type Topology interface {
	// Node returns the handle for a logical node name.
	Node(name string) (Node, bool)

	// Close tears the emulation down.
	Close(ctx context.Context) error
}
