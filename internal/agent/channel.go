// Package agent coordinates out-of-process traffic helpers with the test
// driver.
//
// Helpers (multicast sender and receiver) are spawned on emulated hosts and
// connect back to a unix-socket rendezvous immediately on startup. The accept
// returning is the readiness handshake: once a helper's connection is
// accepted, it is already emitting or joining traffic, and verification steps
// may proceed. Closing the connection signals the helper to exit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// BindError reports a failure to bind the rendezvous endpoint.
type BindError struct {
	Path string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind rendezvous endpoint %s: %v", e.Path, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// PeerSlot is one accepted helper connection, identified by the logical name
// of the host it runs on.
type PeerSlot struct {
	Name string

	mu     sync.Mutex
	conn   net.Conn
	addr   net.Addr
	closed bool
}

// Addr returns the peer's transport address.
func (s *PeerSlot) Addr() net.Addr { return s.addr }

// Closed reports whether the slot's connection has been closed.
func (s *PeerSlot) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the helper connection, signalling the helper to stop.
// Closing an already-closed slot is a no-op.
func (s *PeerSlot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Channel is the rendezvous endpoint helpers connect back to. It owns the
// bound unix socket and the logical-name to PeerSlot mapping. The socket file
// exists on disk only while the channel is listening, and at most one channel
// may be bound to a given path at a time.
type Channel struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	ln    *net.UnixListener
	peers map[string]*PeerSlot
}

// NewChannel returns an unstarted channel for the given socket path.
func NewChannel(log *slog.Logger, path string) *Channel {
	return &Channel{path: path, log: log}
}

// Path returns the rendezvous socket path helpers are told to connect to.
func (c *Channel) Path() string { return c.path }

// Start binds the rendezvous endpoint. A stale socket file left behind by a
// crashed run is removed first. Starting an already-listening channel is a
// contract violation and fails.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ln != nil {
		return &BindError{Path: c.path, Err: errors.New("already listening")}
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &BindError{Path: c.path, Err: err}
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: c.path, Net: "unix"})
	if err != nil {
		return &BindError{Path: c.path, Err: err}
	}
	c.ln = ln
	c.peers = make(map[string]*PeerSlot)
	c.log.Debug("rendezvous endpoint listening", "path", c.path)
	return nil
}

// Accept blocks until one inbound connection arrives and associates it with
// name. The wait is bounded by ctx; callers wanting an unbounded wait pass a
// context without deadline. Accepting a name whose previous slot is still
// open is an error, since silently replacing the mapping would leak the old
// connection.
//
// Only one Accept may be outstanding at a time.
func (c *Channel) Accept(ctx context.Context, name string) (*PeerSlot, error) {
	c.mu.Lock()
	ln := c.ln
	if ln == nil {
		c.mu.Unlock()
		return nil, errors.New("channel is not started")
	}
	if prev, ok := c.peers[name]; ok && !prev.Closed() {
		c.mu.Unlock()
		return nil, fmt.Errorf("peer %q already has an open slot; close it before re-accepting", name)
	}
	c.mu.Unlock()

	// The zero deadline clears any deadline left by a previous Accept.
	deadline, _ := ctx.Deadline()
	if err := ln.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set accept deadline: %w", err)
	}
	// Unblock the accept if ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() {
		_ = ln.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("no connection from %q: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("accept for %q failed: %w", name, err)
	}

	slot := &PeerSlot{Name: name, conn: conn, addr: conn.RemoteAddr()}
	c.mu.Lock()
	c.peers[name] = slot
	c.mu.Unlock()
	c.log.Debug("helper connected", "peer", name)
	return slot, nil
}

// Peer returns the current slot for name, or nil.
func (c *Channel) Peer(name string) *PeerSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[name]
}

// Stop closes every peer connection, unbinds the endpoint and removes the
// socket file. Stopping a channel that is not started is a no-op, so teardown
// paths may call it unconditionally.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ln == nil {
		return nil
	}
	for _, slot := range c.peers {
		// Already-closed slots are fine here.
		_ = slot.Close()
	}
	err := c.ln.Close()
	c.ln = nil
	c.peers = nil
	if err != nil {
		return fmt.Errorf("failed to close rendezvous endpoint: %w", err)
	}
	c.log.Debug("rendezvous endpoint closed", "path", c.path)
	return nil
}
