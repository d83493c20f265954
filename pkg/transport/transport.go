// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/absmach/mbridge/pkg/errors"
)

// State represents the lifecycle state of a transport or bridge.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Transport is the capability interface all transports implement,
// independent of the underlying medium.
type Transport interface {
	// Start performs medium-specific setup (bind a listener, open a
	// connection, spawn a process) and transitions to Running. It
	// fails with ErrAlreadyStarted unless the transport is NotStarted.
	Start(ctx context.Context) error

	// Stop releases all medium-specific resources, transitions to
	// Stopped and closes the Receive channel so in-flight consumers
	// observe completion. It is a no-op outside Running.
	Stop() error

	// Send delivers one payload to the medium. It fails with
	// ErrNotStarted outside Running. For server transports with
	// multiple peers, delivery means broadcast; per-peer failures are
	// logged and tolerated.
	Send(payload []byte) error

	// Receive returns the channel of received messages. The channel
	// preserves arrival order and closes exactly once, when Stop
	// completes or the medium signals permanent closure.
	Receive() <-chan []byte

	// State reports the current lifecycle state.
	State() State
}

// ServerTransport is a transport that accepts connections from
// external peers.
type ServerTransport interface {
	Transport

	// Addr reports the bound listen address, available after Start.
	Addr() string
}

// ClientTransport is a transport that initiates one connection
// outward.
type ClientTransport interface {
	Transport

	// RemoteAddr reports the peer this transport connects to.
	RemoteAddr() string
}

// Lifecycle implements the guarded NotStarted → Running → Stopped state
// machine shared by every transport and the bridge. Concrete types
// embed it; all transitions happen under its mutex.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// Starting transitions NotStarted → Running. It returns
// ErrAlreadyStarted when the transport has already been started,
// including after Stop: restart is not supported.
func (l *Lifecycle) Starting() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateNotStarted {
		return errors.ErrAlreadyStarted
	}
	l.state = StateRunning
	return nil
}

// Stopping transitions Running → Stopped and reports whether the
// transition happened. A false return means Stop is a no-op.
func (l *Lifecycle) Stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateRunning {
		return false
	}
	l.state = StateStopped
	return true
}

// CheckRunning returns ErrNotStarted unless the state is Running.
func (l *Lifecycle) CheckRunning() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateRunning {
		return errors.ErrNotStarted
	}
	return nil
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
