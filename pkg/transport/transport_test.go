// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"

	mberrors "github.com/absmach/mbridge/pkg/errors"
)

func TestLifecycle_StartTwice(t *testing.T) {
	m := NewMemory(1)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, mberrors.ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestLifecycle_SendBeforeStart(t *testing.T) {
	m := NewMemory(1)

	if err := m.Send([]byte("early")); !errors.Is(err, mberrors.ErrNotStarted) {
		t.Errorf("Send() before Start error = %v, want ErrNotStarted", err)
	}
}

func TestLifecycle_StopIdempotent(t *testing.T) {
	m := NewMemory(1)

	// Stop before Start is a no-op.
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() before Start error = %v", err)
	}
	if m.State() != StateNotStarted {
		t.Errorf("State() = %v after no-op Stop, want not_started", m.State())
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if m.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", m.State())
	}
}

func TestLifecycle_NoRestartAfterStop(t *testing.T) {
	m := NewMemory(1)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, mberrors.ErrAlreadyStarted) {
		t.Errorf("Start() after Stop error = %v, want ErrAlreadyStarted", err)
	}
}

func TestMemory_ReceiveClosesOnStop(t *testing.T) {
	m := NewMemory(2)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	m.Inject([]byte("one"))
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// Buffered message is still drained, then the channel closes.
	got, ok := <-m.Receive()
	if !ok || string(got) != "one" {
		t.Fatalf("Receive() = %q, %v; want \"one\", true", got, ok)
	}
	if _, ok := <-m.Receive(); ok {
		t.Error("Receive() channel still open after Stop")
	}
}

type recordSink struct {
	pushed [][]byte
	err    error
	closed bool
}

func (s *recordSink) Push(p []byte) error {
	if s.err != nil {
		return s.err
	}
	s.pushed = append(s.pushed, p)
	return nil
}

func (s *recordSink) Close() error {
	s.closed = true
	return nil
}

func TestRegistry_Broadcast(t *testing.T) {
	r := NewRegistry()
	a := &recordSink{}
	b := &recordSink{}
	r.Add("a", a)
	r.Add("b", b)

	if failed := r.Broadcast([]byte("all")); failed != nil {
		t.Fatalf("Broadcast() failures = %v", failed)
	}
	if len(a.pushed) != 1 || len(b.pushed) != 1 {
		t.Fatalf("pushed counts = %d, %d; want 1, 1", len(a.pushed), len(b.pushed))
	}

	// A removed peer is no longer targeted.
	r.Remove("a")
	if failed := r.Broadcast([]byte("rest")); failed != nil {
		t.Fatalf("Broadcast() failures = %v", failed)
	}
	if len(a.pushed) != 1 {
		t.Errorf("removed sink received %d pushes, want 1", len(a.pushed))
	}
	if len(b.pushed) != 2 {
		t.Errorf("remaining sink received %d pushes, want 2", len(b.pushed))
	}
}

func TestRegistry_BroadcastPartialFailure(t *testing.T) {
	r := NewRegistry()
	bad := &recordSink{err: errors.New("peer gone")}
	good := &recordSink{}
	r.Add("bad", bad)
	r.Add("good", good)

	failed := r.Broadcast([]byte("msg"))
	if len(failed) != 1 {
		t.Fatalf("Broadcast() failures = %v, want exactly one", failed)
	}
	if _, ok := failed["bad"]; !ok {
		t.Errorf("Broadcast() failures = %v, want entry for \"bad\"", failed)
	}
	if len(good.pushed) != 1 {
		t.Error("healthy peer was skipped after another peer failed")
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a := &recordSink{}
	b := &recordSink{}
	r.Add("a", a)
	r.Add("b", b)

	r.CloseAll()

	if !a.closed || !b.closed {
		t.Error("CloseAll() left sinks open")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after CloseAll, want 0", r.Len())
	}
}
