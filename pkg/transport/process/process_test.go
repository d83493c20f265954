// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	mberrors "github.com/absmach/mbridge/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on POSIX tools")
	}
}

// syncBuffer is a goroutine-safe buffer for capturing stderr output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTransport_EchoRoundTrip(t *testing.T) {
	skipOnWindows(t)

	// cat copies framed input to output byte for byte, so every sent
	// message comes straight back.
	tr := New(Config{Command: "cat", Logger: testLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	if err := tr.Send([]byte("ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-tr.Receive():
		if string(got) != "ping" {
			t.Errorf("received %q, want \"ping\"", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestTransport_MultipleMessages(t *testing.T) {
	skipOnWindows(t)

	tr := New(Config{Command: "cat", Logger: testLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	want := []string{"one", "two", "three"}
	for _, m := range want {
		if err := tr.Send([]byte(m)); err != nil {
			t.Fatalf("Send(%q) error = %v", m, err)
		}
	}

	for _, m := range want {
		select {
		case got := <-tr.Receive():
			if string(got) != m {
				t.Errorf("received %q, want %q", got, m)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", m)
		}
	}
}

func TestTransport_ExitClosesReceive(t *testing.T) {
	skipOnWindows(t)

	// The child exits immediately; the produced sequence must close
	// rather than hang.
	tr := New(Config{Command: "true", Logger: testLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case _, ok := <-tr.Receive():
		if ok {
			t.Error("unexpected message from exiting child")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive() channel not closed after child exit")
	}
}

func TestTransport_StderrForwarded(t *testing.T) {
	skipOnWindows(t)

	stderr := &syncBuffer{}
	tr := New(Config{
		Command: "sh",
		Args:    []string{"-c", "echo diagnostics >&2; cat"},
		Stderr:  stderr,
		Logger:  testLogger(),
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(stderr.String(), "diagnostics") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("stderr output = %q, want it to contain \"diagnostics\"", stderr.String())
}

func TestTransport_StderrOversizedLine(t *testing.T) {
	skipOnWindows(t)

	// A single stderr line far larger than any line-buffering limit
	// must still arrive byte for byte, and forwarding must keep going
	// afterwards.
	stderr := &syncBuffer{}
	tr := New(Config{
		Command: "sh",
		Args:    []string{"-c", `head -c 100000 /dev/zero | tr "\0" "x" >&2; echo MARKER >&2; cat`},
		Stderr:  stderr,
		Logger:  testLogger(),
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tr.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(stderr.String(), "MARKER") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := stderr.String()
	if !strings.Contains(got, "MARKER") {
		t.Fatalf("trailing stderr line never forwarded, got %d bytes", len(got))
	}
	if n := strings.Count(got, "x"); n != 100000 {
		t.Errorf("forwarded %d payload bytes, want 100000", n)
	}
}

func TestTransport_SendBeforeStart(t *testing.T) {
	tr := New(Config{Command: "cat", Logger: testLogger()})
	if err := tr.Send([]byte("early")); !errors.Is(err, mberrors.ErrNotStarted) {
		t.Errorf("Send() error = %v, want ErrNotStarted", err)
	}
}

func TestTransport_StartUnknownCommand(t *testing.T) {
	tr := New(Config{Command: "mbridge-no-such-binary", Logger: testLogger()})
	if err := tr.Start(context.Background()); !errors.Is(err, mberrors.ErrConnectionFailed) {
		t.Errorf("Start() error = %v, want ErrConnectionFailed", err)
	}
}

func TestTransport_StopDuringSends(t *testing.T) {
	skipOnWindows(t)

	tr := New(Config{Command: "cat", Logger: testLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Sends racing Stop must fail cleanly, never write to a closed
	// pipe mid-frame or panic.
	var senders sync.WaitGroup
	for i := 0; i < 4; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := 0; j < 50; j++ {
				tr.Send([]byte("payload"))
			}
		}()
	}

	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	senders.Wait()

	if err := tr.Send([]byte("late")); !errors.Is(err, mberrors.ErrNotStarted) {
		t.Errorf("Send() after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestTransport_StopKillsChild(t *testing.T) {
	skipOnWindows(t)

	tr := New(Config{Command: "sleep", Args: []string{"60"}, Logger: testLogger()})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- tr.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return; child not killed")
	}

	if _, ok := <-tr.Receive(); ok {
		t.Error("Receive() channel not closed after Stop")
	}
}
