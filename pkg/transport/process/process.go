// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/frame"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/transport"
)

const readBufferSize = 4096

// Config holds the subprocess transport configuration.
type Config struct {
	Command string
	Args    []string

	// Env optionally appends to the child's environment.
	Env []string

	// Stderr receives the child's standard error verbatim. Defaults to
	// the host process's own standard error.
	Stderr io.Writer

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Transport runs a subprocess and exchanges framed messages over its
// standard input and output pipes.
type Transport struct {
	transport.Lifecycle

	cfg    Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// recv is closed by the stdout read loop only; EOF on the pipe is
	// how child exit is observed there.
	recv     chan []byte
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	wmu sync.Mutex
}

var _ transport.ClientTransport = (*Transport)(nil)

// New creates a subprocess transport.
func New(cfg Config) *Transport {
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:      cfg,
		recv:     make(chan []byte, 16),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start spawns the configured command with stdin, stdout and stderr
// pipes attached.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.Starting(); err != nil {
		return err
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), t.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return t.failStart(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return t.failStart(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return t.failStart(err)
	}

	if err := cmd.Start(); err != nil {
		return t.failStart(err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		t.readLoop()
	}()
	go func() {
		defer pipes.Done()
		t.stderrLoop()
	}()
	go func() {
		// Wait must run after both pipe readers have drained.
		pipes.Wait()
		t.reap()
	}()

	t.cfg.Logger.Info("process transport started",
		slog.String("command", t.cfg.Command),
		slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (t *Transport) failStart(err error) error {
	t.Stopping()
	close(t.recv)
	return errors.New("start", "process", t.cfg.Command,
		errors.Wrap(errors.ErrConnectionFailed, err.Error()))
}

// Stop closes the child's stdin and kills the process. The stdout read
// loop observes EOF and closes the receive channel.
func (t *Transport) Stop() error {
	if !t.Stopping() {
		return nil
	}
	t.stopOnce.Do(func() {
		close(t.done)
		t.wmu.Lock()
		t.stdin.Close()
		t.wmu.Unlock()
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
		<-t.loopDone
		t.cfg.Logger.Info("process transport stopped",
			slog.String("command", t.cfg.Command))
	})
	return nil
}

// Send frames the payload and writes it to the child's stdin.
func (t *Transport) Send(payload []byte) error {
	if err := t.CheckRunning(); err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := t.stdin.Write(frame.Frame(payload)); err != nil {
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.SendErrors.WithLabelValues("process", "pipe").Inc()
		}
		return errors.New("send", "process", t.cfg.Command,
			errors.Wrap(errors.ErrSendFailed, err.Error()))
	}

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.MessagesSent.WithLabelValues("process").Inc()
		t.cfg.Metrics.MessageSize.WithLabelValues("process", "out").Observe(float64(len(payload)))
	}
	return nil
}

// Receive returns the produced message channel.
func (t *Transport) Receive() <-chan []byte {
	return t.recv
}

// RemoteAddr reports the spawned command line.
func (t *Transport) RemoteAddr() string {
	if len(t.cfg.Args) == 0 {
		return t.cfg.Command
	}
	return t.cfg.Command + " " + strings.Join(t.cfg.Args, " ")
}

// readLoop unframes the child's stdout into the produced sequence.
// EOF means the child exited: a terminal closure, not an error.
func (t *Transport) readLoop() {
	defer close(t.loopDone)
	defer close(t.recv)

	var dec frame.Decoder
	buf := make([]byte, readBufferSize)

	for {
		n, err := t.stdout.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				msg, ok := dec.Next()
				if !ok {
					break
				}
				select {
				case t.recv <- msg:
					if t.cfg.Metrics != nil {
						t.cfg.Metrics.MessagesReceived.WithLabelValues("process").Inc()
						t.cfg.Metrics.MessageSize.WithLabelValues("process", "in").Observe(float64(len(msg)))
					}
				case <-t.done:
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && t.State() == transport.StateRunning {
				t.cfg.Logger.Error("stdout read error",
					slog.String("command", t.cfg.Command),
					slog.String("error", err.Error()))
			}
			t.Stopping()
			return
		}
	}
}

// stderrLoop forwards the child's standard error verbatim, byte for
// byte, with no line-length bound. Stderr bytes are never treated as
// protocol messages.
func (t *Transport) stderrLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.stderr.Read(buf)
		if n > 0 {
			if _, werr := t.cfg.Stderr.Write(buf[:n]); werr != nil {
				t.cfg.Logger.Warn("failed to forward subprocess stderr",
					slog.String("command", t.cfg.Command),
					slog.String("error", werr.Error()))
			}
			t.cfg.Logger.Debug("subprocess stderr",
				slog.String("command", t.cfg.Command),
				slog.Int("bytes", n))
		}
		if err != nil {
			return
		}
	}
}

// reap collects the child's exit status once both pipes have drained.
func (t *Transport) reap() {
	err := t.cmd.Wait()
	switch {
	case err == nil:
		t.cfg.Logger.Info("subprocess exited",
			slog.String("command", t.cfg.Command))
	case t.State() == transport.StateStopped:
		// Killed by Stop; the non-zero status is expected.
		t.cfg.Logger.Debug("subprocess terminated",
			slog.String("command", t.cfg.Command),
			slog.String("status", err.Error()))
	default:
		t.cfg.Logger.Warn("subprocess exited with error",
			slog.String("command", t.cfg.Command),
			slog.String("error", err.Error()))
	}
}
