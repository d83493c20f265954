// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stdio

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/frame"
	"github.com/absmach/mbridge/pkg/transport"
)

const readBufferSize = 4096

// Config holds the stdio transport configuration. Reader and Writer
// default to os.Stdin and os.Stdout; they are injectable for tests.
type Config struct {
	Reader io.Reader
	Writer io.Writer
	Logger *slog.Logger
}

// Transport reads framed messages from standard input and writes
// framed messages to standard output.
type Transport struct {
	transport.Lifecycle

	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	// recv is closed by the read loop only, so Stop can never race a
	// send on a closed channel. Stop unblocks the loop by closing the
	// input stream.
	recv     chan []byte
	done     chan struct{}
	stopOnce sync.Once

	wmu sync.Mutex
}

var _ transport.ServerTransport = (*Transport)(nil)

// New creates a stdio transport.
func New(cfg Config) *Transport {
	if cfg.Reader == nil {
		cfg.Reader = os.Stdin
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		reader: cfg.Reader,
		writer: cfg.Writer,
		logger: cfg.Logger,
		recv:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

// Start begins reading framed messages from the input stream.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.Starting(); err != nil {
		return err
	}

	go t.readLoop()

	t.logger.Debug("stdio transport started")
	return nil
}

// Stop terminates the read loop and, when the input stream is
// closable, closes it to unblock a pending read.
func (t *Transport) Stop() error {
	if !t.Stopping() {
		return nil
	}
	t.stopOnce.Do(func() {
		close(t.done)
		if c, ok := t.reader.(io.Closer); ok {
			c.Close()
		}
		t.logger.Debug("stdio transport stopped")
	})
	return nil
}

// Send frames the payload and writes it to the output stream.
func (t *Transport) Send(payload []byte) error {
	if err := t.CheckRunning(); err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := t.writer.Write(frame.Frame(payload)); err != nil {
		return errors.New("send", "stdio", "", errors.Wrap(errors.ErrSendFailed, err.Error()))
	}
	return nil
}

// Receive returns the produced message channel.
func (t *Transport) Receive() <-chan []byte {
	return t.recv
}

// Addr identifies the medium; stdio has no network address.
func (t *Transport) Addr() string {
	return "stdio"
}

func (t *Transport) readLoop() {
	defer close(t.recv)

	var dec frame.Decoder
	buf := make([]byte, readBufferSize)

	for {
		n, err := t.reader.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				msg, ok := dec.Next()
				if !ok {
					break
				}
				select {
				case t.recv <- msg:
				case <-t.done:
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && t.State() == transport.StateRunning {
				t.logger.Error("stdin read error", slog.String("error", err.Error()))
			}
			// EOF on stdin is a permanent closure signal.
			t.Stopping()
			return
		}
	}
}
