// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Memory is an in-process transport backed by channels. It serves
// same-process bridging and is the reference implementation of the
// transport contract used by the bridge tests.
type Memory struct {
	Lifecycle

	recv      chan []byte
	closeRecv sync.Once

	mu   sync.Mutex
	sent [][]byte
}

var _ Transport = (*Memory)(nil)

// NewMemory creates an in-memory transport with the given receive
// buffer capacity.
func NewMemory(buffer int) *Memory {
	return &Memory{
		recv: make(chan []byte, buffer),
	}
}

// Start transitions the transport to Running.
func (m *Memory) Start(ctx context.Context) error {
	return m.Starting()
}

// Stop closes the receive channel and transitions to Stopped.
func (m *Memory) Stop() error {
	if !m.Stopping() {
		return nil
	}
	m.closeRecv.Do(func() { close(m.recv) })
	return nil
}

// Send records the payload. Everything ever sent is retrievable via
// Sent, in order.
func (m *Memory) Send(payload []byte) error {
	if err := m.CheckRunning(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, payload)
	return nil
}

// Receive returns the produced message channel.
func (m *Memory) Receive() <-chan []byte {
	return m.recv
}

// Inject delivers a payload to the receive channel, as if it had
// arrived from a peer. It blocks if the buffer is full.
func (m *Memory) Inject(payload []byte) {
	m.recv <- payload
}

// Sent returns a copy of every payload passed to Send, in order.
func (m *Memory) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}
