// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mBridge.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrAlreadyStarted indicates Start was called on a transport or bridge
	// that is already running.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted indicates an operation that requires a running
	// transport was attempted before Start.
	ErrNotStarted = errors.New("not started")

	// ErrConnectionFailed indicates the underlying connection or process
	// could not be established.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrSendFailed indicates a medium-level write or request failure.
	ErrSendFailed = errors.New("send failed")

	// ErrInvalidMessage indicates a malformed payload. Framing never
	// returns it (incomplete headers are treated as insufficient data);
	// it is reserved for validation layers.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrClosed indicates the transport or connection was closed.
	ErrClosed = errors.New("closed")
)

// TransportError wraps an error with transport context.
type TransportError struct {
	Op         string // Operation that failed (start, stop, send, receive)
	Transport  string // Transport kind (stdio, http, websocket, process)
	RemoteAddr string // Peer address, if any
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.RemoteAddr != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// New creates a new TransportError.
func New(op, transport, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{
		Op:         op,
		Transport:  transport,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
