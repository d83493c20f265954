// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the uniform interface every mBridge
// transport implements, plus the shared building blocks concrete
// transports are assembled from.
//
// # Architecture Overview
//
// A Transport moves opaque messages over one medium (stdio, HTTP,
// WebSocket, a subprocess's pipes). The bridge engine never knows which
// medium it is driving: it only starts/stops transports, pushes
// payloads into Send, and drains the Receive channel.
//
// # Roles
//
// ServerTransport accepts connections from external peers (stdio, HTTP
// server, WebSocket server). ClientTransport initiates one connection
// outward (HTTP client, WebSocket client, subprocess). Both embed the
// base Transport interface; there is no implementation inheritance,
// concrete types embed Lifecycle for the shared state machine.
//
// # Lifecycle
//
// Every transport moves through NotStarted → Running → Stopped exactly
// once. Start on anything but NotStarted fails with ErrAlreadyStarted;
// Send outside Running fails with ErrNotStarted; Stop outside Running
// is a no-op. The Receive channel closes exactly once, when Stop
// completes or the medium signals permanent closure (EOF, disconnect,
// process exit). Restart after Stop is not supported.
//
// # Broadcast
//
// Server transports with multiple peers deliver Send as a broadcast to
// every registered peer. The Registry holds the live sinks; mutation
// happens under its lock, the actual writes happen on a snapshot
// outside it so a slow peer never blocks new registrations.
package transport
