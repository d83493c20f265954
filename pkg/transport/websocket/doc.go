// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements the WebSocket server and client
// transports. Each WebSocket frame, binary or text, maps to exactly
// one message; no additional framing is applied.
//
// The server accepts any number of concurrent connections, receives
// from all of them and broadcasts every sent message to all of them.
// The client holds a single connection and optionally sends periodic
// protocol-level pings for liveness. The client does not reconnect on
// disconnect; the HTTP client transport is the one with a retry loop.
package websocket
