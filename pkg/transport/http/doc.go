// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http implements the HTTP server and HTTP client transports.
//
// The server exposes two routes: an ingest endpoint receiving one
// message per POST body, and a broadcast endpoint streaming every sent
// message to all connected readers over an unbounded chunked response.
//
// The client is the mirror image: Send POSTs the payload to a remote
// ingest endpoint, while a background loop holds a streaming GET
// against the remote broadcast endpoint and retries indefinitely when
// the remote side is unavailable or restarts.
package http
