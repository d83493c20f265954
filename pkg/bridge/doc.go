// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the bidirectional forwarding engine. A
// Bridge owns one inbound (server-role) and one outbound (client-role)
// transport and pumps messages between them in both directions.
//
// The two directions are independent loops: a failure or stall in one
// never affects the other, and ordering is only guaranteed within one
// direction. A message whose forward fails is logged and dropped; the
// bridge's availability never depends on any one message or peer.
package bridge
