// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stdio implements the standard input/output transport. It
// reads Content-Length framed messages from the process's stdin and
// writes framed messages to stdout, letting a stdio-speaking tool be
// bridged onto any other transport.
package stdio
