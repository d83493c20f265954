// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package process implements the subprocess transport. It spawns a
// command and speaks Content-Length framed messages over the child's
// standard input and output, forwarding its standard error verbatim.
// Child exit is a terminal closure signal, not a failure: the produced
// sequence closes and the process is not restarted.
package process
