// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements Content-Length message framing for
// stream-oriented transports (stdio, subprocess pipes).
//
// The wire format is the LSP-style convention: a textual header block
// terminated by an empty line, followed by exactly Content-Length
// payload bytes:
//
//	Content-Length: <decimal>\r\n\r\n<payload>
//
// Successive messages are written back-to-back with no separator.
package frame

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	headerPrefix     = "Content-Length:"
	headerTerminator = "\r\n\r\n"
)

// Frame prefixes the payload with a Content-Length header.
func Frame(payload []byte) []byte {
	header := fmt.Sprintf("%s %d%s", headerPrefix, len(payload), headerTerminator)
	framed := make([]byte, 0, len(header)+len(payload))
	framed = append(framed, header...)
	framed = append(framed, payload...)
	return framed
}

// Decoder accumulates raw stream bytes and extracts complete framed
// messages from them. The zero value is ready to use. It is not safe
// for concurrent use; each stream is expected to be read by exactly
// one goroutine.
type Decoder struct {
	buf bytes.Buffer
}

// Write appends raw bytes from the stream to the decode buffer.
// It never fails; it exists so a Decoder can sit behind io.Writer
// plumbing such as io.Copy or TeeReader.
func (d *Decoder) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Next extracts the next complete message from the buffer. It returns
// (payload, true) when a full frame is available, consuming both the
// header and the payload. It returns (nil, false) when more data is
// needed, leaving the buffer untouched.
//
// Multiple complete frames may be buffered; callers must call Next
// repeatedly until it reports insufficient data. A malformed or
// missing header is treated as insufficient data, never an error:
// framing is a buffering mechanism, not a validator.
func (d *Decoder) Next() ([]byte, bool) {
	data := d.buf.Bytes()

	end := bytes.Index(data, []byte(headerTerminator))
	if end < 0 {
		return nil, false
	}
	headerLen := end + len(headerTerminator)

	contentLen, ok := parseContentLength(data[:end])
	if !ok {
		return nil, false
	}

	total := headerLen + contentLen
	if len(data) < total {
		return nil, false
	}

	payload := make([]byte, contentLen)
	copy(payload, data[headerLen:total])
	d.buf.Next(total)
	return payload, true
}

// Buffered returns the number of bytes waiting in the decode buffer.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// parseContentLength scans the header block for a Content-Length line.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		if !bytes.HasPrefix(line, []byte(headerPrefix)) {
			continue
		}
		value := bytes.TrimSpace(line[len(headerPrefix):])
		n, err := strconv.Atoi(string(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
