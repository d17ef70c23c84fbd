// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpx provides bounded HTTP response body helpers for the
// support API client. All reads are capped at MaxBodySize so a
// misbehaving server cannot exhaust memory. These helpers are for JSON
// API responses, not streaming bodies.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// MaxBodySize bounds API response body reads: 4 MB. Ticket snapshots
// are a subject line plus a message history; legitimate responses are
// orders of magnitude smaller.
const MaxBodySize int64 = 4 << 20

// ReadBody reads a JSON API response body up to MaxBodySize bytes.
// Use instead of io.ReadAll on HTTP response bodies.
func ReadBody(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxBodySize))
}

// DecodeBody reads a response body (bounded at MaxBodySize) and
// JSON-decodes it into v.
func DecodeBody(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxBodySize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an error response body as a string for diagnostic
// messages. Read errors are ignored — a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxBodySize))
	return string(data)
}

// IsExpectedClose reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. The live channel sees these when the server drops the
// websocket; they trigger a reconnect rather than an error log.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
