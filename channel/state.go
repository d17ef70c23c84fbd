// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package channel

// State is the connection state of the live channel. Process-wide per
// session, independent of any single ticket.
type State int

const (
	// StateDisconnected means no connection and no attempt in progress.
	StateDisconnected State = iota
	// StateConnecting means a connection attempt (or backoff before
	// the next attempt) is in progress.
	StateConnecting
	// StateConnected means the websocket is established and frames
	// are flowing.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
