// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package conversation

import (
	"time"
)

// Message is one entry in a ticket conversation. The protocol assigns
// no message IDs, so identity is the (SenderID, Timestamp) pair.
type Message struct {
	SenderID   string
	SenderName string
	Body       string
	Timestamp  time.Time
}

// Key returns the message's identity for deduplication and tombstone
// matching. Timestamps are compared at nanosecond precision in UTC so
// that the same instant received over snapshot and stream compares
// equal regardless of wire formatting.
func (m Message) Key() MessageKey {
	return MessageKey{SenderID: m.SenderID, Timestamp: m.Timestamp.UTC().UnixNano()}
}

// MessageKey identifies a message in the absence of server-side IDs.
// Two distinct senders posting in the same nanosecond are distinct
// messages; the same pair seen twice is the same message.
type MessageKey struct {
	SenderID  string
	Timestamp int64
}

// SubscriptionState reports where a ticket stands relative to its live
// event room.
type SubscriptionState int

const (
	// SubscriptionJoining means the join has been requested but the
	// channel is not currently connected, or the join has not been
	// issued on the current connection yet.
	SubscriptionJoining SubscriptionState = iota

	// SubscriptionJoined means the join frame was written on the
	// current connection. The protocol sends no join acknowledgement,
	// so this is the strongest claim available.
	SubscriptionJoined
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionJoining:
		return "joining"
	case SubscriptionJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// PendingSend is a message submitted by the operator that the server
// has not yet echoed back through the live stream. It exists only so
// the presentation layer can show a "sending" affordance; it is never
// merged into the conversation. It clears when any message for the
// ticket arrives, or after a bounded timeout.
type PendingSend struct {
	Body        string
	SubmittedAt time.Time
}

// TicketView is an immutable snapshot of one ticket's reconciled
// state, safe to retain and read without synchronization.
type TicketView struct {
	ID           string
	Subject      string
	Status       string
	Subscription SubscriptionState

	// Live reports whether the initial snapshot has been applied.
	// While false, Messages reflects only what was known before any
	// in-progress refetch.
	Live bool

	// Err is set when the snapshot fetch failed: terminally (the view
	// is unusable, Messages is empty) or transiently after exhausting
	// retries (previously displayed Messages are retained).
	Err error

	// Messages in arrival order: snapshot order first, then live
	// events in the order they were processed. Never re-sorted.
	Messages []Message

	// Pending holds operator submissions not yet confirmed by the
	// stream, oldest first.
	Pending []PendingSend
}

// Update notifies subscribers that state changed. TicketID names the
// ticket whose view should be re-read; it is empty when the change was
// to the shared connection state.
type Update struct {
	TicketID string
}
