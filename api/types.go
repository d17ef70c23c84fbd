// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package api

// TicketSnapshot is the authoritative point-in-time state of a ticket:
// subject, status, and the full message history in server order.
//
// Status is an opaque server-defined string ("open", "closed", and
// whatever else the backend grows); clients must not enumerate it.
type TicketSnapshot struct {
	Subject  string            `json:"subject"`
	Status   string            `json:"status"`
	Messages []SnapshotMessage `json:"messages"`
}

// SnapshotMessage is one message in a ticket snapshot. Timestamp is the
// server-assigned ordering key; together with SenderID it identifies
// the message, since the protocol issues no message IDs.
type SnapshotMessage struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_username"`
	Body       string `json:"text"`
	Timestamp  string `json:"timestamp"`
}
