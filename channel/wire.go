// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies the three room-scoped event types the backend
// emits.
type EventKind int

const (
	// MessageAdded is a new message in the ticket's conversation.
	MessageAdded EventKind = iota
	// MessageRemoved is a moderation deletion of an existing message,
	// keyed by (sender ID, timestamp) — the protocol has no message IDs.
	MessageRemoved
	// StatusChanged is a ticket status transition.
	StatusChanged
)

func (k EventKind) String() string {
	switch k {
	case MessageAdded:
		return "message_added"
	case MessageRemoved:
		return "message_removed"
	case StatusChanged:
		return "status_changed"
	default:
		return "unknown"
	}
}

// Event is one decoded live event. Which fields are populated depends
// on Kind: MessageAdded fills sender/body/timestamp, MessageRemoved
// fills sender ID and timestamp, StatusChanged fills Status.
type Event struct {
	Kind       EventKind
	TicketID   string
	SenderID   string
	SenderName string
	Body       string
	Timestamp  string
	Status     string
}

// Wire event names, shared with the backend.
const (
	wireNewMessage    = "new_message"
	wireDeletedMsg    = "message_deleted"
	wireStatusUpdated = "ticket_status_updated"
)

// Outbound action names.
const (
	actionJoin  = "join"
	actionLeave = "leave"
	actionSend  = "send_message"
)

// inboundFrame is the envelope for every server-to-client frame: a
// named event plus its payload.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type newMessageData struct {
	TicketID  string `json:"ticket_id"`
	SenderID  string `json:"sender_id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type messageDeletedData struct {
	TicketID  string `json:"ticket_id"`
	SenderID  string `json:"sender_id"`
	Timestamp string `json:"timestamp"`
}

type statusUpdatedData struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

// outboundFrame is the envelope for every client-to-server frame.
type outboundFrame struct {
	Action   string `json:"action"`
	TicketID string `json:"ticket_id"`
	Text     string `json:"text,omitempty"`
}

// decodeFrame parses a raw websocket text frame into an Event. The
// second return is false for event names this client does not know —
// forward compatibility, not an error.
func decodeFrame(raw []byte) (Event, bool, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Event{}, false, fmt.Errorf("channel: malformed frame: %w", err)
	}

	switch frame.Event {
	case wireNewMessage:
		var data newMessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return Event{}, false, fmt.Errorf("channel: malformed %s payload: %w", frame.Event, err)
		}
		return Event{
			Kind:       MessageAdded,
			TicketID:   data.TicketID,
			SenderID:   data.SenderID,
			SenderName: data.Username,
			Body:       data.Text,
			Timestamp:  data.Timestamp,
		}, true, nil

	case wireDeletedMsg:
		var data messageDeletedData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return Event{}, false, fmt.Errorf("channel: malformed %s payload: %w", frame.Event, err)
		}
		return Event{
			Kind:      MessageRemoved,
			TicketID:  data.TicketID,
			SenderID:  data.SenderID,
			Timestamp: data.Timestamp,
		}, true, nil

	case wireStatusUpdated:
		var data statusUpdatedData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return Event{}, false, fmt.Errorf("channel: malformed %s payload: %w", frame.Event, err)
		}
		return Event{
			Kind:     StatusChanged,
			TicketID: data.TicketID,
			Status:   data.Status,
		}, true, nil

	default:
		return Event{}, false, nil
	}
}
