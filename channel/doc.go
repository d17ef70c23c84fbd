// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel maintains the persistent websocket connection to the
// support backend's live event stream: one connection per session,
// shared by every open ticket conversation.
//
// [Channel.Run] owns the connection lifecycle — disconnected →
// connecting → connected, with exponential backoff on reconnect. The
// server keeps no per-connection subscription state, so every room
// join is forgotten when the connection drops; re-issuing joins after
// a reconnect is the caller's responsibility (the reconciliation
// engine does this when it observes the connected transition).
//
// Inbound events arrive on [Channel.Events] in server-emission order
// for as long as a single connection lives. No ordering holds across a
// reconnect boundary — the protocol has no sequence numbers — which is
// why the engine re-races a snapshot fetch after every reconnect.
//
// Connection state is a single owned value with explicit subscriber
// notification ([Channel.SubscribeState]); subscriber channels coalesce
// to the latest state when their buffer fills, so a slow consumer sees
// the current state rather than a stale backlog.
package channel
