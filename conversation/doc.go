// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package conversation reconciles a ticket's point-in-time snapshot
// with the live event stream into one consistent, monotonically
// evolving view of the conversation.
//
// The hard part is the snapshot race: the snapshot fetch and the room
// join are issued concurrently and complete in either order, so a live
// event can describe a message the snapshot already contains, a message
// the snapshot has never seen, or a deletion of a message that has not
// arrived yet. [Engine] resolves all of these with two rules: messages
// are deduplicated on their (sender ID, timestamp) key — the protocol
// issues no message IDs — and deletions for unknown keys are recorded
// as tombstones that suppress the late-arriving add. Status is a
// scalar, last write wins.
//
// Every reconnect of the live channel re-runs the race: the engine
// re-joins each observed ticket's room and starts a fresh snapshot
// fetch, because the protocol has no sequence numbers with which to
// detect the gap a disconnect may have opened.
//
// A single run-loop goroutine owns all ticket state and processes
// commands, live events, connection transitions, and snapshot results
// one at a time. Readers never touch engine state: [Engine.View] hands
// out immutable copies, and [Engine.Subscribe] delivers change
// notifications in the observer style, so the presentation layer is
// strictly downstream.
package conversation
