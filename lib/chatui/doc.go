// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatui is the terminal front end for a ticket conversation.
// It is a bubbletea program over a [Source] — in practice the
// conversation engine — and is strictly presentational: it renders the
// source's views and forwards operator input, but holds no
// conversation state of its own and never reorders what the source
// hands it.
//
// Message bodies render as markdown with syntax-highlighted code
// blocks. The layout is a scrolling viewport over the conversation, a
// status bar, and a compose textarea.
package chatui
