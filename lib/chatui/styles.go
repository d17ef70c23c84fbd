// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import "github.com/charmbracelet/lipgloss"

var (
	subjectStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("213"))

	senderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("117"))

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	statusOpenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("120"))

	statusClosedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("210"))

	connectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("120"))

	reconnectingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("117"))
)
