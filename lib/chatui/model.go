// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openhelpdesk/helpdesk/channel"
	"github.com/openhelpdesk/helpdesk/conversation"
)

// Source is the model's view of the sync engine.
// *conversation.Engine implements it.
type Source interface {
	Open(ticketID string)
	Close(ticketID string)
	Submit(ticketID, body string) error
	View(ticketID string) (conversation.TicketView, bool)
	ConnectionState() channel.State
	Subscribe() <-chan conversation.Update
}

// sourceUpdateMsg carries one change notification from the source into
// the bubbletea loop.
type sourceUpdateMsg conversation.Update

// Model is the bubbletea model for one ticket's conversation.
type Model struct {
	source   Source
	ticketID string
	updates  <-chan conversation.Update

	view    conversation.TicketView
	haveTkt bool

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	width  int
	height int

	// notice is transient operator feedback (submit rejected, rate
	// limited); cleared on the next keystroke.
	notice string
}

// New builds the model and opens the ticket on the source. Call from
// the main goroutine before handing the model to tea.NewProgram.
func New(source Source, ticketID string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	vp := viewport.New(80, 20)

	ta := textarea.New()
	ta.Placeholder = "Reply to the customer..."
	ta.CharLimit = 4000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	source.Open(ticketID)

	return Model{
		source:   source,
		ticketID: ticketID,
		updates:  source.Subscribe(),
		viewport: vp,
		textarea: ta,
		spinner:  s,
		width:    80,
		height:   24,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textarea.Blink, m.waitForUpdate())
}

// waitForUpdate blocks on the source's notification channel and feeds
// the next change into the update loop.
func (m Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		return sourceUpdateMsg(<-m.updates)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chrome := 2 + 1 + m.textarea.Height() + 1
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chrome, 3)
		m.textarea.SetWidth(msg.Width)
		m.refresh()
		return m, nil

	case sourceUpdateMsg:
		if msg.TicketID == "" || msg.TicketID == m.ticketID {
			m.refresh()
		}
		return m, m.waitForUpdate()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		m.notice = ""
		switch msg.String() {
		case "ctrl+c", "esc":
			m.source.Close(m.ticketID)
			return m, tea.Quit

		case "ctrl+s":
			body := m.textarea.Value()
			if err := m.source.Submit(m.ticketID, body); err != nil {
				m.notice = submitNotice(err)
				return m, nil
			}
			m.textarea.Reset()
			return m, nil

		case "pgup", "pgdown", "ctrl+u", "ctrl+d":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd

		default:
			var cmd tea.Cmd
			m.textarea, cmd = m.textarea.Update(msg)
			return m, cmd
		}
	}

	return m, nil
}

func submitNotice(err error) string {
	switch {
	case err == nil:
		return ""
	case err == conversation.ErrEmptyMessage:
		return "nothing to send"
	case err == channel.ErrNotConnected:
		return "not connected; reconnecting"
	case err == channel.ErrRateLimited:
		return "sending too fast; wait a moment"
	default:
		return fmt.Sprintf("send failed: %v", err)
	}
}

// refresh re-reads the ticket view from the source and rebuilds the
// viewport content.
func (m *Model) refresh() {
	view, ok := m.source.View(m.ticketID)
	if !ok {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.view = view
	m.haveTkt = true
	m.viewport.SetContent(m.renderConversation())
	// Follow new messages unless the operator scrolled back.
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderConversation() string {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}

	var content strings.Builder
	for i, message := range m.view.Messages {
		if i > 0 {
			content.WriteString("\n")
		}
		header := senderStyle.Render(message.SenderName) + " " +
			timestampStyle.Render(message.Timestamp.Local().Format("Jan 2 15:04"))
		content.WriteString(header + "\n")
		body := RenderMarkdown(message.Body, width-2)
		for _, line := range strings.Split(body, "\n") {
			content.WriteString("  " + line + "\n")
		}
	}
	for _, pending := range m.view.Pending {
		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString(pendingStyle.Render("sending: "+pending.Body) + "\n")
	}
	return content.String()
}

func (m Model) statusBar() string {
	var connection string
	switch m.source.ConnectionState() {
	case channel.StateConnected:
		connection = connectedStyle.Render("● live")
	case channel.StateConnecting:
		connection = reconnectingStyle.Render(m.spinner.View() + "reconnecting")
	default:
		connection = errorStyle.Render("○ offline")
	}

	status := m.view.Status
	if status != "" {
		style := statusOpenStyle
		if status == "closed" {
			style = statusClosedStyle
		}
		status = style.Render("[" + status + "]")
	}

	subscription := ""
	if m.haveTkt && m.view.Subscription == conversation.SubscriptionJoining {
		subscription = reconnectingStyle.Render("joining…")
	}

	parts := []string{connection}
	if status != "" {
		parts = append(parts, status)
	}
	if subscription != "" {
		parts = append(parts, subscription)
	}
	return strings.Join(parts, "  ")
}

func (m Model) View() string {
	if !m.haveTkt {
		return fmt.Sprintf("\n  %s Loading ticket %s...\n", m.spinner.View(), m.ticketID)
	}

	if m.view.Err != nil && len(m.view.Messages) == 0 && !m.view.Live {
		return "\n" + errorStyle.Render(fmt.Sprintf("  Cannot load ticket %s: %v", m.ticketID, m.view.Err)) + "\n\n" +
			helpStyle.Render("  esc: quit") + "\n"
	}

	subject := m.view.Subject
	if subject == "" {
		subject = m.ticketID
	}
	header := subjectStyle.Render(subject) + "\n" + m.statusBar() + "\n"

	body := m.viewport.View()
	if len(m.view.Messages) == 0 && len(m.view.Pending) == 0 {
		if m.view.Live {
			body = helpStyle.Render("  No messages yet.")
		} else {
			body = fmt.Sprintf("  %s Fetching conversation...", m.spinner.View())
		}
	}

	footer := m.textarea.View() + "\n"
	if m.notice != "" {
		footer += noticeStyle.Render(m.notice)
	} else if m.view.Err != nil {
		footer += noticeStyle.Render(fmt.Sprintf("sync degraded: %v", m.view.Err))
	} else {
		footer += helpStyle.Render("ctrl+s: send • pgup/pgdn: scroll • esc: quit")
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}
