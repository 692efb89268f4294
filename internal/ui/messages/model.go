// Package messages shows what the scans of one mailbox stored.
package messages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/refundscout/internal/classify"
	"github.com/nhle/refundscout/internal/keys"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/store"
	"github.com/nhle/refundscout/internal/theme"
)

// Lister loads stored messages.
type Lister interface {
	ListMessages(ctx context.Context, filter store.MessageFilter) ([]model.ScannedMessage, error)
}

// LoadedMsg carries the messages of one connection.
type LoadedMsg struct {
	ConnectionID string
	Messages     []model.ScannedMessage
	Err          error
}

// SelectedMsg is sent when the user opens a message.
type SelectedMsg struct {
	Message model.ScannedMessage
}

// Model is the message table of one connection.
type Model struct {
	table  table.Model
	lister Lister
	keys   *keys.KeyMap
	conn   model.MailboxConnection
	msgs   []model.ScannedMessage
	err    error
	width  int
	height int
}

// New creates an empty message view.
func New(l Lister, k *keys.KeyMap, width, height int) Model {
	t := table.New(table.WithFocused(true))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.ColorBorder).
		BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(theme.ColorWhite).Background(theme.ColorBlue)
	t.SetStyles(styles)

	m := Model{table: t, lister: l, keys: k}
	m.SetSize(width, height)
	return m
}

// Open switches the view to conn and loads its messages.
func (m *Model) Open(conn model.MailboxConnection) tea.Cmd {
	m.conn = conn
	m.msgs = nil
	m.err = nil
	m.table.SetRows(nil)
	m.table.SetCursor(0)

	l, id := m.lister, conn.ID
	return func() tea.Msg {
		msgs, err := l.ListMessages(context.Background(), store.MessageFilter{ConnectionID: id})
		return LoadedMsg{ConnectionID: id, Messages: msgs, Err: err}
	}
}

// ConnectionID returns the id of the open connection.
func (m Model) ConnectionID() string { return m.conn.ID }

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(LoadedMsg); ok {
		if msg.ConnectionID != m.conn.ID {
			return m, nil
		}
		m.err = msg.Err
		m.msgs = msg.Messages
		m.table.SetRows(rows(msg.Messages))
		return m, nil
	}

	if km, ok := msg.(tea.KeyMsg); ok && m.keys != nil && key.Matches(km, m.keys.Select) {
		i := m.table.Cursor()
		if i >= 0 && i < len(m.msgs) {
			sel := m.msgs[i]
			return m, func() tea.Msg { return SelectedMsg{Message: sel} }
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	title := theme.TitleStyle.Render(fmt.Sprintf("%s  %s", m.conn.Email,
		theme.StatusStyle(string(m.conn.Status)).Render(string(m.conn.Status))))

	parts := []string{title}
	if m.conn.LastError != nil {
		parts = append(parts, theme.ErrorStyle.Render("Last error: "+*m.conn.LastError))
	}
	switch {
	case m.err != nil:
		parts = append(parts, theme.ErrorStyle.Render("Loading messages failed: "+m.err.Error()))
	case len(m.msgs) == 0:
		parts = append(parts, theme.HelpStyle.Render("No messages stored yet. Press 'r' to scan."))
	default:
		parts = append(parts, m.table.View(), m.summary())
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) summary() string {
	pending, candidates := 0, 0
	for _, msg := range m.msgs {
		if !msg.Analyzed {
			pending++
		}
		if msg.OpportunityID != nil {
			candidates++
		}
	}
	return theme.HelpStyle.Render(fmt.Sprintf("%d messages, %d pending classification, %d candidates",
		len(m.msgs), pending, candidates))
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	subject := max(width-12-24-14-8, 20)
	m.table.SetColumns([]table.Column{
		{Title: "Received", Width: 12},
		{Title: "Sender", Width: 24},
		{Title: "Subject", Width: subject},
		{Title: "Verdict", Width: 14},
	})
	m.table.SetWidth(width - 2)
	m.table.SetHeight(max(height-6, 1))
}

func rows(msgs []model.ScannedMessage) []table.Row {
	out := make([]table.Row, 0, len(msgs))
	for _, msg := range msgs {
		received := "-"
		if !msg.ReceivedAt.IsZero() {
			received = msg.ReceivedAt.Local().Format("Jan 02 15:04")
		}
		out = append(out, table.Row{received, msg.SenderDomain, msg.Subject, verdictLabel(msg)})
	}
	return out
}

func verdictLabel(msg model.ScannedMessage) string {
	if !msg.Analyzed {
		return "pending"
	}
	var v classify.Verdict
	if err := json.Unmarshal(msg.Classification, &v); err != nil {
		return "analyzed"
	}
	if msg.OpportunityID != nil {
		if v.Opportunity != "" {
			return v.Opportunity
		}
		return fmt.Sprintf("candidate %.0f%%", v.Confidence*100)
	}
	return "no refund"
}
