// Package connections renders the table of linked mailboxes.
package connections

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/refundscout/internal/keys"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/theme"
)

// Lister loads the connections to display.
type Lister interface {
	List(ctx context.Context, userID string) ([]model.MailboxConnection, error)
}

// LoadedMsg is sent when connections have been loaded.
type LoadedMsg struct {
	Connections []model.MailboxConnection
	Err         error
}

// SelectedMsg is sent when the user opens a connection.
type SelectedMsg struct {
	Connection model.MailboxConnection
}

// Model is the connection table.
type Model struct {
	table   table.Model
	spinner spinner.Model
	lister  Lister
	userID  string
	keys    *keys.KeyMap
	conns   []model.MailboxConnection
	loaded  bool
	err     error
	width   int
	height  int
}

// New creates the table for the connections of userID.
func New(l Lister, userID string, k *keys.KeyMap, width, height int) Model {
	t := table.New(
		table.WithColumns(columns(width)),
		table.WithFocused(true),
		table.WithHeight(max(height-2, 1)),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.ColorBorder).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(theme.ColorWhite).
		Background(theme.ColorBlue).
		Bold(false)
	t.SetStyles(styles)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		table:   t,
		spinner: sp,
		lister:  l,
		userID:  userID,
		keys:    k,
		width:   width,
		height:  height,
	}
}

// Init loads the connections and starts the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.Load(), m.spinner.Tick)
}

// Load returns a command that reloads the connections.
func (m Model) Load() tea.Cmd {
	l, userID := m.lister, m.userID
	return func() tea.Msg {
		conns, err := l.List(context.Background(), userID)
		return LoadedMsg{Connections: conns, Err: err}
	}
}

// Update handles messages for the table.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case LoadedMsg:
		m.loaded = true
		m.err = msg.Err
		if msg.Err == nil {
			m.conns = msg.Connections
			m.table.SetRows(m.rows())
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.Syncing() > 0 {
			m.table.SetRows(m.rows())
		}
		return m, cmd

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Select) {
			if c := m.Selected(); c != nil {
				conn := *c
				return m, func() tea.Msg { return SelectedMsg{Connection: conn} }
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the table, or a hint when nothing is linked yet.
func (m Model) View() string {
	switch {
	case m.err != nil:
		return theme.ErrorStyle.Render("Loading mailboxes failed: " + m.err.Error())
	case !m.loaded:
		return m.spinner.View() + " Loading mailboxes..."
	case len(m.conns) == 0:
		return lipgloss.NewStyle().Padding(1, 2).Render(
			theme.TitleStyle.Render("No mailbox linked yet") + "\n" +
				theme.HelpStyle.Render("Press 'a' to link one."),
		)
	}
	return m.table.View()
}

// Selected returns the highlighted connection.
func (m Model) Selected() *model.MailboxConnection {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.conns) {
		return nil
	}
	c := m.conns[i]
	return &c
}

// Connections returns the loaded connections.
func (m Model) Connections() []model.MailboxConnection {
	return m.conns
}

// Syncing counts connections currently being scanned.
func (m Model) Syncing() int {
	n := 0
	for _, c := range m.conns {
		if c.Status == model.StatusSyncing {
			n++
		}
	}
	return n
}

// SetSize updates the table dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.table.SetColumns(columns(width))
	m.table.SetWidth(width)
	m.table.SetHeight(max(height-2, 1))
}

func columns(width int) []table.Column {
	fixed := 12 + 22 + 9 + 9 + 12
	email := max(width-fixed-10, 20)
	return []table.Column{
		{Title: "Mailbox", Width: email},
		{Title: "Provider", Width: 12},
		{Title: "Status", Width: 22},
		{Title: "Scanned", Width: 9},
		{Title: "Found", Width: 9},
		{Title: "Last scan", Width: 12},
	}
}

func (m Model) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.conns))
	for _, c := range m.conns {
		rows = append(rows, table.Row{
			c.Email,
			c.Provider,
			m.statusCell(c),
			strconv.Itoa(c.EmailsScanned),
			strconv.Itoa(c.OpportunitiesFound),
			lastScan(c.LastSyncAt),
		})
	}
	return rows
}

func (m Model) statusCell(c model.MailboxConnection) string {
	if c.Status == model.StatusSyncing {
		return m.spinner.View() + " syncing"
	}
	return string(c.Status)
}

func lastScan(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return RelativeTime(*t)
}

// RelativeTime formats t as a short age such as "5m ago".
func RelativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
