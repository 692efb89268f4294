package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/nhle/refundscout/internal/imap"
	"github.com/nhle/refundscout/internal/keys"
	"github.com/nhle/refundscout/internal/model"
	appsync "github.com/nhle/refundscout/internal/sync"
	"github.com/nhle/refundscout/internal/ui"
	"github.com/nhle/refundscout/internal/ui/connections"
	"github.com/nhle/refundscout/internal/ui/detail"
	helpview "github.com/nhle/refundscout/internal/ui/help"
	"github.com/nhle/refundscout/internal/ui/linkform"
	"github.com/nhle/refundscout/internal/ui/messages"
)

// ViewState represents the active view.
type ViewState int

const (
	ViewConnections ViewState = iota
	ViewMessages
	ViewDetail
	ViewLinkForm
	ViewConfirm
	ViewHelp
)

// refreshInterval is how often the table reloads while a scan runs.
const refreshInterval = time.Second

type (
	reloadMsg     struct{}
	linkResultMsg struct {
		conn *model.MailboxConnection
		err  error
	}
	relinkResultMsg struct {
		id  string
		err error
	}
	testResultMsg struct {
		email string
		err   error
	}
	disconnectResultMsg struct {
		email string
		err   error
	}
	classifyResultMsg struct {
		analyzed, candidates int
		err                  error
	}
)

// confirmBindings keeps the confirm value on the heap across model copies.
type confirmBindings struct {
	ok   bool
	conn model.MailboxConnection
}

// Model is the root Bubble Tea model of the dashboard.
type Model struct {
	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	svc          *Services
	keys         *keys.KeyMap
	conns        connections.Model
	messages     messages.Model
	detail       detail.Model
	form         linkform.Model
	help         helpview.Model
	confirm      *huh.Form
	cb           *confirmBindings
	notice       ui.Notice
	classifying  bool
	ready        bool
}

// New creates the dashboard over svc. The scheduler runs while the
// dashboard is open.
func New(svc *Services) Model {
	k := keys.DefaultKeyMap()
	userID := svc.Config.UserID
	return Model{
		currentView: ViewConnections,
		svc:         svc,
		keys:        k,
		conns:       connections.New(svc.Mailboxes, userID, k, 80, 24),
		messages:    messages.New(svc.Store, k, 80, 24),
		detail:      detail.New(svc.Catalog, 80, 24),
		form:        linkform.New(mailboxProviders(svc), userID, 80, 24),
		help:        helpview.New(k, 80, 24),
		cb:          &confirmBindings{},
	}
}

func mailboxProviders(svc *Services) []string {
	return svc.Mailboxes.Providers().Names()
}

// Init loads the table and starts the scheduler.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.conns.Init(),
		m.svc.Poller.Start(),
		reloadAfter(refreshInterval),
	)
}

// Update routes messages to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.conns.SetSize(w, h)
		m.messages.SetSize(w, h)
		m.detail.SetSize(w, h)
		m.form.SetSize(w, h)
		m.help.SetSize(w, h)
		return m.updateActiveView(msg)

	case reloadMsg:
		// Keep polling the store while a scan is visible as syncing.
		cmds := []tea.Cmd{m.conns.Load()}
		if m.conns.Syncing() > 0 {
			cmds = append(cmds, reloadAfter(refreshInterval))
		}
		return m, tea.Batch(cmds...)

	case connections.LoadedMsg:
		var cmd tea.Cmd
		m.conns, cmd = m.conns.Update(msg)
		if m.conns.Syncing() > 0 {
			cmd = tea.Batch(cmd, reloadAfter(refreshInterval))
		}
		return m, cmd

	case connections.SelectedMsg:
		m.previousView = m.currentView
		m.currentView = ViewMessages
		cmd := m.messages.Open(msg.Connection)
		return m, cmd

	case messages.SelectedMsg:
		m.currentView = ViewDetail
		m.detail.SetMessage(msg.Message)
		return m, nil

	case messages.LoadedMsg:
		var cmd tea.Cmd
		m.messages, cmd = m.messages.Update(msg)
		return m, cmd

	case appsync.ScanResultMsg:
		m.notice = scanNotice(msg)
		cmds := []tea.Cmd{m.conns.Load(), m.svc.Poller.WaitForNextResult()}
		if m.currentView == ViewMessages && m.messages.ConnectionID() == msg.ConnectionID {
			if c := m.findConnection(msg.ConnectionID); c != nil {
				cmds = append(cmds, m.messages.Open(*c))
			}
		}
		return m, tea.Batch(cmds...)

	case linkform.SubmittedMsg:
		m.currentView = ViewConnections
		m.notice = ui.Notice{Text: "Testing login for " + msg.Request.Email + "..."}
		return m, m.link(msg)

	case linkform.RelinkSubmittedMsg:
		m.currentView = ViewConnections
		m.notice = ui.Notice{Text: "Testing new password..."}
		return m, m.relink(msg)

	case linkform.CancelledMsg:
		m.currentView = ViewConnections
		return m, nil

	case linkResultMsg:
		if msg.err != nil {
			m.notice = ui.Notice{Err: describe(msg.err)}
			return m, nil
		}
		m.notice = ui.Notice{Text: "Linked " + msg.conn.Email + ", first scan started"}
		m.svc.Poller.RefreshConnection(msg.conn.ID)
		return m, tea.Batch(m.conns.Load(), reloadAfter(refreshInterval))

	case relinkResultMsg:
		if msg.err != nil {
			m.notice = ui.Notice{Err: describe(msg.err)}
			return m, nil
		}
		m.notice = ui.Notice{Text: "Password updated, rescanning"}
		m.svc.Poller.RefreshConnection(msg.id)
		return m, reloadAfter(refreshInterval)

	case testResultMsg:
		if msg.err != nil {
			m.notice = ui.Notice{Err: fmt.Errorf("%s: %w", msg.email, describe(msg.err))}
		} else {
			m.notice = ui.Notice{Text: msg.email + ": login OK"}
		}
		return m, nil

	case disconnectResultMsg:
		if msg.err != nil {
			m.notice = ui.Notice{Err: msg.err}
		} else {
			m.notice = ui.Notice{Text: "Disconnected " + msg.email}
		}
		return m, m.conns.Load()

	case classifyResultMsg:
		m.classifying = false
		if msg.err != nil {
			m.notice = ui.Notice{Err: msg.err}
		} else {
			m.notice = ui.Notice{Text: fmt.Sprintf("Classified %d messages, %d refund candidates", msg.analyzed, msg.candidates)}
		}
		return m, m.conns.Load()

	case tea.KeyMsg:
		if next, cmd, handled := m.handleKey(msg); handled {
			return next, cmd
		}
	}

	return m.updateActiveView(msg)
}

// handleKey processes global keys. Forms get every key first.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	if m.currentView == ViewLinkForm {
		return m, nil, false
	}
	if m.currentView == ViewConfirm {
		return m.updateConfirm(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.svc.Poller.Stop()
		return m, tea.Quit, true

	case key.Matches(msg, m.keys.Help):
		if m.currentView == ViewHelp {
			m.currentView = m.previousView
		} else {
			m.previousView = m.currentView
			m.currentView = ViewHelp
		}
		return m, nil, true

	case key.Matches(msg, m.keys.Back):
		switch m.currentView {
		case ViewDetail:
			m.currentView = ViewMessages
		case ViewHelp:
			m.currentView = m.previousView
		default:
			m.currentView = ViewConnections
		}
		m.notice = ui.Notice{}
		return m, nil, true

	case key.Matches(msg, m.keys.ScanAll):
		m.svc.Poller.RefreshAll()
		m.notice = ui.Notice{Text: "Scanning all mailboxes..."}
		return m, reloadAfter(refreshInterval / 2), true

	case key.Matches(msg, m.keys.Classify):
		if m.classifying {
			return m, nil, true
		}
		m.classifying = true
		m.notice = ui.Notice{Text: "Classifying pending messages..."}
		return m, m.classify(), true

	case key.Matches(msg, m.keys.Link):
		m.previousView = m.currentView
		m.currentView = ViewLinkForm
		cmd := m.form.StartLink()
		return m, cmd, true
	}

	conn := m.current()
	if conn == nil {
		return m, nil, false
	}
	switch {
	case key.Matches(msg, m.keys.Scan):
		m.svc.Poller.RefreshConnection(conn.ID)
		m.notice = ui.Notice{Text: "Scanning " + conn.Email + "..."}
		return m, reloadAfter(refreshInterval / 2), true

	case key.Matches(msg, m.keys.Test):
		m.notice = ui.Notice{Text: "Testing login for " + conn.Email + "..."}
		return m, m.test(*conn), true

	case key.Matches(msg, m.keys.Relink):
		m.previousView = m.currentView
		m.currentView = ViewLinkForm
		cmd := m.form.StartRelink(*conn)
		return m, cmd, true

	case key.Matches(msg, m.keys.Disconnect):
		m.previousView = m.currentView
		m.currentView = ViewConfirm
		*m.cb = confirmBindings{conn: *conn}
		m.confirm = huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Disconnect " + conn.Email + "?").
				Description("Stored scan results of this mailbox are deleted too.").
				Affirmative("Disconnect").
				Negative("Keep").
				Value(&m.cb.ok),
		)).WithWidth(min(m.layout.ContentWidth(), 70))
		return m, m.confirm.Init(), true
	}
	return m, nil, false
}

func (m Model) updateConfirm(msg tea.Msg) (tea.Model, tea.Cmd, bool) {
	mdl, cmd := m.confirm.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.confirm = f
	}
	switch m.confirm.State {
	case huh.StateCompleted:
		m.currentView = ViewConnections
		if m.cb.ok {
			return m, m.disconnect(m.cb.conn), true
		}
		return m, nil, true
	case huh.StateAborted:
		m.currentView = ViewConnections
		return m, nil, true
	}
	return m, cmd, true
}

// updateActiveView dispatches the message to the active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewConnections:
		m.conns, cmd = m.conns.Update(msg)
	case ViewMessages:
		m.messages, cmd = m.messages.Update(msg)
	case ViewDetail:
		m.detail, cmd = m.detail.Update(msg)
	case ViewLinkForm:
		m.form, cmd = m.form.Update(msg)
	case ViewConfirm:
		if m.confirm != nil {
			next, cmd, _ := m.updateConfirm(msg)
			return next, cmd
		}
	case ViewHelp:
		m.help, cmd = m.help.Update(msg)
	}

	// The spinner keeps ticking whichever view is active.
	if m.currentView != ViewConnections {
		if _, ok := msg.(spinner.TickMsg); ok {
			var c2 tea.Cmd
			m.conns, c2 = m.conns.Update(msg)
			cmd = tea.Batch(cmd, c2)
		}
	}
	return m, cmd
}

// View renders the frame around the active view.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := m.layout.RenderHeader("refundscout", m.scanStatus())
	return m.layout.RenderWithFrame(header, m.renderContent(), m.layout.RenderStatusBar(m.keyHints(), m.notice))
}

func (m Model) renderContent() string {
	switch m.currentView {
	case ViewConnections:
		return m.conns.View()
	case ViewMessages:
		return m.messages.View()
	case ViewDetail:
		return m.detail.View()
	case ViewLinkForm:
		return m.form.View()
	case ViewConfirm:
		if m.confirm != nil {
			return m.confirm.View()
		}
	case ViewHelp:
		return m.help.View()
	}
	return ""
}

// scanStatus summarizes the mailboxes for the header.
func (m Model) scanStatus() string {
	conns := m.conns.Connections()
	if len(conns) == 0 {
		return "no mailboxes"
	}
	var syncing, failing, expired int
	for _, c := range conns {
		switch c.Status {
		case model.StatusSyncing:
			syncing++
		case model.StatusError:
			failing++
		case model.StatusCredentialsExpired:
			expired++
		}
	}
	switch {
	case syncing > 0:
		return fmt.Sprintf("scanning (%d)", syncing)
	case expired > 0:
		return fmt.Sprintf("%d need a new password", expired)
	case failing > 0:
		return fmt.Sprintf("%d failing", failing)
	}
	return fmt.Sprintf("%d mailboxes", len(conns))
}

func (m Model) keyHints() string {
	switch m.currentView {
	case ViewHelp:
		return "? close help | esc back"
	case ViewLinkForm:
		return "enter next | esc cancel"
	case ViewConfirm:
		return "←/→ choose | enter confirm | esc cancel"
	case ViewMessages:
		return "esc back | enter details | r scan | t test | e password | c classify"
	case ViewDetail:
		return "esc back | ↑/↓ scroll | c classify"
	default:
		return "q quit | ? help | a link | r scan | R scan all | enter messages"
	}
}

// current returns the connection the user is looking at.
func (m Model) current() *model.MailboxConnection {
	if m.currentView == ViewMessages || m.currentView == ViewDetail {
		return m.findConnection(m.messages.ConnectionID())
	}
	if m.currentView == ViewConnections {
		return m.conns.Selected()
	}
	return nil
}

func (m Model) findConnection(id string) *model.MailboxConnection {
	for _, c := range m.conns.Connections() {
		if c.ID == id {
			c := c
			return &c
		}
	}
	return nil
}

func (m Model) link(msg linkform.SubmittedMsg) tea.Cmd {
	svc := m.svc.Mailboxes
	return func() tea.Msg {
		conn, err := svc.Link(context.Background(), msg.Request)
		return linkResultMsg{conn: conn, err: err}
	}
}

func (m Model) relink(msg linkform.RelinkSubmittedMsg) tea.Cmd {
	svc := m.svc.Mailboxes
	return func() tea.Msg {
		err := svc.Relink(context.Background(), msg.ConnectionID, msg.Password)
		return relinkResultMsg{id: msg.ConnectionID, err: err}
	}
}

func (m Model) test(conn model.MailboxConnection) tea.Cmd {
	svc := m.svc.Mailboxes
	return func() tea.Msg {
		return testResultMsg{email: conn.Email, err: svc.Test(context.Background(), conn.ID)}
	}
}

func (m Model) disconnect(conn model.MailboxConnection) tea.Cmd {
	svc := m.svc.Mailboxes
	return func() tea.Msg {
		return disconnectResultMsg{email: conn.Email, err: svc.Disconnect(context.Background(), conn.ID)}
	}
}

func (m Model) classify() tea.Cmd {
	p := m.svc.Pipeline
	return func() tea.Msg {
		res, err := p.Drain(context.Background())
		return classifyResultMsg{analyzed: res.Analyzed, candidates: res.Candidates, err: err}
	}
}

func reloadAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return reloadMsg{} })
}

func scanNotice(msg appsync.ScanResultMsg) ui.Notice {
	switch {
	case msg.Skipped:
		return ui.Notice{Text: "A scan of this mailbox is already running"}
	case msg.Error != nil:
		return ui.Notice{Err: describe(msg.Error)}
	case msg.Outcome != nil:
		return ui.Notice{Text: fmt.Sprintf("Scan finished: %d messages, %d new", msg.Outcome.Found, msg.Outcome.Saved)}
	}
	return ui.Notice{}
}

// describe turns scan errors into text a user can act on.
func describe(err error) error {
	switch {
	case imap.IsInvalidCredentials(err):
		return errors.New("login rejected: check the password or use an app password, then press 'e'")
	case errors.Is(err, imap.ErrTimeout):
		return errors.New("the mail server did not answer in time")
	case errors.Is(err, imap.ErrConnection):
		return fmt.Errorf("cannot reach the mail server: %w", err)
	}
	return err
}
