// Package linkform is the form used to link a mailbox or replace its
// password.
package linkform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/refundscout/internal/mailbox"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/theme"
)

// SubmittedMsg is sent when the link form completes.
type SubmittedMsg struct {
	Request mailbox.LinkRequest
}

// RelinkSubmittedMsg is sent when the password form completes.
type RelinkSubmittedMsg struct {
	ConnectionID string
	Password     string
}

// CancelledMsg is sent when the user aborts the form.
type CancelledMsg struct{}

// formBindings lives on the heap so huh's Value pointers stay valid across
// Bubble Tea model copies.
type formBindings struct {
	email    string
	provider string
	host     string
	port     string
	password string
}

// Model wraps the huh form.
type Model struct {
	form      *huh.Form
	fb        *formBindings
	providers []string
	userID    string
	relink    *model.MailboxConnection
	width     int
	height    int
}

// New creates the form. providers lists the selectable provider keys.
func New(providers []string, userID string, width, height int) Model {
	return Model{
		fb:        &formBindings{},
		providers: providers,
		userID:    userID,
		width:     width,
		height:    height,
	}
}

// StartLink resets the form for a new mailbox.
func (m *Model) StartLink() tea.Cmd {
	*m.fb = formBindings{}
	m.relink = nil
	fb := m.fb

	options := []huh.Option[string]{huh.NewOption("Detect from address", "")}
	for _, p := range m.providers {
		options = append(options, huh.NewOption(p, p))
	}
	options = append(options, huh.NewOption("Other (enter server)", mailbox.ProviderCustom))

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Email address").
				Placeholder("you@example.com").
				Value(&m.fb.email).
				Validate(validateEmail),
			huh.NewSelect[string]().
				Title("Provider").
				Options(options...).
				Value(&m.fb.provider),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP host").
				Description("Required for other providers; leave empty to use the provider default").
				Placeholder("imap.example.com").
				Value(&m.fb.host),
			huh.NewInput().
				Title("Port").
				Placeholder("993").
				Value(&m.fb.port).
				Validate(validatePort),
		).WithHideFunc(func() bool { return fb.provider != mailbox.ProviderCustom }),
		huh.NewGroup(
			huh.NewInput().
				Title("Password").
				Description("Use an app password when the provider requires one").
				EchoMode(huh.EchoModePassword).
				Value(&m.fb.password).
				Validate(validateRequired("Password")),
		),
	).WithWidth(m.formWidth()).WithShowHelp(true)
	return m.form.Init()
}

// StartRelink prepares a password-only form for conn.
func (m *Model) StartRelink(conn model.MailboxConnection) tea.Cmd {
	*m.fb = formBindings{}
	m.relink = &conn
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("New password for " + conn.Email).
				EchoMode(huh.EchoModePassword).
				Value(&m.fb.password).
				Validate(validateRequired("Password")),
		),
	).WithWidth(m.formWidth())
	return m.form.Init()
}

// Update forwards to the form and emits the result when it finishes.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if m.form == nil {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.form = nil
		return m, m.submit()
	case huh.StateAborted:
		m.form = nil
		return m, func() tea.Msg { return CancelledMsg{} }
	}
	return m, cmd
}

func (m Model) submit() tea.Cmd {
	fb := *m.fb
	m.fb.password = ""
	if m.relink != nil {
		id := m.relink.ID
		return func() tea.Msg { return RelinkSubmittedMsg{ConnectionID: id, Password: fb.password} }
	}
	port, _ := strconv.Atoi(fb.port)
	req := mailbox.LinkRequest{
		UserID:   m.userID,
		Email:    strings.TrimSpace(fb.email),
		Password: fb.password,
		Provider: fb.provider,
		Host:     strings.TrimSpace(fb.host),
		Port:     port,
	}
	return func() tea.Msg { return SubmittedMsg{Request: req} }
}

func (m Model) View() string {
	if m.form == nil {
		return ""
	}
	title := "Link a mailbox"
	if m.relink != nil {
		title = "Update password"
	}
	return lipgloss.NewStyle().
		Padding(1, 2).
		Render(theme.TitleStyle.Render(title) + "\n" + m.form.View())
}

// SetSize updates the form dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	if m.form != nil {
		m.form = m.form.WithWidth(m.formWidth())
	}
}

func (m Model) formWidth() int {
	return min(max(m.width-6, 30), 80)
}

func validateRequired(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validateEmail(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("email address is required")
	}
	if at := strings.LastIndexByte(s, '@'); at <= 0 || at == len(s)-1 {
		return errors.New("enter a full address such as you@example.com")
	}
	return nil
}

func validatePort(s string) error {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return errors.New("port must be a number between 1 and 65535")
	}
	return nil
}
