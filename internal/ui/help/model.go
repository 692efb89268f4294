package help

import (
	"github.com/charmbracelet/bubbles/help"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/refundscout/internal/keys"
	"github.com/nhle/refundscout/internal/theme"
)

// Model is the help overlay.
type Model struct {
	keys   *keys.KeyMap
	help   help.Model
	width  int
	height int
}

// New creates a help overlay for k.
func New(k *keys.KeyMap, width, height int) Model {
	h := help.New()
	h.Width = width
	h.ShowAll = true
	return Model{keys: k, help: h, width: width, height: height}
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	return m, nil
}

// View renders every binding, grouped, with a short legend of statuses.
func (m Model) View() string {
	legend := lipgloss.JoinHorizontal(lipgloss.Top,
		theme.StatusStyle("connected").Render("connected"), "  ",
		theme.StatusStyle("syncing").Render("syncing"), "  ",
		theme.StatusStyle("error").Render("error"), "  ",
		theme.StatusStyle("credentials_expired").Render("credentials_expired"),
	)
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.TitleStyle.Render("Keyboard Shortcuts"),
		m.help.View(m.keys),
		"",
		theme.HelpStyle.Render("Expired credentials are skipped by the scheduler until updated with 'e'."),
		legend,
	)

	return theme.PanelStyle.
		Width(max(m.width-4, 0)).
		Height(max(m.height-4, 0)).
		Render(content)
}

// SetSize updates the overlay dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.help.Width = width - 4
}
