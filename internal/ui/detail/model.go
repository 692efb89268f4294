package detail

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/refundscout/internal/catalog"
	"github.com/nhle/refundscout/internal/classify"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/theme"
)

// Model is the detail view of one stored message.
type Model struct {
	msg      *model.ScannedMessage
	catalog  *catalog.Catalog
	viewport viewport.Model
	width    int
	height   int
}

// New creates a new detail view model. cat resolves categories and
// opportunity titles and may be nil.
func New(cat *catalog.Catalog, width, height int) Model {
	vp := viewport.New(width, height-2)
	vp.Style = lipgloss.NewStyle()

	return Model{
		viewport: vp,
		catalog:  cat,
		width:    width,
		height:   height,
	}
}

// Update delegates to the viewport for scrolling.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the detail view.
func (m Model) View() string {
	if m.msg == nil {
		return lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("No message selected")
	}
	return m.viewport.View()
}

// SetMessage updates the message being displayed and re-renders the content.
func (m *Model) SetMessage(msg model.ScannedMessage) {
	m.msg = &msg
	m.viewport.SetContent(m.renderContent())
	m.viewport.GotoTop()
}

// Message returns the displayed message.
func (m Model) Message() *model.ScannedMessage {
	return m.msg
}

// SetSize updates the detail view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.viewport.Height = height - 2
	if m.msg != nil {
		m.viewport.SetContent(m.renderContent())
	}
}

func (m Model) renderContent() string {
	msg := m.msg
	var sections []string

	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite)
	sections = append(sections, titleStyle.Render(subject))

	category := ""
	if m.catalog != nil {
		category = m.catalog.CategoryFor(msg.SenderDomain)
	}
	badges := []string{m.verdictBadge()}
	if category != "" {
		badges = append(badges, "  ", theme.CategoryStyle(category).Render(strings.ToUpper(category)))
	}
	sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top, badges...), "")

	metaStyle := lipgloss.NewStyle().Foreground(theme.ColorGray)
	valStyle := lipgloss.NewStyle().Foreground(theme.ColorWhite)
	field := func(label, value string) {
		if value == "" {
			return
		}
		sections = append(sections, fmt.Sprintf("%s %s", metaStyle.Render(fmt.Sprintf("%-10s", label+":")), valStyle.Render(value)))
	}

	field("From", msg.Sender)
	field("Domain", msg.SenderDomain)
	if !msg.ReceivedAt.IsZero() {
		field("Received", msg.ReceivedAt.Local().Format("2006-01-02 15:04"))
	}
	field("UID", msg.ProviderMessageID)
	if !msg.CreatedAt.IsZero() {
		field("Stored", msg.CreatedAt.Local().Format("2006-01-02 15:04"))
	}

	sepStyle := lipgloss.NewStyle().Foreground(theme.ColorSubtle)
	separator := sepStyle.Render(strings.Repeat("─", max(min(m.width-4, 80), 1)))
	sections = append(sections, "", separator, "")

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite).MarginBottom(1)
	sections = append(sections, headerStyle.Render("Classification"))

	v, ok := m.verdict()
	switch {
	case !msg.Analyzed:
		sections = append(sections, lipgloss.NewStyle().Foreground(theme.ColorGray).Italic(true).
			Render("Not classified yet. Press 'c' to classify pending messages."))
	case !ok:
		sections = append(sections, theme.ErrorStyle.Render("The stored verdict could not be read"))
	default:
		field("Candidate", yesNo(v.IsCandidate))
		field("Confidence", fmt.Sprintf("%.0f%%", v.Confidence*100))
		field("Category", v.MatchedCategory)
		field("Refund", m.opportunityTitle(v))
		if msg.OpportunityID != nil {
			field("Candidate ID", *msg.OpportunityID)
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) verdict() (classify.Verdict, bool) {
	var v classify.Verdict
	if len(m.msg.Classification) == 0 {
		return v, false
	}
	if err := json.Unmarshal(m.msg.Classification, &v); err != nil {
		return v, false
	}
	return v, true
}

func (m Model) verdictBadge() string {
	switch {
	case !m.msg.Analyzed:
		return theme.StatusStyle("pending").Render("PENDING")
	case m.msg.OpportunityID != nil:
		return theme.SuccessStyle.Render("REFUND CANDIDATE")
	default:
		return lipgloss.NewStyle().Foreground(theme.ColorGray).Render("NO REFUND")
	}
}

// opportunityTitle maps a verdict's opportunity id to its catalog title.
func (m Model) opportunityTitle(v classify.Verdict) string {
	if v.Opportunity == "" || m.catalog == nil {
		return v.Opportunity
	}
	for _, o := range m.catalog.Opportunities(v.MatchedCategory) {
		if o.ID == v.Opportunity {
			return o.Title
		}
	}
	return v.Opportunity
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
