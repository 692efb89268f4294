package keys

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the global keybindings of the dashboard.
type KeyMap struct {
	// Navigation
	Down key.Binding
	Up   key.Binding

	// Open the messages of the selected mailbox
	Select key.Binding

	Back key.Binding
	Quit key.Binding
	Help key.Binding

	// Scans
	Scan    key.Binding
	ScanAll key.Binding

	// Mailbox actions
	Link       key.Binding
	Relink     key.Binding
	Test       key.Binding
	Disconnect key.Binding

	// Run the classifier over pending messages
	Classify key.Binding
}

// DefaultKeyMap returns the default set of keybindings.
func DefaultKeyMap() *KeyMap {
	return &KeyMap{
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "down"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "up"),
		),
		Select: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "messages"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
		Scan: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "scan mailbox"),
		),
		ScanAll: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "scan all"),
		),
		Link: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "link mailbox"),
		),
		Relink: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "update password"),
		),
		Test: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "test login"),
		),
		Disconnect: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "disconnect"),
		),
		Classify: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "classify"),
		),
	}
}

// ShortHelp returns the most essential keybindings for the compact help view.
func (k *KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{
		k.Up, k.Down, k.Select, k.Scan,
		k.Link, k.Quit, k.Help,
	}
}

// FullHelp returns all keybindings grouped by category for the expanded
// help view.
func (k *KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Select, k.Back, k.Quit},
		{k.Scan, k.ScanAll, k.Classify, k.Help},
		{k.Link, k.Relink, k.Test, k.Disconnect},
	}
}
