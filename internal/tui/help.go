package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

type keyMap struct {
	Quit        key.Binding
	Cancel      key.Binding
	Enter       key.Binding
	FocusNext   key.Binding
	NextMode    key.Binding
	ToggleTasks key.Binding
	ExpandTasks key.Binding
	ContextSize key.Binding
	Retry       key.Binding
	Help        key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("ctrl+q"),
			key.WithHelp("ctrl+q", "quit"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "cancel request / quit"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send message"),
		),
		FocusNext: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "switch focus"),
		),
		NextMode: key.NewBinding(
			key.WithKeys("shift+tab"),
			key.WithHelp("shift+tab", "cycle mode"),
		),
		ToggleTasks: key.NewBinding(
			key.WithKeys("ctrl+t"),
			key.WithHelp("ctrl+t", "toggle task pane"),
		),
		ExpandTasks: key.NewBinding(
			key.WithKeys("ctrl+e"),
			key.WithHelp("ctrl+e", "expand/collapse tasks"),
		),
		ContextSize: key.NewBinding(
			key.WithKeys("ctrl+k"),
			key.WithHelp("ctrl+k", "cycle context size"),
		),
		Retry: key.NewBinding(
			key.WithKeys("ctrl+r"),
			key.WithHelp("ctrl+r", "retry last message"),
		),
		Help: key.NewBinding(
			key.WithKeys("ctrl+h"),
			key.WithHelp("ctrl+h", "help"),
		),
	}
}

type helpModel struct {
	keys  keyMap
	theme Theme
	width int
}

func newHelpModel(theme Theme) helpModel {
	return helpModel{
		keys:  defaultKeyMap(),
		theme: theme,
		width: 80,
	}
}

func (m *helpModel) SetWidth(width int) {
	m.width = width
}

func (m helpModel) View() string {
	var b strings.Builder

	b.WriteString(m.theme.TopBarTitle.Render("owlin help"))
	b.WriteString("\n\n")

	b.WriteString(m.theme.PaneTitleF.Render("keys"))
	b.WriteString("\n")
	for _, binding := range []key.Binding{
		m.keys.Enter,
		m.keys.FocusNext,
		m.keys.NextMode,
		m.keys.ToggleTasks,
		m.keys.ExpandTasks,
		m.keys.ContextSize,
		m.keys.Retry,
		m.keys.Cancel,
		m.keys.Quit,
	} {
		h := binding.Help()
		b.WriteString(fmt.Sprintf("  %-11s %s\n",
			m.theme.TopBarBadge.Render(h.Key), m.theme.TopBarMeta.Render(h.Desc)))
	}

	b.WriteString("\n")
	b.WriteString(m.theme.PaneTitleF.Render("modes"))
	b.WriteString("\n")
	b.WriteString(m.theme.TopBarMeta.Render("  chat   - ask a question, get one answer"))
	b.WriteString("\n")
	b.WriteString(m.theme.TopBarMeta.Render("  search - streamed answer with exploration progress"))
	b.WriteString("\n")
	b.WriteString(m.theme.TopBarMeta.Render("  agent  - streamed answer with an itemized task plan"))
	b.WriteString("\n\n")
	b.WriteString(m.theme.Footer.Render("press any key to close"))

	return b.String()
}
