package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/evanse71/owlin-assist/internal/chat"
)

type focusArea int

const (
	focusInput focusArea = iota
	focusChat
	focusTasks
)

type spinMsg struct{}
type watchdogMsg struct{}

type streamEventMsg struct{ ev chat.Event }
type streamDoneMsg struct{ err error }

type askDoneMsg struct {
	resp *chat.ChatResponse
	err  error
}

type statusMsg struct {
	status *chat.StatusResponse
	err    error
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const watchdogInterval = 5 * time.Second

// MainModel is the root bubbletea model: a chat transcript pane, a task
// pane for agent progress, and a single-line input. All session mutation
// happens here on the UI goroutine; the stream goroutine only feeds the
// event channel.
type MainModel struct {
	client  *chat.Client
	session *chat.Session
	cfg     chat.Config
	cfgPath string
	mode    chat.Mode

	theme Theme
	help  helpModel

	width  int
	height int
	ready  bool

	focus focusArea

	input  textarea.Model
	chatVP viewport.Model

	showTasks bool
	showHelp  bool

	markdown *MarkdownRenderer

	spinnerPos int
	cancel     context.CancelFunc
	eventsCh   chan chat.Event
	doneCh     chan streamDoneMsg

	backendModel string
	backendOK    bool
	ollamaOK     bool
	statusKnown  bool
}

func NewMainModel(client *chat.Client, session *chat.Session, cfg chat.Config, cfgPath string) *MainModel {
	ta := textarea.New()
	ta.Placeholder = "Ask about your invoices, then press Enter. Tab switches focus."
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetHeight(1)
	ta.Prompt = " "
	ta.ShowLineNumbers = false

	// Keep textarea styling minimal; the input container carries the border.
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Base = lipgloss.NewStyle()
	ta.BlurredStyle.Base = lipgloss.NewStyle()

	mode, _ := chat.ParseMode(cfg.DefaultMode)
	t := NewTheme(cfg.Theme)

	m := &MainModel{
		client:    client,
		session:   session,
		cfg:       cfg,
		cfgPath:   cfgPath,
		mode:      mode,
		theme:     t,
		help:      newHelpModel(t),
		width:     100,
		height:    30,
		focus:     focusInput,
		input:     ta,
		showTasks: true,
		markdown:  NewMarkdownRenderer(t),
	}

	if os.Getenv("OWLIN_SHOW_TASKS") == "0" {
		m.showTasks = false
	}
	return m
}

func (m *MainModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.checkStatus())
}

func (m *MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.SetWidth(m.width)

		layout := m.computeLayout()
		if !m.ready {
			m.chatVP = viewport.New(layout.ChatW, layout.ChatH)
			m.chatVP.Style = lipgloss.NewStyle()
			m.ready = true
		} else {
			m.chatVP.Width = layout.ChatW
			m.chatVP.Height = layout.ChatH
		}
		m.input.SetWidth(max(10, layout.InputW))
		m.refreshChat()
		return m, nil

	case tea.KeyMsg:
		if m.showHelp {
			m.showHelp = false
			return m, nil
		}
		switch {
		case key.Matches(msg, m.help.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.help.keys.Cancel):
			if m.session.Busy() && m.cancel != nil {
				m.cancel()
				m.session.Cancel()
				m.refreshChat()
				m.chatVP.GotoBottom()
				return m, nil
			}
			return m, tea.Quit

		case key.Matches(msg, m.help.keys.Help):
			m.showHelp = true
			return m, nil

		case key.Matches(msg, m.help.keys.NextMode):
			m.mode = nextMode(m.mode)
			return m, nil

		case key.Matches(msg, m.help.keys.ContextSize):
			m.cfg.ContextSize = chat.NextContextSize(m.cfg.ContextSize)
			if m.cfgPath != "" {
				_ = chat.SaveConfig(m.cfg, m.cfgPath)
			}
			return m, nil

		case key.Matches(msg, m.help.keys.ToggleTasks):
			m.showTasks = !m.showTasks
			if !m.showTasks && m.focus == focusTasks {
				m.focus = focusInput
				m.input.Focus()
			}
			return m, nil

		case key.Matches(msg, m.help.keys.ExpandTasks):
			m.session.TasksExpanded = !m.session.TasksExpanded
			return m, nil

		case key.Matches(msg, m.help.keys.Retry):
			return m, m.onRetry()

		case key.Matches(msg, m.help.keys.FocusNext):
			m.cycleFocus()
			return m, nil

		case key.Matches(msg, m.help.keys.Enter):
			if m.focus == focusInput {
				return m, m.onEnter()
			}
			return m, nil

		case msg.Type == tea.KeyUp && m.focus == focusChat:
			m.chatVP.LineUp(1)
			return m, nil
		case msg.Type == tea.KeyDown && m.focus == focusChat:
			m.chatVP.LineDown(1)
			return m, nil
		case msg.Type == tea.KeyPgUp:
			m.chatVP.ViewUp()
			return m, nil
		case msg.Type == tea.KeyPgDown:
			m.chatVP.ViewDown()
			return m, nil
		}

	case streamEventMsg:
		// A cancelled or failed turn must not be resurrected by events that
		// were already buffered; keep draining so the goroutine can retire,
		// but fold nothing further into the session.
		if !m.session.Busy() {
			return m, m.waitStreamMsg()
		}
		m.session.MarkStreaming()
		m.session.Apply(msg.ev)
		m.refreshChat()
		if !m.session.Busy() {
			m.chatVP.GotoBottom()
		}
		// Keep draining until the stream goroutine reports completion.
		return m, m.waitStreamMsg()

	case streamDoneMsg:
		return m, m.onStreamDone(msg.err)

	case askDoneMsg:
		m.cancel = nil
		switch {
		case errors.Is(msg.err, context.Canceled):
			// Cancellation already recorded by the keypress.
		case msg.err != nil:
			m.session.Fail(msg.err)
		default:
			m.session.FinishNonStream(msg.resp)
		}
		m.refreshChat()
		m.chatVP.GotoBottom()
		return m, nil

	case statusMsg:
		m.statusKnown = true
		if msg.err != nil || msg.status == nil {
			m.backendOK = false
			return m, nil
		}
		m.backendOK = true
		m.ollamaOK = msg.status.OllamaAvailable
		m.backendModel = msg.status.PrimaryModel
		return m, nil

	case spinMsg:
		m.spinnerPos = (m.spinnerPos + 1) % len(spinnerFrames)
		if m.session.Busy() {
			return m, m.spinTick()
		}

	case watchdogMsg:
		return m, m.onWatchdog()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.chatVP, cmd = m.chatVP.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *MainModel) View() string {
	if !m.ready {
		return "…"
	}
	if m.showHelp {
		return m.help.View()
	}

	layout := m.computeLayout()
	top := m.renderTopBar()
	main := m.renderMain(layout)
	input := m.renderInputArea(layout)
	footer := m.renderFooter()
	return lipgloss.JoinVertical(lipgloss.Left, top, main, input, footer)
}

func (m *MainModel) onEnter() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	return m.submit(text)
}

func (m *MainModel) onRetry() tea.Cmd {
	if m.session.State != chat.StateErrored {
		return nil
	}
	text, ok := m.session.LastUserMessage()
	if !ok {
		return nil
	}
	return m.submit(text)
}

func (m *MainModel) submit(text string) tea.Cmd {
	// History is captured before Begin so the current message is not
	// duplicated into conversation_history. A trailing user message can
	// only come from a failed or cancelled turn (its reply is excluded);
	// drop it so a retry replays the conversation minus that turn.
	history := m.session.ConversationHistory()
	if len(history) > 0 && history[len(history)-1].Role == string(chat.RoleUser) {
		history = history[:len(history)-1]
	}

	if err := m.session.Begin(text, m.mode == chat.ModeSearch, m.mode == chat.ModeAgent); err != nil {
		return nil
	}
	m.refreshChat()
	m.chatVP.GotoBottom()
	m.spinnerPos = 0

	req := chat.ChatRequest{
		Message:             text,
		ConversationHistory: history,
		ContextSize:         m.cfg.ContextSize,
		UseSearchMode:       m.mode == chat.ModeSearch,
		UseAgentMode:        m.mode == chat.ModeAgent,
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if m.mode == chat.ModeChat {
		return tea.Batch(func() tea.Msg {
			resp, err := m.client.Ask(ctx, req)
			return askDoneMsg{resp: resp, err: err}
		}, m.spinTick(), m.watchdogTick())
	}

	m.eventsCh = make(chan chat.Event, 256)
	m.doneCh = make(chan streamDoneMsg, 1)

	go func(events chan chat.Event, done chan streamDoneMsg) {
		err := m.client.Stream(ctx, req, func(ev chat.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		done <- streamDoneMsg{err: err}
		close(events)
	}(m.eventsCh, m.doneCh)

	return tea.Batch(m.waitStreamMsg(), m.spinTick(), m.watchdogTick())
}

func (m *MainModel) onStreamDone(err error) tea.Cmd {
	m.cancel = nil
	m.eventsCh = nil
	m.doneCh = nil

	switch {
	case err == nil:
		if m.session.Busy() {
			// Stream closed without a response event.
			m.session.Apply(chat.Event{Type: chat.EventError})
		}
	case errors.Is(err, context.Canceled):
		// Cancellation already recorded by the keypress or watchdog.
	default:
		m.session.Fail(err)
	}
	m.refreshChat()
	m.chatVP.GotoBottom()
	return nil
}

func (m *MainModel) onWatchdog() tea.Cmd {
	if !m.session.Busy() {
		return nil
	}
	timeout := time.Duration(m.cfg.StallTimeoutSeconds) * time.Second
	if m.session.Stale(timeout) {
		if m.cancel != nil {
			m.cancel()
		}
		m.session.Fail(&chat.APIError{
			Status:  0,
			Message: "The backend stopped responding mid-stream. The request was aborted.",
		})
		m.refreshChat()
		m.chatVP.GotoBottom()
		return nil
	}
	return m.watchdogTick()
}

func (m *MainModel) waitStreamMsg() tea.Cmd {
	events := m.eventsCh
	done := m.doneCh
	return func() tea.Msg {
		if events == nil || done == nil {
			return nil
		}
		// The stream goroutine closes events only after sending done, so
		// receiving from events alone drains every buffered event before
		// the completion signal is picked up. Selecting on done here would
		// let it win the race while the final response is still buffered.
		ev, ok := <-events
		if ok {
			return streamEventMsg{ev: ev}
		}
		return <-done
	}
}

func (m *MainModel) spinTick() tea.Cmd {
	d := 90 * time.Millisecond
	if os.Getenv("OWLIN_REDUCE_MOTION") == "1" {
		d = 250 * time.Millisecond
	}
	return tea.Tick(d, func(_ time.Time) tea.Msg { return spinMsg{} })
}

func (m *MainModel) watchdogTick() tea.Cmd {
	return tea.Tick(watchdogInterval, func(_ time.Time) tea.Msg { return watchdogMsg{} })
}

func (m *MainModel) checkStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := m.client.Status(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m *MainModel) cycleFocus() {
	next := m.focus + 1
	if next > focusTasks {
		next = focusInput
	}
	if next == focusTasks && (!m.showTasks || !m.session.TasksVisible) {
		next = focusInput
	}
	m.focus = next
	if m.focus == focusInput {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func nextMode(m chat.Mode) chat.Mode {
	switch m {
	case chat.ModeChat:
		return chat.ModeSearch
	case chat.ModeSearch:
		return chat.ModeAgent
	default:
		return chat.ModeChat
	}
}

func (m *MainModel) refreshChat() {
	var b strings.Builder
	chatWidth := m.computeLayout().ChatW - 2
	if chatWidth < 20 {
		chatWidth = 20
	}
	for _, msg := range m.session.Messages {
		b.WriteString(m.renderMessage(msg, chatWidth))
		b.WriteString("\n\n")
	}
	m.chatVP.SetContent(strings.TrimRight(b.String(), "\n"))
}

func (m *MainModel) renderMessage(msg chat.Message, width int) string {
	var roleStyle lipgloss.Style
	var roleLabel string
	switch {
	case msg.Error:
		roleStyle = m.theme.RoleErr
		roleLabel = "ERR"
	case msg.Role == chat.RoleUser:
		roleStyle = m.theme.RoleYou
		roleLabel = "YOU"
	default:
		roleStyle = m.theme.RoleAI
		roleLabel = "OWLIN"
	}

	header := roleStyle.Render(roleLabel) + " " + m.theme.TopBarMeta.Render(msg.Timestamp.Format("15:04"))

	var body string
	if msg.Role == chat.RoleAssistant && !msg.Error {
		body = m.markdown.Render(msg.Content, width)
	} else {
		body = lipgloss.NewStyle().Foreground(m.theme.TextPrimary).Width(width).Render(msg.Content)
	}

	out := header + "\n" + body
	if len(msg.CodeReferences) > 0 {
		out += "\n" + m.renderCodeReferences(msg.CodeReferences, width)
	}
	if msg.RequiresOllama {
		hint := "Ollama is not running. Start it with `ollama serve` and retry (Ctrl+R)."
		out += "\n" + m.theme.Activity.Width(width).Render(hint)
	} else if msg.Retryable {
		out += "\n" + m.theme.Activity.Render("Press Ctrl+R to retry.")
	}
	return out
}

func (m *MainModel) renderCodeReferences(refs []chat.CodeReference, width int) string {
	var b strings.Builder
	b.WriteString(m.theme.PaneTitle.Render("References"))
	for _, ref := range refs {
		loc := ref.File
		if len(ref.Lines) == 2 {
			loc = fmt.Sprintf("%s:%d-%d", ref.File, ref.Lines[0], ref.Lines[1])
		} else if len(ref.Lines) == 1 {
			loc = fmt.Sprintf("%s:%d", ref.File, ref.Lines[0])
		}
		b.WriteString("\n  " + m.theme.TaskMeta.Render(truncateRunes(loc, max(12, width-4))))
	}
	return b.String()
}

type layoutInfo struct {
	MainH int

	ChatW int
	ChatH int

	TasksW int
	TasksH int

	InputH int
	InputW int
}

func (m *MainModel) computeLayout() layoutInfo {
	top := 1
	foot := 1
	inputH := 3
	mainH := m.height - top - foot - inputH
	if mainH < 3 {
		mainH = 3
	}

	showTasks := m.showTasks && m.session.TasksVisible && m.width >= 100
	chatW := m.width
	tasksW := 0
	if showTasks {
		gap := 1
		chatW = int(float64(m.width-gap) * 0.62)
		if chatW < 50 {
			chatW = 50
		}
		tasksW = m.width - gap - chatW
		if tasksW < 34 {
			tasksW = 34
			chatW = m.width - gap - tasksW
		}
	}

	return layoutInfo{
		MainH:  mainH,
		ChatW:  chatW,
		ChatH:  mainH,
		TasksW: tasksW,
		TasksH: mainH,
		InputH: inputH,
		InputW: chatW - 4,
	}
}

func (m *MainModel) renderTopBar() string {
	left := m.theme.TopBarTitle.Render("owlin") + " " +
		m.theme.TopBarBadge.Render(strings.ToUpper(string(m.mode)))

	var status string
	if m.session.Busy() {
		line := m.statusLine()
		status = m.theme.Spinner.Render(spinnerFrames[m.spinnerPos] + " " + line)
	} else {
		status = m.theme.TopBarMeta.Render(m.idleStatus())
	}

	right := m.theme.TopBarMeta.Render(fmt.Sprintf("ctx %s", formatContextSize(m.cfg.ContextSize)))

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(status) - lipgloss.Width(right)
	if gap < 2 {
		gap = 2
	}
	a := gap / 2
	b := gap - a
	return m.theme.TopBar.Render(left + strings.Repeat(" ", a) + status + strings.Repeat(" ", b) + right)
}

func (m *MainModel) statusLine() string {
	if m.session.Activity != "" {
		return m.session.Activity
	}
	if m.session.Exploration != nil && m.session.Exploration.Message != "" {
		return m.session.Exploration.Message
	}
	if m.session.State == chat.StateSubmitting {
		return "Sending…"
	}
	return "Thinking…"
}

func (m *MainModel) idleStatus() string {
	if !m.statusKnown {
		return "Connecting…"
	}
	if !m.backendOK {
		return "Backend unreachable"
	}
	if !m.ollamaOK {
		return "Ollama offline"
	}
	if m.backendModel != "" {
		return m.backendModel
	}
	return "Ready"
}

func formatContextSize(n int) string {
	if n >= 1000 && n%1000 == 0 {
		return fmt.Sprintf("%dk", n/1000)
	}
	return fmt.Sprintf("%d", n)
}

func (m *MainModel) renderFooter() string {
	hints := "Tab focus  Shift+Tab mode  Ctrl+T tasks  Ctrl+K context  Ctrl+C cancel  Ctrl+H help"
	if m.width < 90 {
		hints = "Tab focus  Shift+Tab mode  Ctrl+C cancel  Ctrl+H help"
	}
	return m.theme.Footer.Width(m.width).Render(hints)
}

func (m *MainModel) renderInputArea(l layoutInfo) string {
	box := m.theme.InputBox
	if m.focus == focusInput {
		box = m.theme.InputBoxF
	}
	return box.Width(max(10, l.ChatW-2)).Render(m.input.View())
}

func (m *MainModel) renderMain(l layoutInfo) string {
	chatPane := m.renderChatPane(l)
	if l.TasksW > 0 {
		return lipgloss.JoinHorizontal(lipgloss.Top, chatPane, " ", m.renderTasksPane(l))
	}
	return chatPane
}

func (m *MainModel) renderChatPane(l layoutInfo) string {
	title := "Chat"
	if m.focus == focusChat {
		title = m.theme.PaneTitleF.Render(title)
	} else {
		title = m.theme.PaneTitle.Render(title)
	}
	box := m.theme.Pane
	if m.focus == focusChat {
		box = m.theme.PaneFocused
	}
	return box.Width(l.ChatW).Height(l.ChatH).Render(title + "\n" + m.chatVP.View())
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	if maxRunes <= 1 {
		return string(r[:maxRunes])
	}
	return string(r[:maxRunes-1]) + "…"
}
