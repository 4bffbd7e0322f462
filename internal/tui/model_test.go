package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/evanse71/owlin-assist/internal/chat"
)

func newTestModel(t *testing.T) *MainModel {
	t.Helper()
	t.Setenv("OWLIN_NO_COLOR", "1")
	cfg := chat.DefaultConfig()
	client := chat.NewClient(cfg.BackendURL, nil)
	session := chat.NewSession(nil)
	m := NewMainModel(client, session, cfg, "")
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return m
}

func TestComputeLayout_TasksPaneOnlyWhenVisible(t *testing.T) {
	m := newTestModel(t)

	l := m.computeLayout()
	if l.TasksW != 0 {
		t.Fatalf("tasks pane width = %d before any tasks exist, want 0", l.TasksW)
	}

	m.session.TasksVisible = true
	l = m.computeLayout()
	if l.TasksW < 34 {
		t.Fatalf("tasks pane width = %d, want >= 34", l.TasksW)
	}
	if l.ChatW+1+l.TasksW != 120 {
		t.Fatalf("chat %d + gap + tasks %d does not fill width 120", l.ChatW, l.TasksW)
	}
}

func TestComputeLayout_NarrowTerminalHidesTasks(t *testing.T) {
	m := newTestModel(t)
	m.session.TasksVisible = true
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})

	if l := m.computeLayout(); l.TasksW != 0 {
		t.Fatalf("tasks pane width = %d on an 80-column terminal, want 0", l.TasksW)
	}
}

func TestNextMode_Cycles(t *testing.T) {
	order := []chat.Mode{chat.ModeChat, chat.ModeSearch, chat.ModeAgent, chat.ModeChat}
	for i := 0; i < len(order)-1; i++ {
		if got := nextMode(order[i]); got != order[i+1] {
			t.Fatalf("nextMode(%s) = %s, want %s", order[i], got, order[i+1])
		}
	}
}

func TestTasksTitle(t *testing.T) {
	m := newTestModel(t)
	if got := m.tasksTitle(); got != "Tasks" {
		t.Fatalf("empty list title = %q", got)
	}

	m.session.Tasks = []chat.Task{
		{ID: "t1", Status: chat.TaskDone},
		{ID: "t2", Status: chat.TaskFailed},
		{ID: "t3", Status: chat.TaskRunning},
	}
	if got := m.tasksTitle(); got != "Tasks 2/3" {
		t.Fatalf("title = %q, want %q", got, "Tasks 2/3")
	}
}

func TestRenderPhaseCounters_SkipsIdlePhases(t *testing.T) {
	m := newTestModel(t)
	m.session.Phases.Reads = chat.PhaseProgress{Current: 2, Total: 5}
	m.session.Phases.Traces = chat.PhaseProgress{Current: 1, Total: 1}

	got := m.renderPhaseCounters()
	if got != "reads 2/5  traces 1/1" {
		t.Fatalf("counters = %q", got)
	}
}

func TestRenderTaskLine_FailedShowsNote(t *testing.T) {
	m := newTestModel(t)
	line := m.renderTaskLine(chat.Task{
		ID:     "t1",
		Title:  "Read app.py",
		Status: chat.TaskFailed,
		Note:   "cancelled",
	}, 60)

	if !strings.Contains(line, "✗") || !strings.Contains(line, "(cancelled)") {
		t.Fatalf("failed task line = %q", line)
	}
}

func TestFormatContextSize(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{128000, "128k"},
		{10000, "10k"},
		{1500, "1500"},
	}
	for _, tt := range tests {
		if got := formatContextSize(tt.in); got != tt.want {
			t.Errorf("formatContextSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"a longer string", 8, "a longe…"},
		{"héllo wörld", 6, "héllo…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestRenderMessage_RetryHint(t *testing.T) {
	m := newTestModel(t)
	msg := chat.Message{
		Role:      chat.RoleAssistant,
		Content:   "backend down",
		Error:     true,
		Retryable: true,
	}
	out := m.renderMessage(msg, 80)
	if !strings.Contains(out, "ERR") {
		t.Fatalf("error message missing ERR label: %q", out)
	}
	if !strings.Contains(out, "Ctrl+R") {
		t.Fatalf("retryable message missing retry hint: %q", out)
	}
}

func TestStreamDrain_BufferedResponseSurvivesDone(t *testing.T) {
	// The goroutine can buffer the response event and send done before the
	// UI runs a single wait command. The drain must deliver every buffered
	// event before the completion signal, every time.
	for trial := 0; trial < 100; trial++ {
		m := newTestModel(t)
		if err := m.session.Begin("question", false, true); err != nil {
			t.Fatal(err)
		}
		m.eventsCh = make(chan chat.Event, 4)
		m.doneCh = make(chan streamDoneMsg, 1)
		m.eventsCh <- chat.Event{Type: chat.EventAgentStarted}
		m.eventsCh <- chat.Event{
			Type:     chat.EventResponse,
			Response: &chat.ChatResponse{Response: "the answer"},
		}
		m.doneCh <- streamDoneMsg{}
		close(m.eventsCh)

		for i := 0; i < 10 && m.eventsCh != nil; i++ {
			msg := m.waitStreamMsg()()
			if msg == nil {
				break
			}
			m.Update(msg)
		}

		if m.session.State != chat.StateCompleted {
			t.Fatalf("trial %d: state = %s, want completed", trial, m.session.State)
		}
		last := m.session.Messages[len(m.session.Messages)-1]
		if last.Content != "the answer" || last.Error {
			t.Fatalf("trial %d: final message = %+v", trial, last)
		}
	}
}

func TestCancel_LateBufferedEventsAreDiscarded(t *testing.T) {
	m := newTestModel(t)
	if err := m.session.Begin("question", false, true); err != nil {
		t.Fatal(err)
	}
	m.Update(streamEventMsg{ev: chat.Event{Type: chat.EventAgentStarted}})
	m.session.Cancel()

	before := len(m.session.Messages)
	m.Update(streamEventMsg{ev: chat.Event{
		Type:     chat.EventResponse,
		Response: &chat.ChatResponse{Response: "late answer"},
	}})

	if m.session.State != chat.StateCancelled {
		t.Fatalf("state = %s after late response, want cancelled", m.session.State)
	}
	if got := len(m.session.Messages); got != before {
		t.Fatalf("message count %d -> %d: late event appended a message", before, got)
	}
}

func TestStreamLifecycle_EventsFoldIntoSession(t *testing.T) {
	m := newTestModel(t)
	if err := m.session.Begin("question", false, true); err != nil {
		t.Fatal(err)
	}

	m.Update(streamEventMsg{ev: chat.Event{Type: chat.EventAgentStarted}})
	if m.session.State != chat.StateStreaming {
		t.Fatalf("state = %s after first event, want streaming", m.session.State)
	}
	if !m.session.TasksVisible {
		t.Fatal("task pane not visible after agent_started")
	}

	m.Update(streamEventMsg{ev: chat.Event{
		Type:     chat.EventResponse,
		Response: &chat.ChatResponse{Response: "answer"},
	}})
	if m.session.State != chat.StateCompleted {
		t.Fatalf("state = %s after response, want completed", m.session.State)
	}
	last := m.session.Messages[len(m.session.Messages)-1]
	if last.Role != chat.RoleAssistant || last.Content != "answer" {
		t.Fatalf("last message = %+v", last)
	}
}
