package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	return s
}

func strPtr(s string) *string            { return &s }
func statusPtr(s TaskStatus) *TaskStatus { return &s }
func intPtr(n int) *int                  { return &n }

func planEvent(tasks ...Task) Event {
	return Event{Type: EventPlan, Tasks: normalizeTasks(tasks)}
}

func updateEvent(id string, status TaskStatus) Event {
	return Event{Type: EventTaskUpdate, Task: &TaskPatch{ID: id, Status: statusPtr(status)}}
}

func TestSession_RejectsSecondSubmission(t *testing.T) {
	s := newTestSession(t)
	if err := s.Begin("first", false, true); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Begin("second", false, true); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Begin = %v, want ErrBusy", err)
	}
}

func TestSession_PlanReplacesTaskListWholesale(t *testing.T) {
	s := newTestSession(t)
	if err := s.Begin("q", false, true); err != nil {
		t.Fatal(err)
	}
	s.Apply(planEvent(
		Task{ID: "old-1", Title: "Reading a.py", Type: TaskRead},
		Task{ID: "old-2", Title: "Grep handlers", Type: TaskGrep},
	))
	s.Apply(planEvent(Task{ID: "new-1", Title: "Tracing main", Type: TaskTrace}))

	if len(s.Tasks) != 1 || s.Tasks[0].ID != "new-1" {
		t.Fatalf("tasks after second plan = %+v, want single new-1", s.Tasks)
	}
	if !s.TasksExpanded || !s.TasksVisible {
		t.Fatal("plan must expand and show the task list")
	}
}

func TestSession_PlanDefaultsMissingFields(t *testing.T) {
	s := newTestSession(t)
	s.Apply(Event{Type: EventPlan, Tasks: normalizeTasks([]Task{{ID: "t1", Title: "Reading x.py", Type: TaskRead}})})
	if s.Tasks[0].Status != TaskPending {
		t.Fatalf("missing status defaulted to %q, want pending", s.Tasks[0].Status)
	}
	if s.Tasks[0].Progress != 0 {
		t.Fatalf("missing progress defaulted to %d, want 0", s.Tasks[0].Progress)
	}
}

func TestSession_PlanActivityFromRunningTask(t *testing.T) {
	s := newTestSession(t)
	s.Apply(planEvent(
		Task{ID: "t1", Title: "Reading foo.py", Type: TaskRead, Status: TaskRunning},
		Task{ID: "t2", Title: "Grep endpoints", Type: TaskGrep},
	))
	if s.Activity != "Reading file: foo.py" {
		t.Fatalf("activity = %q, want %q", s.Activity, "Reading file: foo.py")
	}
}

func TestSession_PlanActivityWhenNothingRunning(t *testing.T) {
	s := newTestSession(t)
	s.Apply(planEvent(
		Task{ID: "t1", Title: "Reading foo.py", Type: TaskRead},
		Task{ID: "t2", Title: "Grep endpoints", Type: TaskGrep},
		Task{ID: "t3", Title: "Analyze results", Type: TaskAnalyze},
	))
	if s.Activity != "Planning complete, starting 3 tasks" {
		t.Fatalf("activity = %q", s.Activity)
	}
}

func TestSession_TaskUpdateTouchesOnlyReferencedTask(t *testing.T) {
	s := newTestSession(t)
	s.Apply(planEvent(
		Task{ID: "t1", Title: "Reading a.py", Type: TaskRead},
		Task{ID: "t2", Title: "Grep handlers", Type: TaskGrep},
		Task{ID: "t3", Title: "Analyze results", Type: TaskAnalyze},
	))
	before := append([]Task(nil), s.Tasks...)

	s.Apply(Event{Type: EventTaskUpdate, Task: &TaskPatch{
		ID:       "t2",
		Status:   statusPtr(TaskRunning),
		Progress: intPtr(40),
	}})

	if len(s.Tasks) != 3 {
		t.Fatalf("task list length changed: %d", len(s.Tasks))
	}
	if diff := cmp.Diff(before[0], s.Tasks[0]); diff != "" {
		t.Fatalf("t1 disturbed:\n%s", diff)
	}
	if diff := cmp.Diff(before[2], s.Tasks[2]); diff != "" {
		t.Fatalf("t3 disturbed:\n%s", diff)
	}
	if s.Tasks[1].Status != TaskRunning || s.Tasks[1].Progress != 40 {
		t.Fatalf("t2 not updated: %+v", s.Tasks[1])
	}
}

func TestSession_TaskStatusIsMonotonic(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want TaskStatus
	}{
		{"done stays done against running", TaskDone, TaskRunning, TaskDone},
		{"done stays done against pending", TaskDone, TaskPending, TaskDone},
		{"failed stays failed against running", TaskFailed, TaskRunning, TaskFailed},
		{"done may become failed", TaskDone, TaskFailed, TaskFailed},
		{"running may complete", TaskRunning, TaskDone, TaskDone},
		{"pending may start", TaskPending, TaskRunning, TaskRunning},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession(t)
			s.Apply(planEvent(Task{ID: "t1", Title: "Reading a.py", Type: TaskRead, Status: tc.from}))
			s.Apply(updateEvent("t1", tc.to))
			if got := s.Tasks[0].Status; got != tc.want {
				t.Fatalf("%s -> %s gave %s, want %s", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestSession_TaskUpdateAdoptsUnseenID(t *testing.T) {
	s := newTestSession(t)
	s.Apply(Event{Type: EventTaskUpdate, Task: &TaskPatch{
		ID:     "surprise",
		Title:  strPtr("Tracing request flow"),
		Status: statusPtr(TaskRunning),
	}})
	if len(s.Tasks) != 1 || s.Tasks[0].ID != "surprise" {
		t.Fatalf("unseen id not adopted: %+v", s.Tasks)
	}
}

func TestSession_TaskUpdateActivityPreviews(t *testing.T) {
	s := newTestSession(t)
	s.Apply(planEvent(
		Task{ID: "t1", Title: "Reading a.py", Type: TaskRead, Status: TaskRunning},
		Task{ID: "t2", Title: "Grep handlers", Type: TaskGrep},
	))

	// Running task finished, next pending previewed.
	s.Apply(updateEvent("t1", TaskDone))
	if s.Activity != "Next: handlers" {
		t.Fatalf("activity = %q, want next-task preview", s.Activity)
	}

	// Everything terminal: finalizing.
	s.Apply(updateEvent("t2", TaskDone))
	if s.Activity != "Finalizing response…" {
		t.Fatalf("activity = %q, want finalizing", s.Activity)
	}
}

func TestSession_PhasedProgressRefreshesActivity(t *testing.T) {
	s := newTestSession(t)
	s.Apply(planEvent(Task{ID: "t1", Title: "Reading foo.py", Type: TaskRead, Status: TaskRunning}))
	s.Apply(Event{Type: EventProgress, Phase: PhaseReads, Current: 2, Total: 5})

	if s.Phases.Reads != (PhaseProgress{Current: 2, Total: 5}) {
		t.Fatalf("reads counter = %+v", s.Phases.Reads)
	}
	if s.Activity != "Reading file: foo.py (3/5)" {
		t.Fatalf("activity = %q", s.Activity)
	}
}

func TestSession_LegacyProgressFillsExploration(t *testing.T) {
	s := newTestSession(t)
	if err := s.Begin("q", true, false); err != nil {
		t.Fatal(err)
	}
	s.Apply(Event{Type: EventProgress, Message: "Scanning routes", Current: 3, Total: 10, Percentage: 30})
	want := &ExplorationProgress{Message: "Scanning routes", Current: 3, Total: 10, Percentage: 30}
	if diff := cmp.Diff(want, s.Exploration); diff != "" {
		t.Fatalf("exploration mismatch:\n%s", diff)
	}
}

func TestSession_AgentStartedSeedsPlaceholder(t *testing.T) {
	s := newTestSession(t)
	s.Apply(Event{Type: EventAgentStarted})
	if !s.TasksVisible {
		t.Fatal("task list should be visible")
	}
	if len(s.Tasks) != 1 || s.Tasks[0].Status != TaskRunning {
		t.Fatalf("placeholder not seeded: %+v", s.Tasks)
	}

	// A later plan replaces the placeholder.
	s.Apply(planEvent(Task{ID: "t1", Title: "Reading a.py", Type: TaskRead}))
	if len(s.Tasks) != 1 || s.Tasks[0].ID != "t1" {
		t.Fatalf("placeholder survived plan: %+v", s.Tasks)
	}
}

func TestSession_ResponseTerminatesTurn(t *testing.T) {
	s := newTestSession(t)
	if err := s.Begin("q", false, true); err != nil {
		t.Fatal(err)
	}
	s.MarkStreaming()
	s.Apply(Event{Type: EventProgress, Message: "working", Current: 1, Total: 2, Percentage: 50})
	s.Apply(planEvent(Task{ID: "t1", Title: "Reading a.py", Type: TaskRead, Status: TaskRunning}))

	s.Apply(Event{Type: EventResponse, Response: &ChatResponse{
		Response:       "Here is what I found.",
		CodeReferences: []CodeReference{{File: "app/main.py", Snippet: "def main(): ..."}},
	}})

	if s.Exploration != nil || s.Activity != "" {
		t.Fatalf("transient state not cleared: exploration=%+v activity=%q", s.Exploration, s.Activity)
	}
	assistants := 0
	for _, m := range s.Messages {
		if m.Role == RoleAssistant {
			assistants++
		}
	}
	if assistants != 1 {
		t.Fatalf("got %d assistant messages, want exactly 1", assistants)
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Content != "Here is what I found." || len(last.CodeReferences) != 1 {
		t.Fatalf("assistant message = %+v", last)
	}
	if s.State != StateCompleted {
		t.Fatalf("state = %s, want completed", s.State)
	}
}

func TestSession_ErrorEventAppendsRetryableMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"with message", "Ollama not available", "Ollama not available"},
		{"default message", "", "Something went wrong while processing your request. Please try again."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession(t)
			if err := s.Begin("q", false, true); err != nil {
				t.Fatal(err)
			}
			s.Apply(Event{Type: EventError, ErrMessage: tc.message})
			last := s.Messages[len(s.Messages)-1]
			if !last.Error || !last.Retryable || last.Content != tc.want {
				t.Fatalf("error message = %+v", last)
			}
			if !s.LastHeartbeat.IsZero() {
				t.Fatal("heartbeat timestamp should be cleared")
			}
			if s.State != StateErrored {
				t.Fatalf("state = %s", s.State)
			}
		})
	}
}

func TestSession_CancelMidStream(t *testing.T) {
	s := newTestSession(t)
	if err := s.Begin("q", false, true); err != nil {
		t.Fatal(err)
	}
	s.MarkStreaming()
	s.Apply(planEvent(
		Task{ID: "t1", Title: "Reading a.py", Type: TaskRead, Status: TaskDone},
		Task{ID: "t2", Title: "Grep handlers", Type: TaskGrep, Status: TaskRunning},
		Task{ID: "t3", Title: "Analyze results", Type: TaskAnalyze},
	))
	before := len(s.Messages)

	s.Cancel()

	cancels := 0
	for _, m := range s.Messages[before:] {
		if m.Content == "Operation cancelled by user." {
			cancels++
		}
	}
	if cancels != 1 {
		t.Fatalf("got %d cancellation messages, want exactly 1", cancels)
	}
	for _, task := range s.Tasks {
		if task.Status == TaskRunning || task.Status == TaskPending {
			t.Fatalf("task %s left in %s after cancel", task.ID, task.Status)
		}
	}
	if s.Tasks[0].Status != TaskDone {
		t.Fatal("already-finished task must keep its status")
	}
	if s.Tasks[1].Note != "cancelled" || s.Tasks[2].Note != "cancelled" {
		t.Fatalf("cancelled tasks missing note: %+v", s.Tasks)
	}
	if s.State != StateCancelled {
		t.Fatalf("state = %s", s.State)
	}

	// Session is reusable after cancellation.
	if err := s.Begin("again", false, true); err != nil {
		t.Fatalf("Begin after cancel: %v", err)
	}
}

func TestSession_AgentModeEndToEnd(t *testing.T) {
	s := newTestSession(t)
	if err := s.Begin("Find all API endpoints", false, true); err != nil {
		t.Fatal(err)
	}
	s.MarkStreaming()

	s.Apply(Event{Type: EventAgentStarted})
	s.Apply(planEvent(
		Task{ID: "t1", Title: "Reading routes.py", Type: TaskRead},
		Task{ID: "t2", Title: "Grep @router", Type: TaskGrep},
		Task{ID: "t3", Title: "Analyze endpoints", Type: TaskAnalyze},
	))
	for _, id := range []string{"t1", "t2", "t3"} {
		s.Apply(updateEvent(id, TaskRunning))
		s.Apply(updateEvent(id, TaskDone))
	}
	s.Apply(Event{Type: EventDone, Summary: &TaskSummary{TasksTotal: 3, Completed: 3, Failed: 0, DurationMs: 4200}})
	s.Apply(Event{Type: EventResponse, Response: &ChatResponse{Response: "Found 12 endpoints."}})

	if len(s.Tasks) != 3 {
		t.Fatalf("task list length = %d, want 3", len(s.Tasks))
	}
	for _, task := range s.Tasks {
		if task.Status != TaskDone {
			t.Fatalf("task %s = %s, want done", task.ID, task.Status)
		}
	}
	if s.Summary == nil || s.Summary.Completed != 3 {
		t.Fatalf("summary = %+v", s.Summary)
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != RoleAssistant || last.Content != "Found 12 endpoints." {
		t.Fatalf("final message = %+v", last)
	}
	if s.Activity != "" || s.Exploration != nil {
		t.Fatalf("activity indicator not cleared: %q %+v", s.Activity, s.Exploration)
	}
}

func TestSession_NonStreamingOllamaError(t *testing.T) {
	s := newTestSession(t)
	if err := s.Begin("q", false, false); err != nil {
		t.Fatal(err)
	}
	s.FinishNonStream(&ChatResponse{
		Response:       "Ollama is not available at http://localhost:11434.",
		Error:          "OLLAMA_UNAVAILABLE",
		RequiresOllama: true,
		Retryable:      true,
	})

	assistants := 0
	var last Message
	for _, m := range s.Messages {
		if m.Role == RoleAssistant {
			assistants++
			last = m
		}
	}
	if assistants != 1 {
		t.Fatalf("got %d assistant messages, want 1", assistants)
	}
	if !last.Error || !last.Retryable || !last.RequiresOllama {
		t.Fatalf("flags not mapped: %+v", last)
	}
}

func TestSession_UnknownEventIgnored(t *testing.T) {
	s := newTestSession(t)
	s.Apply(planEvent(Task{ID: "t1", Title: "Reading a.py", Type: TaskRead, Status: TaskRunning}))
	snapshot := append([]Task(nil), s.Tasks...)

	s.Apply(Event{Type: EventType("telemetry_v2")})

	if diff := cmp.Diff(snapshot, s.Tasks); diff != "" {
		t.Fatalf("unknown event changed tasks:\n%s", diff)
	}
}

func TestSession_StaleDetection(t *testing.T) {
	s := NewSession(nil)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	if err := s.Begin("q", false, true); err != nil {
		t.Fatal(err)
	}
	s.MarkStreaming()
	s.Apply(Event{Type: EventHeartbeat})

	current = current.Add(30 * time.Second)
	if s.Stale(2 * time.Minute) {
		t.Fatal("stale after 30s with 2m timeout")
	}
	current = current.Add(3 * time.Minute)
	if !s.Stale(2 * time.Minute) {
		t.Fatal("not stale after 3m30s of silence")
	}
	if s.Stale(0) {
		t.Fatal("zero timeout must disable the watchdog")
	}

	// Any event resets the clock, not just heartbeats.
	s.Apply(Event{Type: EventTimeRemaining, Seconds: 10})
	if s.Stale(2 * time.Minute) {
		t.Fatal("stale immediately after an event")
	}
}

func TestSession_StaleCoversNonStreamingSubmission(t *testing.T) {
	s := NewSession(nil)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	// Plain chat mode never reaches streaming; a hung POST must still
	// trip the watchdog from the submitting state.
	if err := s.Begin("q", false, false); err != nil {
		t.Fatal(err)
	}
	if s.State != StateSubmitting {
		t.Fatalf("state = %s, want submitting", s.State)
	}

	current = current.Add(30 * time.Second)
	if s.Stale(2 * time.Minute) {
		t.Fatal("stale after 30s with 2m timeout")
	}
	current = current.Add(3 * time.Minute)
	if !s.Stale(2 * time.Minute) {
		t.Fatal("hung non-streaming request never reported stale")
	}

	s.FinishNonStream(&ChatResponse{Response: "answer"})
	if s.Stale(2 * time.Minute) {
		t.Fatal("stale after the turn completed")
	}
}

func TestSession_ConversationHistoryExcludesFailedTurns(t *testing.T) {
	s := newTestSession(t)
	if err := s.Begin("first question", false, false); err != nil {
		t.Fatal(err)
	}
	s.FinishNonStream(&ChatResponse{Response: "first answer"})

	if err := s.Begin("second question", false, false); err != nil {
		t.Fatal(err)
	}
	s.Fail(&APIError{Status: 503, Message: "unavailable"})

	history := s.ConversationHistory()
	want := []HistoryMessage{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}
	if diff := cmp.Diff(want, history); diff != "" {
		t.Fatalf("history mismatch:\n%s", diff)
	}

	msg, ok := s.LastUserMessage()
	if !ok || msg != "second question" {
		t.Fatalf("LastUserMessage = %q, %v", msg, ok)
	}
}
