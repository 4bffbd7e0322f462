package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the chat transcript. Immutable once appended.
type Message struct {
	ID             string
	Role           Role
	Content        string
	Timestamp      time.Time
	CodeReferences []CodeReference
	Error          bool
	Retryable      bool
	RequiresOllama bool
}

// PhaseProgress is one of the four independent work counters.
type PhaseProgress struct {
	Current int
	Total   int
}

// Phases holds the per-phase counters for the current agent turn.
type Phases struct {
	Reads    PhaseProgress
	Greps    PhaseProgress
	Searches PhaseProgress
	Traces   PhaseProgress
}

func (p *Phases) get(phase Phase) *PhaseProgress {
	switch phase {
	case PhaseReads:
		return &p.Reads
	case PhaseGreps:
		return &p.Greps
	case PhaseSearches:
		return &p.Searches
	case PhaseTraces:
		return &p.Traces
	}
	return nil
}

// forTaskType maps a task type onto the phase counter that tracks it.
// ANALYZE has no counter.
func (p *Phases) forTaskType(t TaskType) *PhaseProgress {
	switch t {
	case TaskRead:
		return &p.Reads
	case TaskGrep:
		return &p.Greps
	case TaskSearch:
		return &p.Searches
	case TaskTrace:
		return &p.Traces
	}
	return nil
}

// ExplorationProgress is the coarse percentage-based progress reported in
// search mode, where the backend sends no itemized tasks.
type ExplorationProgress struct {
	Message    string
	Current    int
	Total      int
	Percentage int
}

// State is the lifecycle of one chat turn.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateErrored    State = "errored"
)

// ErrBusy is returned when a submission arrives while a request is in
// flight. One outbound request per session, enforced here.
var ErrBusy = errors.New("a request is already in flight")

const cancelledMessage = "Operation cancelled by user."

// Session folds stream events into chat state: the transcript, the agent
// task list, phase counters, and the human-readable activity line. It is
// mutated only from the stream-processing loop and the cancellation
// handler, never concurrently; the TUI bridges events through a channel so
// all Apply calls happen on the UI goroutine.
type Session struct {
	State    State
	Messages []Message

	Tasks         []Task
	TasksVisible  bool
	TasksExpanded bool

	Phases        Phases
	Activity      string
	Exploration   *ExplorationProgress
	Summary       *TaskSummary
	TimeRemaining int

	// LastEvent is bumped on every event and drives the stall watchdog;
	// LastHeartbeat only on heartbeat frames and drives the pulse animation.
	LastEvent     time.Time
	LastHeartbeat time.Time

	SearchMode bool
	AgentMode  bool

	logger *Logger
	now    func() time.Time
}

func NewSession(logger *Logger) *Session {
	return &Session{
		State:  StateIdle,
		logger: logger,
		now:    time.Now,
	}
}

// Busy reports whether a new submission must be rejected.
func (s *Session) Busy() bool {
	return s.State == StateSubmitting || s.State == StateStreaming
}

// Begin starts a new turn: appends the user message and resets all
// turn-scoped transient state. Returns ErrBusy while a request is active.
func (s *Session) Begin(text string, searchMode, agentMode bool) error {
	if s.Busy() {
		return ErrBusy
	}
	s.Messages = append(s.Messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: s.now(),
	})
	s.SearchMode = searchMode
	s.AgentMode = agentMode
	s.Phases = Phases{}
	s.Activity = ""
	s.Exploration = nil
	s.Summary = nil
	s.TimeRemaining = 0
	s.LastEvent = s.now()
	s.LastHeartbeat = time.Time{}
	s.State = StateSubmitting
	return nil
}

// MarkStreaming records that the transport has opened the event stream.
func (s *Session) MarkStreaming() {
	if s.State == StateSubmitting {
		s.State = StateStreaming
	}
}

// Apply folds one stream event into the session. Unknown event types are
// ignored so newer backends stay compatible.
func (s *Session) Apply(ev Event) {
	s.LastEvent = s.now()

	switch ev.Type {
	case EventPlan:
		s.applyPlan(ev.Tasks)
	case EventTasks:
		// Legacy fallback for servers that never send plan.
		s.Tasks = ev.Tasks
		s.TasksVisible = true
	case EventTaskUpdate:
		s.applyTaskUpdate(ev.Task)
	case EventProgress:
		s.applyProgress(ev)
	case EventAgentStarted:
		s.TasksVisible = true
		if len(s.Tasks) == 0 {
			s.Tasks = append(s.Tasks, Task{
				ID:     "planning",
				Title:  "Planning tasks…",
				Type:   TaskAnalyze,
				Status: TaskRunning,
			})
			s.Activity = "Planning tasks…"
		}
	case EventHeartbeat:
		s.LastHeartbeat = s.now()
	case EventDone:
		s.Summary = ev.Summary
		s.Activity = "Finalizing response…"
	case EventTimeRemaining:
		s.TimeRemaining = ev.Seconds
	case EventResponse:
		s.applyResponse(ev.Response)
	case EventError:
		s.applyError(ev.ErrMessage)
	default:
		if s.logger != nil {
			s.logger.Info("ignoring unknown stream event", map[string]interface{}{
				"type": string(ev.Type),
			})
		}
	}
}

func (s *Session) applyPlan(tasks []Task) {
	s.Tasks = tasks
	s.TasksVisible = true
	s.TasksExpanded = true
	s.Phases = Phases{}
	s.Summary = nil

	if running := s.runningTask(); running != nil {
		s.Activity = activityForTask(*running, s.Phases)
	} else if len(tasks) > 0 {
		s.Activity = fmt.Sprintf("Planning complete, starting %d tasks", len(tasks))
	}
}

func (s *Session) applyTaskUpdate(patch *TaskPatch) {
	if patch == nil {
		return
	}
	idx := -1
	for i := range s.Tasks {
		if s.Tasks[i].ID == patch.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// A backend racing ahead of its own plan event; adopt the task.
		s.Tasks = append(s.Tasks, taskFromPatch(patch))
		idx = len(s.Tasks) - 1
	} else {
		applyPatch(&s.Tasks[idx], patch)
	}

	if running := s.runningTask(); running != nil {
		s.Activity = activityForTask(*running, s.Phases)
	} else if next := s.nextPendingTask(); next != nil {
		s.Activity = "Next: " + activitySubject(*next)
	} else if len(s.Tasks) > 0 {
		s.Activity = "Finalizing response…"
	}
}

func (s *Session) applyProgress(ev Event) {
	if ev.Phase != "" && ev.Total > 0 {
		if counter := s.Phases.get(ev.Phase); counter != nil {
			counter.Current = ev.Current
			counter.Total = ev.Total
		}
		if running := s.runningTask(); running != nil {
			s.Activity = activityForTask(*running, s.Phases)
		}
		return
	}
	// Legacy shape: coarse exploration progress for search mode.
	s.Exploration = &ExplorationProgress{
		Message:    ev.Message,
		Current:    ev.Current,
		Total:      ev.Total,
		Percentage: ev.Percentage,
	}
}

func (s *Session) applyResponse(resp *ChatResponse) {
	if resp == nil {
		return
	}
	if resp.Error != "" || resp.RequiresOllama {
		s.appendErrorMessage(resp.Response, resp.RequiresOllama)
	} else {
		s.Messages = append(s.Messages, Message{
			ID:             uuid.NewString(),
			Role:           RoleAssistant,
			Content:        resp.Response,
			Timestamp:      s.now(),
			CodeReferences: resp.CodeReferences,
		})
		s.State = StateCompleted
	}
	s.Exploration = nil
	s.Activity = ""
	s.TimeRemaining = 0
}

func (s *Session) applyError(msg string) {
	if msg == "" {
		msg = "Something went wrong while processing your request. Please try again."
	}
	s.appendErrorMessage(msg, false)
	s.Exploration = nil
	s.Activity = ""
	s.LastHeartbeat = time.Time{}
}

// Fail records a transport-level failure as a retryable chat message. All
// failures surface in the transcript; nothing throws past the submit path.
func (s *Session) Fail(err error) {
	var apiErr *APIError
	msg := "Could not reach the Owlin backend. Please check that it is running."
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
	}
	s.appendErrorMessage(msg, false)
	s.Exploration = nil
	s.Activity = ""
	s.TimeRemaining = 0
}

func (s *Session) appendErrorMessage(msg string, requiresOllama bool) {
	s.Messages = append(s.Messages, Message{
		ID:             uuid.NewString(),
		Role:           RoleAssistant,
		Content:        msg,
		Timestamp:      s.now(),
		Error:          true,
		Retryable:      true,
		RequiresOllama: requiresOllama,
	})
	s.State = StateErrored
}

// Cancel aborts the turn: every task still pending or running is marked
// failed with a "cancelled" note so nothing is left running forever, all
// transient progress state is cleared, and exactly one fixed cancellation
// message is appended.
func (s *Session) Cancel() {
	if !s.Busy() {
		return
	}
	for i := range s.Tasks {
		if !s.Tasks[i].Status.terminal() {
			s.Tasks[i].Status = TaskFailed
			s.Tasks[i].Note = "cancelled"
		}
	}
	s.Exploration = nil
	s.Activity = ""
	s.TimeRemaining = 0
	s.Messages = append(s.Messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   cancelledMessage,
		Timestamp: s.now(),
	})
	s.State = StateCancelled
}

// FinishNonStream maps the single JSON document of the non-streaming path
// into the transcript.
func (s *Session) FinishNonStream(resp *ChatResponse) {
	s.applyResponse(resp)
}

// Stale reports whether the request has gone quiet for longer than timeout.
// A backend that stops sending heartbeats without closing the connection,
// or never answers the non-streaming POST at all, is the one failure TCP
// will not surface on its own. Covers both submitting and streaming;
// LastEvent is seeded by Begin so the clock runs from submission.
func (s *Session) Stale(timeout time.Duration) bool {
	if timeout <= 0 || !s.Busy() || s.LastEvent.IsZero() {
		return false
	}
	return s.now().Sub(s.LastEvent) > timeout
}

// ConversationHistory returns the prior turns to send with the next
// request. Failed turns are excluded so a retry replays the conversation
// minus the error.
func (s *Session) ConversationHistory() []HistoryMessage {
	out := make([]HistoryMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Error || m.Content == cancelledMessage {
			continue
		}
		out = append(out, HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// LastUserMessage returns the most recent user submission, for retry.
func (s *Session) LastUserMessage() (string, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content, true
		}
	}
	return "", false
}

func (s *Session) runningTask() *Task {
	for i := range s.Tasks {
		if s.Tasks[i].Status == TaskRunning {
			return &s.Tasks[i]
		}
	}
	return nil
}

func (s *Session) nextPendingTask() *Task {
	for i := range s.Tasks {
		if s.Tasks[i].Status == TaskPending {
			return &s.Tasks[i]
		}
	}
	return nil
}

func taskFromPatch(patch *TaskPatch) Task {
	t := Task{ID: patch.ID, Status: TaskPending}
	applyPatch(&t, patch)
	return t
}

// applyPatch copies the fields present on the patch. Status transitions are
// monotonic: once a task is done or failed it never regresses to pending or
// running, whatever the backend replays.
func applyPatch(t *Task, patch *TaskPatch) {
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Type != nil {
		t.Type = TaskType(strings.ToUpper(string(*patch.Type)))
	}
	if patch.Status != nil && !(t.Status.terminal() && !patch.Status.terminal()) {
		t.Status = *patch.Status
	}
	if patch.Progress != nil {
		p := *patch.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		t.Progress = p
	}
	if patch.Target != nil {
		t.Target = *patch.Target
	}
	if patch.Note != nil {
		t.Note = *patch.Note
	}
	if patch.StartedAt != nil {
		t.StartedAt = *patch.StartedAt
	}
	if patch.EndedAt != nil {
		t.EndedAt = *patch.EndedAt
	}
	if patch.DurationMs != nil {
		t.DurationMs = *patch.DurationMs
	}
}
