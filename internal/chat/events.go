package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType discriminates stream events sent by the backend on
// /api/chat/stream. Unknown values are carried through so the session
// can skip them without aborting the stream.
type EventType string

const (
	EventPlan          EventType = "plan"
	EventTaskUpdate    EventType = "task_update"
	EventProgress      EventType = "progress"
	EventAgentStarted  EventType = "agent_started"
	EventHeartbeat     EventType = "heartbeat"
	EventDone          EventType = "done"
	EventTasks         EventType = "tasks" // legacy servers send this instead of plan
	EventTimeRemaining EventType = "time_remaining"
	EventResponse      EventType = "response"
	EventError         EventType = "error"
)

type TaskType string

const (
	TaskRead    TaskType = "READ"
	TaskGrep    TaskType = "GREP"
	TaskSearch  TaskType = "SEARCH"
	TaskTrace   TaskType = "TRACE"
	TaskAnalyze TaskType = "ANALYZE"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// terminal reports whether no further status transition is allowed.
func (s TaskStatus) terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Phase names one of the four work categories tracked with independent
// progress counters in agent mode.
type Phase string

const (
	PhaseReads    Phase = "reads"
	PhaseGreps    Phase = "greps"
	PhaseSearches Phase = "searches"
	PhaseTraces   Phase = "traces"
)

// Task is one sub-step of an agent exploration. Target carries the
// structured subject of the task (a file path, a grep pattern) when the
// backend provides it; older backends only send a pre-rendered Title.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Type       TaskType   `json:"type"`
	Status     TaskStatus `json:"status"`
	Progress   int        `json:"progress"`
	Target     string     `json:"target,omitempty"`
	Note       string     `json:"note,omitempty"`
	StartedAt  float64    `json:"started_at,omitempty"`
	EndedAt    float64    `json:"ended_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// TaskPatch is the partial update carried by a task_update event. Pointer
// fields distinguish "absent" from zero values so an update never clobbers
// fields the backend did not send.
type TaskPatch struct {
	ID         string      `json:"id"`
	Title      *string     `json:"title"`
	Type       *TaskType   `json:"type"`
	Status     *TaskStatus `json:"status"`
	Progress   *int        `json:"progress"`
	Target     *string     `json:"target"`
	Note       *string     `json:"note"`
	StartedAt  *float64    `json:"started_at"`
	EndedAt    *float64    `json:"ended_at"`
	DurationMs *int64      `json:"duration_ms"`
}

// CodeReference points at a code file the assistant consulted.
type CodeReference struct {
	File    string `json:"file"`
	Lines   []int  `json:"lines,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// TaskSummary is the terminal accounting attached to a done event.
type TaskSummary struct {
	TasksTotal int   `json:"tasks_total"`
	Completed  int   `json:"completed"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

// Event is the decoded form of one stream frame. Exactly the fields
// belonging to the event's type are populated; everything else stays zero.
type Event struct {
	Type EventType

	// plan, tasks
	Tasks []Task

	// task_update
	Task *TaskPatch

	// progress (phased form)
	Phase   Phase
	Current int
	Total   int

	// progress (legacy form, no phase)
	Message    string
	Percentage int

	// done
	Summary *TaskSummary

	// time_remaining
	Seconds int

	// response
	Response *ChatResponse

	// error
	ErrMessage string
}

// rawEvent mirrors the union of all frame shapes the backend emits. It
// exists only inside DecodeEvent; nothing downstream sees it.
type rawEvent struct {
	Type EventType `json:"type"`

	Tasks []Task     `json:"tasks"`
	Task  *TaskPatch `json:"task"`

	Phase      string `json:"phase"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`

	Summary *TaskSummary `json:"summary"`
	Seconds int          `json:"seconds"`

	// response fields arrive flattened on the frame itself
	Response            string          `json:"response"`
	CodeReferences      []CodeReference `json:"code_references"`
	ModelUsed           string          `json:"model_used"`
	OllamaAvailable     bool            `json:"ollama_available"`
	Error               string          `json:"error"`
	RequiresOllama      bool            `json:"requires_ollama"`
	Retryable           bool            `json:"retryable"`
	ExplorationMode     bool            `json:"exploration_mode"`
	ExplorationMetadata json.RawMessage `json:"exploration_metadata"`
}

// DecodeEvent validates one data: payload and returns the typed event.
// Fields the backend omitted are coerced to usable defaults here so the
// session reducer never has to second-guess a payload.
func DecodeEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode stream event: %w", err)
	}
	if raw.Type == "" {
		return Event{}, fmt.Errorf("stream event missing type: %s", data)
	}

	ev := Event{Type: raw.Type}
	switch raw.Type {
	case EventPlan, EventTasks:
		ev.Tasks = normalizeTasks(raw.Tasks)
	case EventTaskUpdate:
		if raw.Task == nil || raw.Task.ID == "" {
			return Event{}, fmt.Errorf("task_update event without task id: %s", data)
		}
		ev.Task = raw.Task
	case EventProgress:
		ev.Phase = normalizePhase(raw.Phase)
		ev.Current = raw.Current
		ev.Total = raw.Total
		ev.Message = raw.Message
		ev.Percentage = raw.Percentage
	case EventDone:
		ev.Summary = raw.Summary
		if ev.Summary == nil {
			ev.Summary = &TaskSummary{}
		}
	case EventTimeRemaining:
		ev.Seconds = raw.Seconds
	case EventResponse:
		ev.Response = &ChatResponse{
			Response:            raw.Response,
			CodeReferences:      raw.CodeReferences,
			ModelUsed:           raw.ModelUsed,
			OllamaAvailable:     raw.OllamaAvailable,
			Error:               raw.Error,
			RequiresOllama:      raw.RequiresOllama,
			Retryable:           raw.Retryable,
			ExplorationMode:     raw.ExplorationMode,
			ExplorationMetadata: raw.ExplorationMetadata,
		}
	case EventError:
		ev.ErrMessage = raw.Message
	case EventAgentStarted, EventHeartbeat:
		// no payload
	default:
		// Unknown type: keep the tag so the reducer can skip it.
	}
	return ev, nil
}

func normalizeTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		if t.Status == "" {
			t.Status = TaskPending
		}
		if t.Progress < 0 {
			t.Progress = 0
		}
		if t.Progress > 100 {
			t.Progress = 100
		}
		t.Type = TaskType(strings.ToUpper(string(t.Type)))
		out[i] = t
	}
	return out
}

func normalizePhase(s string) Phase {
	switch Phase(strings.ToLower(s)) {
	case PhaseReads, PhaseGreps, PhaseSearches, PhaseTraces:
		return Phase(strings.ToLower(s))
	}
	return ""
}
