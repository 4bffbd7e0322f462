package chat

import (
	"fmt"
	"strings"
)

// Activity formatting turns the currently running task into the single
// human-readable line shown next to the thinking indicator.
//
// Backends that send a structured target ({type, target}) get it verbatim;
// older backends only send a pre-rendered title like "Reading foo.py", so
// the per-type verb prefix is trimmed off instead of being re-parsed.

var verbPrefixes = map[TaskType][]string{
	TaskRead:    {"reading file", "reading", "read"},
	TaskGrep:    {"grepping for", "grepping", "grep for", "grep"},
	TaskSearch:  {"searching for", "searching", "search for", "search"},
	TaskTrace:   {"tracing", "trace"},
	TaskAnalyze: {"analyzing", "analyze"},
}

var activityVerbs = map[TaskType]string{
	TaskRead:    "Reading file",
	TaskGrep:    "Grepping",
	TaskSearch:  "Searching",
	TaskTrace:   "Tracing",
	TaskAnalyze: "Analyzing",
}

// activitySubject extracts what a task is about: the structured target when
// present, otherwise the title minus its leading verb.
func activitySubject(t Task) string {
	if t.Target != "" {
		return t.Target
	}
	title := strings.TrimSpace(t.Title)
	lower := strings.ToLower(title)
	for _, prefix := range verbPrefixes[t.Type] {
		if strings.HasPrefix(lower, prefix+" ") {
			return strings.TrimSpace(title[len(prefix)+1:])
		}
	}
	return title
}

// activityForTask renders the running task as an activity line, with the
// matching phase counter as a "(k/n)" fraction and any task note appended.
func activityForTask(t Task, phases Phases) string {
	verb := activityVerbs[t.Type]
	if verb == "" {
		verb = "Working on"
	}
	subject := activitySubject(t)

	var b strings.Builder
	if subject == "" {
		b.WriteString(verb)
	} else {
		b.WriteString(verb)
		b.WriteString(": ")
		b.WriteString(subject)
	}

	if counter := phases.forTaskType(t.Type); counter != nil && counter.Total > 0 {
		current := counter.Current + 1
		if current > counter.Total {
			current = counter.Total
		}
		fmt.Fprintf(&b, " (%d/%d)", current, counter.Total)
	}
	if t.Note != "" {
		b.WriteString(" - ")
		b.WriteString(t.Note)
	}
	return b.String()
}
