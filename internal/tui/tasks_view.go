package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/evanse71/owlin-assist/internal/chat"
)

const heartbeatPulse = 2 * time.Second

func (m *MainModel) renderTasksPane(l layoutInfo) string {
	box := m.theme.Pane
	titleStyle := m.theme.PaneTitle
	if m.focus == focusTasks {
		box = m.theme.PaneFocused
		titleStyle = m.theme.PaneTitleF
	}

	title := titleStyle.Render(m.tasksTitle())
	if time.Since(m.session.LastHeartbeat) < heartbeatPulse {
		title += " " + m.theme.Pulse.Render("●")
	}

	var sections []string
	sections = append(sections, title)

	innerW := max(16, l.TasksW-4)

	if m.session.Exploration != nil {
		sections = append(sections, m.renderExploration(innerW))
	}
	if len(m.session.Tasks) > 0 {
		sections = append(sections, m.renderTaskList(innerW, l.TasksH-6))
	}
	if line := m.renderPhaseCounters(); line != "" {
		sections = append(sections, m.theme.TaskMeta.Render(line))
	}
	if m.session.TimeRemaining > 0 {
		sections = append(sections, m.theme.TaskMeta.Render(fmt.Sprintf("~%ds remaining", m.session.TimeRemaining)))
	}
	if m.session.Summary != nil {
		sections = append(sections, m.renderSummary())
	}
	if m.session.Activity != "" {
		sections = append(sections, m.theme.Activity.Width(innerW).Render(m.session.Activity))
	}

	return box.Width(l.TasksW).Height(l.TasksH).Render(strings.Join(sections, "\n"))
}

func (m *MainModel) tasksTitle() string {
	total := len(m.session.Tasks)
	if total == 0 {
		return "Tasks"
	}
	done := 0
	for _, t := range m.session.Tasks {
		if t.Status == chat.TaskDone || t.Status == chat.TaskFailed {
			done++
		}
	}
	return fmt.Sprintf("Tasks %d/%d", done, total)
}

func (m *MainModel) renderTaskList(width, maxLines int) string {
	tasks := m.session.Tasks
	if !m.session.TasksExpanded {
		// Collapsed: only what is running, plus a one-line rollup.
		var b strings.Builder
		for _, t := range tasks {
			if t.Status == chat.TaskRunning {
				b.WriteString(m.renderTaskLine(t, width))
				b.WriteString("\n")
			}
		}
		b.WriteString(m.theme.TaskMeta.Render("Ctrl+E expands the task list"))
		return b.String()
	}

	if maxLines < 1 {
		maxLines = 1
	}
	start := 0
	if len(tasks) > maxLines {
		// Keep the window pinned to the active tail of the list.
		start = len(tasks) - maxLines
		for i, t := range tasks {
			if t.Status == chat.TaskRunning {
				if i < start {
					start = i
				}
				break
			}
		}
		if start > len(tasks)-maxLines {
			start = len(tasks) - maxLines
		}
	}

	var b strings.Builder
	end := min(len(tasks), start+maxLines)
	for i := start; i < end; i++ {
		b.WriteString(m.renderTaskLine(tasks[i], width))
		if i != end-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *MainModel) renderTaskLine(t chat.Task, width int) string {
	var glyph string
	var style lipgloss.Style
	switch t.Status {
	case chat.TaskDone:
		glyph = "✓"
		style = m.theme.TaskDone
	case chat.TaskFailed:
		glyph = "✗"
		style = m.theme.TaskFailed
	case chat.TaskRunning:
		glyph = spinnerFrames[m.spinnerPos]
		style = m.theme.TaskRunning
	default:
		glyph = "○"
		style = m.theme.TaskPending
	}

	label := t.Title
	if label == "" {
		label = t.Target
	}
	suffix := ""
	if t.Status == chat.TaskRunning && t.Progress > 0 {
		suffix = fmt.Sprintf(" %d%%", t.Progress)
	}
	if t.Note != "" && t.Status == chat.TaskFailed {
		suffix = " (" + t.Note + ")"
	}

	line := glyph + " " + truncateRunes(label, max(8, width-2-len(suffix))) + suffix
	return style.Render(line)
}

func (m *MainModel) renderPhaseCounters() string {
	p := m.session.Phases
	parts := make([]string, 0, 4)
	for _, c := range []struct {
		name string
		prog chat.PhaseProgress
	}{
		{"reads", p.Reads},
		{"greps", p.Greps},
		{"searches", p.Searches},
		{"traces", p.Traces},
	} {
		if c.prog.Total > 0 {
			parts = append(parts, fmt.Sprintf("%s %d/%d", c.name, c.prog.Current, c.prog.Total))
		}
	}
	return strings.Join(parts, "  ")
}

func (m *MainModel) renderExploration(width int) string {
	ex := m.session.Exploration
	var b strings.Builder
	if ex.Message != "" {
		b.WriteString(m.theme.Activity.Width(width).Render(ex.Message))
		b.WriteString("\n")
	}
	pct := ex.Percentage
	if pct <= 0 && ex.Total > 0 {
		pct = ex.Current * 100 / ex.Total
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	barW := max(10, width-6)
	filled := barW * pct / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barW-filled)
	b.WriteString(m.theme.TaskRunning.Render(bar) + m.theme.TaskMeta.Render(fmt.Sprintf(" %d%%", pct)))
	return b.String()
}

func (m *MainModel) renderSummary() string {
	s := m.session.Summary
	dur := time.Duration(s.DurationMs) * time.Millisecond
	line := fmt.Sprintf("%d tasks, %d completed, %d failed in %s",
		s.TasksTotal, s.Completed, s.Failed, dur.Round(100*time.Millisecond))
	return m.theme.TaskMeta.Render(line)
}
