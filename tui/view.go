package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	sectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238")).
			Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(headerStyle.Width(m.width).Render(m.headerText()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("Refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	row := 0
	switch m.activeTab {
	case tabDashboard:
		for _, group := range m.dashboardGroups() {
			var section strings.Builder
			section.WriteString(sectionTitleStyle.Render(fmt.Sprintf("%s (%d)", group.title, len(group.tasks))))
			section.WriteString("\n")
			if len(group.tasks) == 0 {
				section.WriteString(dimmedStyle.Render("  none"))
			}
			for i, t := range group.tasks {
				if i > 0 {
					section.WriteString("\n")
				}
				section.WriteString(m.renderTask(t, row == m.selectedRow))
				row++
			}
			b.WriteString(sectionStyle.Width(m.width - 2).Render(section.String()))
			b.WriteString("\n")
		}
	case tabTasks:
		var section strings.Builder
		section.WriteString(sectionTitleStyle.Render(fmt.Sprintf("ALL TASKS (%d)", len(m.snap.Tasks))))
		for _, t := range m.snap.Tasks {
			section.WriteString("\n")
			section.WriteString(m.renderTask(t, row == m.selectedRow))
			row++
		}
		b.WriteString(sectionStyle.Width(m.width - 2).Render(section.String()))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) headerText() string {
	var running, queued int
	for _, t := range m.snap.Tasks {
		switch {
		case t.Status.IsExecuting():
			running++
		case t.Status == domain.StatusQueued:
			queued++
		}
	}

	autoplay := "off"
	if m.snap.AutoPlay {
		autoplay = "on"
		if m.snap.Window != "" {
			autoplay += " (" + m.snap.Window + ")"
		}
	}

	return fmt.Sprintf("agent-queue │ Running: %d/%d │ Queued: %d │ Auto-play: %s │ Usage: %s",
		running, m.snap.MaxConcurrent, queued, autoplay, usageText(m.snap.Usage))
}

func usageText(u domain.UsageLimitState) string {
	if !u.IsPaused {
		return "ok"
	}
	if u.ResumeAt == nil {
		return "paused"
	}
	return "paused until " + u.ResumeAt.Local().Format("15:04")
}

func (m Model) renderTabs() string {
	tabs := []string{"Dashboard", "Tasks"}
	var parts []string
	for i, name := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(name))
		} else {
			parts = append(parts, tabInactiveStyle.Render(name))
		}
	}
	return " " + strings.Join(parts, "  ")
}

func (m Model) renderTask(t *domain.Task, selected bool) string {
	now := m.now()
	icon, style := statusIcon(t.Status)

	detail := ""
	switch {
	case t.Status.IsExecuting():
		detail = formatDuration(t.Runtime(now))
		if info := m.handleFor(t.ID); info != nil && info.OutputLines > 0 {
			detail += fmt.Sprintf(" · %d lines", info.OutputLines)
		}
	case t.Status == domain.StatusQueued:
		detail = fmt.Sprintf("#%d", t.QueuePosition)
	case t.ErrorMessage != "":
		detail = t.ErrorMessage
	default:
		detail = humanize.Time(t.UpdatedAt)
	}

	agent := t.AgentID
	if agent == "" {
		agent = "default"
	}
	titleWidth := m.width - 75
	if titleWidth < 20 {
		titleWidth = 20
	}
	line := fmt.Sprintf("%s %-8s %-14s %-*s %-8s %s",
		icon, shortID(t.ID), string(t.Status), titleWidth, truncate(t.DisplayTitle(), titleWidth), agent, truncate(detail, 30))
	if selected {
		return selectedStyle.Render(line)
	}
	return style.Render(line)
}

func (m Model) handleFor(taskID string) *executor.HandleInfo {
	for i := range m.snap.Handles {
		if m.snap.Handles[i].TaskID == taskID {
			return &m.snap.Handles[i]
		}
	}
	return nil
}

func statusIcon(s domain.TaskStatus) (string, lipgloss.Style) {
	switch s {
	case domain.StatusRunning:
		return "●", runningStyle
	case domain.StatusAwaitingAgent:
		return "◐", runningStyle
	case domain.StatusQueued:
		return "○", queuedStyle
	case domain.StatusNeedsReview:
		return "◆", warningStyle
	case domain.StatusPaused:
		return "‖", warningStyle
	case domain.StatusFailed:
		return "✗", errorStyle
	case domain.StatusAccepted:
		return "✓", runningStyle
	}
	return "·", dimmedStyle
}

func (m Model) renderStatusBar() string {
	help := "[a]uto-play  [s]tart  [c]ancel  [tab] view  [r]efresh  [q]uit"
	text := help
	if m.message != "" {
		text = m.message + " │ " + help
	}
	if !m.lastRefresh.IsZero() {
		text += " │ updated " + m.lastRefresh.Format("15:04:05")
	}
	return statusBarStyle.Width(m.width).Render(text)
}

func truncate(s string, max int) string {
	if max < 4 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
