package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, refreshCmd(m.backend)

	case SnapshotMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.snap = msg.Snapshot
			m.lastRefresh = m.now()
			m.clampSelection()
		}
		return m, tickCmd(m.refreshInterval)

	case ActionMsg:
		if msg.Err != nil {
			m.message = "Error: " + msg.Err.Error()
		} else {
			m.message = msg.Text
		}
		return m, refreshCmd(m.backend)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		return m, refreshCmd(m.backend)
	case "j", "down":
		if m.selectedRow < len(m.visibleTasks())-1 {
			m.selectedRow++
		}
	case "k", "up":
		if m.selectedRow > 0 {
			m.selectedRow--
		}
	case "tab":
		m.activeTab = (m.activeTab + 1) % tabCount
		m.selectedRow = 0
	case "a":
		enable := !m.snap.AutoPlay
		b := m.backend
		return m, func() tea.Msg {
			if err := b.SetAutoPlay(enable); err != nil {
				return ActionMsg{Err: err}
			}
			if enable {
				return ActionMsg{Text: "Auto-play enabled"}
			}
			return ActionMsg{Text: "Auto-play disabled"}
		}
	case "s":
		task := m.selectedTask()
		if task == nil {
			return m, nil
		}
		if task.Status != domain.StatusQueued {
			m.message = fmt.Sprintf("Only queued tasks can be started (%s is %s)", shortID(task.ID), task.Status)
			return m, nil
		}
		id, b := task.ID, m.backend
		return m, func() tea.Msg {
			return ActionMsg{Text: "Started " + shortID(id), Err: b.Start(id)}
		}
	case "c":
		task := m.selectedTask()
		if task == nil {
			return m, nil
		}
		if !task.Status.IsExecuting() {
			m.message = fmt.Sprintf("%s is not running", shortID(task.ID))
			return m, nil
		}
		id, b := task.ID, m.backend
		return m, func() tea.Msg {
			return ActionMsg{Text: "Cancel requested for " + shortID(id), Err: b.Cancel(id)}
		}
	}
	return m, nil
}

// visibleTasks returns the selectable rows of the active tab
func (m Model) visibleTasks() []*domain.Task {
	if m.activeTab == tabTasks {
		return m.snap.Tasks
	}
	var rows []*domain.Task
	for _, group := range m.dashboardGroups() {
		rows = append(rows, group.tasks...)
	}
	return rows
}

type taskGroup struct {
	title string
	tasks []*domain.Task
}

// dashboardGroups splits tasks into the dashboard sections
func (m Model) dashboardGroups() []taskGroup {
	var running, queued, attention []*domain.Task
	for _, t := range m.snap.Tasks {
		switch t.Status {
		case domain.StatusRunning, domain.StatusAwaitingAgent:
			running = append(running, t)
		case domain.StatusQueued:
			queued = append(queued, t)
		case domain.StatusNeedsReview, domain.StatusFailed, domain.StatusPaused:
			attention = append(attention, t)
		}
	}
	return []taskGroup{
		{title: "RUNNING", tasks: running},
		{title: "QUEUED", tasks: queued},
		{title: "NEEDS ATTENTION", tasks: attention},
	}
}

func (m Model) selectedTask() *domain.Task {
	rows := m.visibleTasks()
	if m.selectedRow < 0 || m.selectedRow >= len(rows) {
		return nil
	}
	return rows[m.selectedRow]
}

func (m *Model) clampSelection() {
	n := len(m.visibleTasks())
	if m.selectedRow >= n {
		m.selectedRow = n - 1
	}
	if m.selectedRow < 0 {
		m.selectedRow = 0
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
