package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

// Snapshot is the data shown on one refresh
type Snapshot struct {
	Tasks         []*domain.Task
	Handles       []executor.HandleInfo
	AutoPlay      bool
	Window        string
	Usage         domain.UsageLimitState
	MaxConcurrent int
}

// Backend reads state and performs the dashboard's actions
type Backend interface {
	Snapshot() (Snapshot, error)
	Start(taskID string) error
	Cancel(taskID string) error
	SetAutoPlay(enabled bool) error
}

const (
	tabDashboard = iota
	tabTasks
	tabCount
)

// Model is the TUI application model
type Model struct {
	backend Backend
	now     func() time.Time

	// Data
	snap Snapshot
	err  error

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	message     string

	lastRefresh     time.Time
	refreshInterval time.Duration
}

// NewModel creates a new TUI model
func NewModel(backend Backend, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = time.Second
	}
	return Model{
		backend:         backend,
		now:             time.Now,
		refreshInterval: refresh,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return refreshCmd(m.backend)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// SnapshotMsg carries freshly loaded data
type SnapshotMsg struct {
	Snapshot Snapshot
	Err      error
}

// ActionMsg reports the outcome of a user action
type ActionMsg struct {
	Text string
	Err  error
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func refreshCmd(b Backend) tea.Cmd {
	return func() tea.Msg {
		snap, err := b.Snapshot()
		return SnapshotMsg{Snapshot: snap, Err: err}
	}
}

// Run starts the dashboard on the terminal and blocks until the user quits
func Run(backend Backend, refresh time.Duration) error {
	p := tea.NewProgram(NewModel(backend, refresh), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
