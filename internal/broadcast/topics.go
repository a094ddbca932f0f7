package broadcast

import (
	"time"

	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// Topics. Subscribing to "task." receives both task topics.
const (
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskOutput        = "task.output"
	TopicUsageLimitChanged = "usage.limit_changed"
	TopicAgentAuthChanged  = "agent.auth_changed"
	TopicAutoPlayChanged   = "autoplay.changed"
)

// TaskStatusChanged is published after a task's status was persisted
type TaskStatusChanged struct {
	TaskID    string            `json:"task_id"`
	ProjectID string            `json:"project_id"`
	From      domain.TaskStatus `json:"from"`
	To        domain.TaskStatus `json:"to"`
	Task      *domain.Task      `json:"task,omitempty"`
}

// TaskOutput carries one parsed output line of a running task
type TaskOutput struct {
	TaskID    string             `json:"task_id"`
	Iteration int                `json:"iteration"`
	Entry     domain.OutputEntry `json:"entry"`
}

// UsageLimitChanged carries the new global usage-limit state
type UsageLimitChanged struct {
	State domain.UsageLimitState `json:"state"`
}

// AgentAuthChanged is published when an agent's credentials are found invalid or restored
type AgentAuthChanged struct {
	AgentID        string    `json:"agent_id"`
	TaskID         string    `json:"task_id,omitempty"`
	ProjectPath    string    `json:"project_path,omitempty"`
	IsValid        bool      `json:"is_valid"`
	RequiresReauth bool      `json:"requires_reauth"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// AutoPlayChanged is published when auto-play is switched on or off
type AutoPlayChanged struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}
