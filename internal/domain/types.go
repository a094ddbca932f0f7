package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusBacklog       TaskStatus = "backlog"
	StatusQueued        TaskStatus = "queued"
	StatusAwaitingAgent TaskStatus = "awaiting_agent"
	StatusRunning       TaskStatus = "running"
	StatusPaused        TaskStatus = "paused"
	StatusNeedsReview   TaskStatus = "needs_review"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"
	StatusCancelled     TaskStatus = "cancelled"
	StatusRejected      TaskStatus = "rejected"
	StatusAccepted      TaskStatus = "accepted"
)

// AllStatuses lists every status in display order
var AllStatuses = []TaskStatus{
	StatusBacklog,
	StatusQueued,
	StatusAwaitingAgent,
	StatusRunning,
	StatusPaused,
	StatusNeedsReview,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusRejected,
	StatusAccepted,
}

// ParseTaskStatus validates a status string
func ParseTaskStatus(s string) (TaskStatus, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsExecuting reports whether a process is (or is about to be) attached to the task
func (s TaskStatus) IsExecuting() bool {
	return s == StatusAwaitingAgent || s == StatusRunning
}

// CanRequeue reports whether a task in this status may start a new iteration
func (s TaskStatus) CanRequeue() bool {
	switch s {
	case StatusNeedsReview, StatusFailed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ThinkingMode is the tri-state extended-thinking switch passed to agents
type ThinkingMode string

const (
	ThinkingInherit ThinkingMode = ""
	ThinkingOn      ThinkingMode = "on"
	ThinkingOff     ThinkingMode = "off"
)

// ParseThinkingMode converts user input to a ThinkingMode
func ParseThinkingMode(s string) ThinkingMode {
	switch s {
	case "on", "true", "yes", "enabled":
		return ThinkingOn
	case "off", "false", "no", "disabled":
		return ThinkingOff
	default:
		return ThinkingInherit
	}
}

// PauseReason records why a task left the running state without finishing
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseRateLimit  PauseReason = "rate_limit"
	PauseUsageLimit PauseReason = "usage_limit"
	PauseUser       PauseReason = "user"
)

// IsLimit reports whether the pause was caused by the agent backing off
func (r PauseReason) IsLimit() bool {
	return r == PauseRateLimit || r == PauseUsageLimit
}
