package executor

import (
	"time"

	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// EventType identifies a process lifecycle event
type EventType string

const (
	EventOutput       EventType = "output"
	EventRateLimited  EventType = "rate_limited"
	EventUsageLimited EventType = "usage_limited"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventCancelled    EventType = "cancelled"
	EventTimedOut     EventType = "timed_out"
)

// IsTerminal reports whether this is the last event of a process
func (t EventType) IsTerminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventCancelled, EventTimedOut:
		return true
	}
	return false
}

// Event is emitted on a Handle's channel. Exactly one terminal event is sent per
// process and the channel is closed right after it.
type Event struct {
	Type   EventType
	TaskID string
	At     time.Time

	Entry *domain.OutputEntry // EventOutput

	ResetAt *time.Time // EventRateLimited, EventUsageLimited
	Message string     // limit message or failure reason

	ExitCode int
	Err      error
	Limited  bool          // EventCancelled caused by a detected limit
	Timeout  time.Duration // EventTimedOut
}
