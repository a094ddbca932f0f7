// Package usage tracks the process-wide "agent usage exhausted" pause.
package usage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// Coordinator holds the global usage-limit state. Create one per orchestrator;
// tests create their own.
type Coordinator struct {
	mu     sync.Mutex
	state  domain.UsageLimitState
	pub    broadcast.Publisher
	logger *slog.Logger
}

// NewCoordinator creates an unpaused coordinator
func NewCoordinator(pub broadcast.Publisher, logger *slog.Logger) *Coordinator {
	if pub == nil {
		pub = broadcast.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{pub: pub, logger: logger}
}

// StateUpdate is a partial change; nil fields are kept
type StateUpdate struct {
	IsPaused          *bool
	PausedAt          *time.Time
	ResumeAt          *time.Time
	ClearResumeAt     bool
	TriggeredByTaskID *string
	Reason            *string
}

// State returns the current state without expiring it
func (c *Coordinator) State() domain.UsageLimitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyState(c.state)
}

// Set merges a partial update and broadcasts the result
func (c *Coordinator) Set(u StateUpdate) domain.UsageLimitState {
	c.mu.Lock()
	if u.IsPaused != nil {
		c.state.IsPaused = *u.IsPaused
	}
	if u.PausedAt != nil {
		t := *u.PausedAt
		c.state.PausedAt = &t
	}
	if u.ResumeAt != nil {
		t := *u.ResumeAt
		c.state.ResumeAt = &t
	}
	if u.ClearResumeAt {
		c.state.ResumeAt = nil
	}
	if u.TriggeredByTaskID != nil {
		c.state.TriggeredByTaskID = *u.TriggeredByTaskID
	}
	if u.Reason != nil {
		c.state.Reason = *u.Reason
	}
	st := copyState(c.state)
	c.mu.Unlock()

	c.pub.Publish(broadcast.TopicUsageLimitChanged, broadcast.UsageLimitChanged{State: st})
	return st
}

// Pause marks usage as exhausted. A nil resumeAt pauses until Clear.
func (c *Coordinator) Pause(resumeAt *time.Time, taskID, reason string) domain.UsageLimitState {
	now := time.Now()
	paused := true
	u := StateUpdate{
		IsPaused:          &paused,
		PausedAt:          &now,
		ResumeAt:          resumeAt,
		ClearResumeAt:     resumeAt == nil,
		TriggeredByTaskID: &taskID,
		Reason:            &reason,
	}
	c.logger.Warn("agent usage paused", "task_id", taskID, "resume_at", resumeAt, "reason", reason)
	return c.Set(u)
}

// Clear lifts the pause. Clearing an unpaused coordinator publishes nothing.
func (c *Coordinator) Clear() domain.UsageLimitState {
	c.mu.Lock()
	wasPaused := c.state.IsPaused
	c.state = domain.UsageLimitState{}
	c.mu.Unlock()

	if wasPaused {
		c.logger.Info("agent usage pause cleared")
		c.pub.Publish(broadcast.TopicUsageLimitChanged, broadcast.UsageLimitChanged{})
	}
	return domain.UsageLimitState{}
}

// Check returns the state at now, clearing a pause whose resume time has passed
func (c *Coordinator) Check(now time.Time) domain.UsageLimitState {
	c.mu.Lock()
	if !c.state.Expired(now) {
		st := copyState(c.state)
		c.mu.Unlock()
		return st
	}
	resumeAt := *c.state.ResumeAt
	c.state = domain.UsageLimitState{}
	c.mu.Unlock()

	c.logger.Info("agent usage pause expired", "resume_at", resumeAt)
	c.pub.Publish(broadcast.TopicUsageLimitChanged, broadcast.UsageLimitChanged{})
	return domain.UsageLimitState{}
}

// IsPaused is Check(now).IsPaused
func (c *Coordinator) IsPaused(now time.Time) bool {
	return c.Check(now).IsPaused
}

func copyState(s domain.UsageLimitState) domain.UsageLimitState {
	if s.PausedAt != nil {
		t := *s.PausedAt
		s.PausedAt = &t
	}
	if s.ResumeAt != nil {
		t := *s.ResumeAt
		s.ResumeAt = &t
	}
	return s
}
