package domain

import (
	"time"
)

// Task is a queued unit of agent work
type Task struct {
	ID                      string
	ProjectID               string
	Title                   string
	Prompt                  string
	FollowUp                string // instructions for the next iteration, set by a requeue
	Status                  TaskStatus
	AgentID                 string // empty selects the configured default agent
	Model                   string // empty selects the agent's default model
	ThinkingMode            ThinkingMode
	SessionID               string
	CurrentIteration        int
	QueuePosition           int
	RuntimeMs               int64
	RunningSessionStartedAt *time.Time
	ErrorMessage            string
	PauseReason             PauseReason
	ResumeAfter             *time.Time // earliest automatic resume of a limit pause
	Incomplete              *IncompleteWork
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// DisplayTitle returns the title or a shortened prompt when no title is set
func (t *Task) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	const max = 60
	p := []rune(t.Prompt)
	for i, r := range p {
		if r == '\n' {
			p = p[:i]
			break
		}
	}
	if len(p) > max {
		return string(p[:max-3]) + "..."
	}
	return string(p)
}

// Runtime returns accumulated runtime including the live running segment
func (t *Task) Runtime(now time.Time) time.Duration {
	total := time.Duration(t.RuntimeMs) * time.Millisecond
	if t.RunningSessionStartedAt != nil && now.After(*t.RunningSessionStartedAt) {
		total += now.Sub(*t.RunningSessionStartedAt)
	}
	return total
}

// TaskUpdate is a partial update; nil fields are left untouched
type TaskUpdate struct {
	Title                        *string
	Prompt                       *string
	FollowUp                     *string
	Status                       *TaskStatus
	AgentID                      *string
	Model                        *string
	ThinkingMode                 *ThinkingMode
	SessionID                    *string
	CurrentIteration             *int
	QueuePosition                *int
	RuntimeMs                    *int64
	RunningSessionStartedAt      *time.Time
	ClearRunningSessionStartedAt bool
	ErrorMessage                 *string
	PauseReason                  *PauseReason
	ResumeAfter                  *time.Time
	ClearResumeAfter             bool
	Incomplete                   *IncompleteWork
	ClearIncomplete              bool
}

// Apply merges the update into the task in place
func (u TaskUpdate) Apply(t *Task) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Prompt != nil {
		t.Prompt = *u.Prompt
	}
	if u.FollowUp != nil {
		t.FollowUp = *u.FollowUp
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.AgentID != nil {
		t.AgentID = *u.AgentID
	}
	if u.Model != nil {
		t.Model = *u.Model
	}
	if u.ThinkingMode != nil {
		t.ThinkingMode = *u.ThinkingMode
	}
	if u.SessionID != nil {
		t.SessionID = *u.SessionID
	}
	if u.CurrentIteration != nil {
		t.CurrentIteration = *u.CurrentIteration
	}
	if u.QueuePosition != nil {
		t.QueuePosition = *u.QueuePosition
	}
	if u.RuntimeMs != nil {
		t.RuntimeMs = *u.RuntimeMs
	}
	if u.RunningSessionStartedAt != nil {
		ts := *u.RunningSessionStartedAt
		t.RunningSessionStartedAt = &ts
	}
	if u.ClearRunningSessionStartedAt {
		t.RunningSessionStartedAt = nil
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.PauseReason != nil {
		t.PauseReason = *u.PauseReason
	}
	if u.ResumeAfter != nil {
		ts := *u.ResumeAfter
		t.ResumeAfter = &ts
	}
	if u.ClearResumeAfter {
		t.ResumeAfter = nil
	}
	if u.Incomplete != nil {
		iw := *u.Incomplete
		t.Incomplete = &iw
	}
	if u.ClearIncomplete {
		t.Incomplete = nil
	}
}

// Project is the working-directory context tasks run in
type Project struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
}

// Ptr returns a pointer to v, for building TaskUpdate literals
func Ptr[T any](v T) *T {
	return &v
}
