package domain

import "time"

// UsageLimitState is the process-wide record of an agent-reported usage ceiling
type UsageLimitState struct {
	IsPaused          bool       `json:"is_paused"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	ResumeAt          *time.Time `json:"resume_at,omitempty"` // nil while paused means manual resume
	TriggeredByTaskID string     `json:"triggered_by_task_id,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

// Expired reports whether a timed pause has run out at now
func (s UsageLimitState) Expired(now time.Time) bool {
	return s.IsPaused && s.ResumeAt != nil && !now.Before(*s.ResumeAt)
}
