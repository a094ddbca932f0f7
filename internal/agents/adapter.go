// Package agents wraps the coding-agent CLIs the orchestrator can drive behind
// one Adapter contract.
package agents

import (
	"context"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

// UsageCheck is the answer to "may a new run start right now"
type UsageCheck struct {
	CanProceed bool
	ResetAt    *time.Time
	Message    string
}

// UsagePercent is the live utilisation of the agent's usage windows, 0-100
type UsagePercent struct {
	FiveHour        float64
	SevenDay        float64
	FiveHourResetAt *time.Time
	SevenDayResetAt *time.Time
	Err             error
}

// Max returns the higher of the two windows
func (u UsagePercent) Max() float64 {
	if u.SevenDay > u.FiveHour {
		return u.SevenDay
	}
	return u.FiveHour
}

// AuthStatus reports whether the agent's credentials work
type AuthStatus struct {
	IsValid        bool
	Err            error
	RequiresReauth bool
}

// ReauthResult is the outcome of a re-authentication attempt
type ReauthResult struct {
	Success bool
	Err     error
}

// Capabilities lists optional features of an agent
type Capabilities struct {
	SessionResume    bool     `json:"session_resume"`
	StructuredOutput bool     `json:"structured_output"`
	ThinkingMode     bool     `json:"thinking_mode"`
	UsageReporting   bool     `json:"usage_reporting"`
	Models           []string `json:"models,omitempty"`
}

// InvocationRequest carries what an adapter needs to build one run
type InvocationRequest struct {
	TaskID       string
	Iteration    int
	Prompt       string
	WorkDir      string
	Model        string // empty selects the adapter default
	ThinkingMode domain.ThinkingMode
	SessionID    string // session to resume, empty for a fresh one
	Resume       bool
}

// Adapter is one coding-agent CLI
type Adapter interface {
	ID() string
	IsAvailable(ctx context.Context) bool
	ExecutablePath() (string, error)
	DefaultModel() string

	CheckUsageLimits(ctx context.Context) UsageCheck
	UsagePercentage(ctx context.Context) UsagePercent
	ValidateAuth(ctx context.Context) AuthStatus
	TriggerReauth(ctx context.Context, projectPath string) ReauthResult

	DetectIncompleteWork(entries []domain.OutputEntry) domain.IncompleteWork
	Capabilities() Capabilities

	BuildInvocation(req InvocationRequest) (executor.Invocation, error)
	ParseLine(line string) domain.OutputEntry
	DetectLimit(entry domain.OutputEntry) (executor.LimitSignal, bool)
}
