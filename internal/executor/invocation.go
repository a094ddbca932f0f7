package executor

import (
	"time"

	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// LineParser turns one raw output line into an OutputEntry
type LineParser func(line string) domain.OutputEntry

// LimitKind distinguishes short rate limits from usage ceilings
type LimitKind string

const (
	LimitRate  LimitKind = "rate_limit"
	LimitUsage LimitKind = "usage_limit"
)

// LimitSignal is a detected rate or usage limit. ResetAt is nil when unknown.
type LimitSignal struct {
	Kind    LimitKind
	ResetAt *time.Time
	Message string
}

// LimitDetector inspects one output entry for an agent-specific limit message
type LimitDetector func(entry domain.OutputEntry) (LimitSignal, bool)

// Invocation describes the subprocess to spawn for one task iteration
type Invocation struct {
	Path string
	Args []string
	Env  []string // appended to the supervisor's environment
	Dir  string

	Parse       LineParser    // nil keeps lines as raw text
	DetectLimit LimitDetector // consulted before the generic patterns
}

func (inv Invocation) parse(line string) domain.OutputEntry {
	if inv.Parse == nil {
		return domain.OutputEntry{Type: domain.EntryText, Raw: line}
	}
	return inv.Parse(line)
}
