package domain

import "time"

// OutputEntry types that carry meaning for the orchestrator
const (
	EntryText   = "text"
	EntryResult = "result"
	EntryError  = "error"
	EntrySystem = "system"
)

// OutputEntry is one line of agent output, either a structured event or raw text
type OutputEntry struct {
	Type      string    `json:"type"`
	Subtype   string    `json:"subtype,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Raw       string    `json:"raw,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsStructured reports whether the entry was parsed from a structured event
func (e OutputEntry) IsStructured() bool {
	return e.Type != "" && e.Type != EntryText
}

// Text returns the most readable representation of the entry
func (e OutputEntry) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Raw
}

// LastSessionID returns the most recent session id seen in the log, if any.
// The last one wins because agents may fork sessions mid-run.
func LastSessionID(entries []OutputEntry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].SessionID != "" {
			return entries[i].SessionID
		}
	}
	return ""
}

// IncompleteWork is the result of scanning a finished run for signs of partial work
type IncompleteWork struct {
	Incomplete bool     `json:"incomplete"`
	Reasons    []string `json:"reasons,omitempty"`
}
