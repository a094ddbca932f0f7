package agents

import (
	"strings"

	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// phrases agents use when they stop before the work is done
var incompleteMarkers = []string{
	"i was unable to",
	"i wasn't able to",
	"i could not complete",
	"i couldn't complete",
	"unable to complete",
	"remaining work",
	"still needs to be",
	"not yet implemented",
	"left as a todo",
	"ran out of",
}

// detectIncomplete applies the checks every agent shares: a final result must
// exist and must not be an error, and the closing text must not admit leftovers.
func detectIncomplete(entries []domain.OutputEntry, requireResult bool) domain.IncompleteWork {
	var report domain.IncompleteWork
	add := func(reason string) {
		report.Incomplete = true
		report.Reasons = append(report.Reasons, reason)
	}

	var result *domain.OutputEntry
	var lastText string
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if result == nil && e.Type == domain.EntryResult {
			result = &entries[i]
		}
		if lastText == "" && e.Stream != "stderr" {
			if t := strings.TrimSpace(e.Text()); t != "" && e.Type != domain.EntrySystem {
				lastText = t
			}
		}
		if result != nil && lastText != "" {
			break
		}
	}

	if len(entries) == 0 {
		add("agent produced no output")
		return report
	}
	if requireResult && result == nil {
		add("agent exited without a final result")
	}
	if result != nil {
		switch {
		case result.Subtype == "error_max_turns":
			add("agent stopped at its turn limit")
		case strings.HasPrefix(result.Subtype, "error"):
			add("final result reported an error: " + result.Subtype)
		}
	}

	closing := strings.ToLower(lastText)
	if result != nil && result.Message != "" {
		closing = strings.ToLower(result.Message)
	}
	for _, marker := range incompleteMarkers {
		if strings.Contains(closing, marker) {
			add("closing message says work is unfinished (\"" + marker + "\")")
			break
		}
	}
	return report
}
