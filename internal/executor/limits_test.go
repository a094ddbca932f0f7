package executor

import (
	"testing"

	"github.com/hochfrequenz/agent-queue/internal/domain"
)

func TestDetectLimit(t *testing.T) {
	tests := []struct {
		name      string
		entry     domain.OutputEntry
		wantKind  LimitKind
		wantHit   bool
		wantReset bool
	}{
		{
			name:      "claude usage limit with epoch",
			entry:     domain.OutputEntry{Type: domain.EntryText, Raw: "Claude AI usage limit reached|1767225600"},
			wantKind:  LimitUsage,
			wantHit:   true,
			wantReset: true,
		},
		{
			name:     "five hour limit",
			entry:    domain.OutputEntry{Type: domain.EntryResult, Message: "5-hour limit reached ∙ resets 3pm"},
			wantKind: LimitUsage,
			wantHit:  true,
		},
		{
			name:     "rate limit error",
			entry:    domain.OutputEntry{Type: domain.EntryError, Message: `{"type":"rate_limit_error","message":"Rate limit exceeded"}`},
			wantKind: LimitRate,
			wantHit:  true,
		},
		{
			name:     "too many requests on stderr",
			entry:    domain.OutputEntry{Type: domain.EntryText, Raw: "Error: 429 Too Many Requests", Stream: "stderr"},
			wantKind: LimitRate,
			wantHit:  true,
		},
		{
			name:  "assistant text quoting a limit is ignored",
			entry: domain.OutputEntry{Type: "assistant", Message: "I will handle the usage limit reached case"},
		},
		{
			name:  "plain output",
			entry: domain.OutputEntry{Type: domain.EntryText, Raw: "running tests..."},
		},
		{
			name:  "empty",
			entry: domain.OutputEntry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := DetectLimit(tt.entry)
			if ok != tt.wantHit {
				t.Fatalf("hit = %v, want %v", ok, tt.wantHit)
			}
			if !ok {
				return
			}
			if sig.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", sig.Kind, tt.wantKind)
			}
			if (sig.ResetAt != nil) != tt.wantReset {
				t.Errorf("ResetAt = %v, want set=%v", sig.ResetAt, tt.wantReset)
			}
			if sig.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}
