package executor

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/domain"
)

var (
	// "Claude AI usage limit reached|1767225600"
	usageLimitEpochPattern = regexp.MustCompile(`(?i)usage limit reached\|(\d{9,11})`)

	usageLimitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)usage limit (reached|exceeded)`),
		regexp.MustCompile(`(?i)\b(5|five)[- ]hour limit reached`),
		regexp.MustCompile(`(?i)weekly limit reached`),
		regexp.MustCompile(`(?i)quota exceeded`),
		regexp.MustCompile(`(?i)insufficient[_ ]quota`),
	}

	rateLimitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rate[_ ]limit(ed)?( exceeded| reached|_error)`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`(?i)\b429\b.*(rate|requests)`),
	}
)

// DetectLimit matches agent-independent limit messages in an output entry.
// Usage ceilings win over rate limits when both match.
func DetectLimit(entry domain.OutputEntry) (LimitSignal, bool) {
	text := entry.Text()
	if text == "" {
		return LimitSignal{}, false
	}
	// structured chatter like tool input echoes can quote anything; only look at
	// raw lines, errors and results
	if entry.IsStructured() && entry.Type != domain.EntryError && entry.Type != domain.EntryResult {
		return LimitSignal{}, false
	}

	if m := usageLimitEpochPattern.FindStringSubmatch(text); m != nil {
		sig := LimitSignal{Kind: LimitUsage, Message: firstLine(text)}
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			reset := time.Unix(secs, 0)
			sig.ResetAt = &reset
		}
		return sig, true
	}
	for _, p := range usageLimitPatterns {
		if p.MatchString(text) {
			return LimitSignal{Kind: LimitUsage, Message: firstLine(text)}, true
		}
	}
	for _, p := range rateLimitPatterns {
		if p.MatchString(text) {
			return LimitSignal{Kind: LimitRate, Message: firstLine(text)}, true
		}
	}
	return LimitSignal{}, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 300
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}
