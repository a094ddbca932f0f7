package agents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

const OpenCodeID = "opencode"

var errNotSupported = errors.New("not supported by opencode")

// OpenCode drives the opencode CLI. It manages its own sessions (ids prefixed "ses")
// and prints plain text; --format json makes it hang.
type OpenCode struct {
	executable   string
	defaultModel string
	extraArgs    []string
	now          func() time.Time
}

// NewOpenCode creates the opencode adapter
func NewOpenCode(cfg config.AgentConfig) *OpenCode {
	exe := cfg.Executable
	if exe == "" {
		exe = "opencode"
	}
	return &OpenCode{
		executable:   exe,
		defaultModel: cfg.DefaultModel,
		extraArgs:    cfg.ExtraArgs,
		now:          time.Now,
	}
}

func (o *OpenCode) ID() string { return OpenCodeID }

func (o *OpenCode) DefaultModel() string { return o.defaultModel }

func (o *OpenCode) ExecutablePath() (string, error) {
	return lookExecutable(o.executable)
}

func (o *OpenCode) IsAvailable(ctx context.Context) bool {
	_, err := o.ExecutablePath()
	return err == nil
}

func (o *OpenCode) Capabilities() Capabilities {
	return Capabilities{SessionResume: true}
}

// CheckUsageLimits always admits; opencode exposes no usage endpoint
func (o *OpenCode) CheckUsageLimits(ctx context.Context) UsageCheck {
	return UsageCheck{CanProceed: true}
}

func (o *OpenCode) UsagePercentage(ctx context.Context) UsagePercent {
	return UsagePercent{Err: errNotSupported}
}

func (o *OpenCode) ValidateAuth(ctx context.Context) AuthStatus {
	return AuthStatus{IsValid: true}
}

func (o *OpenCode) TriggerReauth(ctx context.Context, projectPath string) ReauthResult {
	return ReauthResult{Err: errors.New("run `opencode auth login` to re-authenticate")}
}

func (o *OpenCode) DetectIncompleteWork(entries []domain.OutputEntry) domain.IncompleteWork {
	return detectIncomplete(entries, false)
}

func (o *OpenCode) BuildInvocation(req InvocationRequest) (executor.Invocation, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return executor.Invocation{}, errors.New("empty prompt")
	}
	path, err := o.ExecutablePath()
	if err != nil {
		return executor.Invocation{}, err
	}

	args := []string{"run"}
	if req.Resume {
		if strings.HasPrefix(req.SessionID, "ses") {
			args = append(args, "-s", req.SessionID)
		} else {
			args = append(args, "-c") // continue the last session in this directory
		}
	}
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	if model != "" {
		args = append(args, "-m", model)
	}
	args = append(args, o.extraArgs...)
	args = append(args, req.Prompt)

	return executor.Invocation{
		Path:        path,
		Args:        args,
		Dir:         req.WorkDir,
		Parse:       o.ParseLine,
		DetectLimit: o.DetectLimit,
	}, nil
}

// openCodeError is the JSON error line opencode prints on API failures
type openCodeError struct {
	Type  string `json:"type"`
	Error struct {
		Name string `json:"name"`
		Data struct {
			Message    string `json:"message"`
			StatusCode int    `json:"statusCode"`
		} `json:"data"`
	} `json:"error"`
}

func (o *OpenCode) ParseLine(line string) domain.OutputEntry {
	entry := domain.OutputEntry{Type: domain.EntryText, Raw: line, Timestamp: o.now()}
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return entry
	}

	var oe openCodeError
	if err := json.Unmarshal([]byte(trimmed), &oe); err != nil || oe.Type != "error" {
		return entry
	}
	entry.Type = domain.EntryError
	entry.Subtype = oe.Error.Name
	entry.Message = oe.Error.Data.Message
	if entry.Message == "" {
		entry.Message = oe.Error.Name
	}
	switch {
	case strings.Contains(entry.Message, "CreditsError"), strings.Contains(entry.Message, "No payment method"):
		entry.Message = "opencode billing error: no payment method configured"
	case strings.Contains(entry.Message, "Unauthorized"):
		entry.Message = "opencode authentication error: " + entry.Message
	}
	if oe.Error.Data.StatusCode == 429 {
		entry.Subtype = "rate_limit"
	}
	return entry
}

func (o *OpenCode) DetectLimit(entry domain.OutputEntry) (executor.LimitSignal, bool) {
	if entry.Type == domain.EntryError && entry.Subtype == "rate_limit" {
		return executor.LimitSignal{Kind: executor.LimitRate, Message: entry.Message}, true
	}
	return executor.LimitSignal{}, false
}
