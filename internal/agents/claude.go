package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

const (
	ClaudeID = "claude"

	// extended thinking budget used when a task asks for thinking
	claudeThinkingTokens = 31999
)

// sessionNamespace derives deterministic session ids so an iteration can be resumed
// by id even when the CLI never printed one
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// SessionIDFor returns the session id used for a fresh iteration of a task
func SessionIDFor(taskID string, iteration int) string {
	return uuid.NewSHA1(sessionNamespace, []byte(taskID+"/"+strconv.Itoa(iteration))).String()
}

// Claude drives the Claude Code CLI in stream-json mode
type Claude struct {
	executable   string
	defaultModel string
	extraArgs    []string
	usage        *usageClient
	now          func() time.Time
}

// NewClaude creates the claude adapter
func NewClaude(cfg config.AgentConfig) *Claude {
	exe := cfg.Executable
	if exe == "" {
		exe = "claude"
	}
	return &Claude{
		executable:   exe,
		defaultModel: cfg.DefaultModel,
		extraArgs:    cfg.ExtraArgs,
		usage:        newUsageClient(),
		now:          time.Now,
	}
}

func (c *Claude) ID() string { return ClaudeID }

func (c *Claude) DefaultModel() string { return c.defaultModel }

func (c *Claude) ExecutablePath() (string, error) {
	return lookExecutable(c.executable)
}

func (c *Claude) IsAvailable(ctx context.Context) bool {
	_, err := c.ExecutablePath()
	return err == nil
}

func (c *Claude) Capabilities() Capabilities {
	return Capabilities{
		SessionResume:    true,
		StructuredOutput: true,
		ThinkingMode:     true,
		UsageReporting:   true,
		Models:           []string{"opus", "sonnet", "haiku"},
	}
}

// CheckUsageLimits fails open: when usage cannot be read the run may proceed and
// the in-run limit detection is the backstop
func (c *Claude) CheckUsageLimits(ctx context.Context) UsageCheck {
	p := c.usage.percent(ctx)
	if p.Err != nil {
		return UsageCheck{CanProceed: true, Message: "usage unknown: " + p.Err.Error()}
	}
	if p.FiveHour >= 100 {
		return UsageCheck{ResetAt: p.FiveHourResetAt, Message: "five-hour usage limit reached"}
	}
	if p.SevenDay >= 100 {
		return UsageCheck{ResetAt: p.SevenDayResetAt, Message: "weekly usage limit reached"}
	}
	return UsageCheck{CanProceed: true}
}

func (c *Claude) UsagePercentage(ctx context.Context) UsagePercent {
	return c.usage.percent(ctx)
}

func (c *Claude) ValidateAuth(ctx context.Context) AuthStatus {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return AuthStatus{IsValid: true}
	}
	creds, err := loadCredentials(c.usage.credentialsPath)
	if err != nil {
		return AuthStatus{Err: err, RequiresReauth: errors.Is(err, errNoCredentials)}
	}
	// the CLI refreshes an expired access token by itself as long as it has a refresh token
	if creds.expired(c.now()) && creds.ClaudeAiOauth.RefreshToken == "" {
		return AuthStatus{Err: errors.New("claude OAuth token expired"), RequiresReauth: true}
	}
	return AuthStatus{IsValid: true}
}

// TriggerReauth runs the CLI's token setup in the project directory
func (c *Claude) TriggerReauth(ctx context.Context, projectPath string) ReauthResult {
	path, err := c.ExecutablePath()
	if err != nil {
		return ReauthResult{Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "setup-token")
	cmd.Dir = projectPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return ReauthResult{Err: fmt.Errorf("claude setup-token: %w: %s", err, strings.TrimSpace(string(out)))}
	}
	if st := c.ValidateAuth(ctx); !st.IsValid {
		return ReauthResult{Err: st.Err}
	}
	return ReauthResult{Success: true}
}

func (c *Claude) DetectIncompleteWork(entries []domain.OutputEntry) domain.IncompleteWork {
	return detectIncomplete(entries, true)
}

func (c *Claude) BuildInvocation(req InvocationRequest) (executor.Invocation, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return executor.Invocation{}, errors.New("empty prompt")
	}
	path, err := c.ExecutablePath()
	if err != nil {
		return executor.Invocation{}, err
	}

	args := []string{
		"--print",
		"--verbose", // required for stream-json
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
	}
	if req.Resume && req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	} else {
		args = append(args, "--session-id", SessionIDFor(req.TaskID, req.Iteration))
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, c.extraArgs...)
	args = append(args, "-p", req.Prompt)

	var env []string
	switch req.ThinkingMode {
	case domain.ThinkingOn:
		env = append(env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", claudeThinkingTokens))
	case domain.ThinkingOff:
		env = append(env, "MAX_THINKING_TOKENS=0")
	}

	return executor.Invocation{
		Path:        path,
		Args:        args,
		Env:         env,
		Dir:         req.WorkDir,
		Parse:       c.ParseLine,
		DetectLimit: c.DetectLimit,
	}, nil
}

// claudeStreamLine is the subset of a stream-json line the orchestrator reads
type claudeStreamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Error     string `json:"error"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
}

func (c *Claude) ParseLine(line string) domain.OutputEntry {
	entry := domain.OutputEntry{Type: domain.EntryText, Raw: line, Timestamp: c.now()}
	if !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return entry
	}
	var msg claudeStreamLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type == "" {
		return entry
	}

	entry.Type = msg.Type
	entry.Subtype = msg.Subtype
	entry.SessionID = msg.SessionID

	switch msg.Type {
	case "system":
		entry.Type = domain.EntrySystem
		if msg.Subtype == "init" {
			entry.Message = "session " + msg.SessionID
		}
	case "result":
		entry.Type = domain.EntryResult
		entry.Message = msg.Result
		if msg.IsError && !strings.HasPrefix(msg.Subtype, "error") {
			entry.Subtype = "error"
		}
	case "error":
		entry.Type = domain.EntryError
		entry.Message = msg.Error
	default:
		if msg.Message != nil {
			var parts []string
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "text":
					parts = append(parts, block.Text)
				case "tool_use":
					parts = append(parts, "→ "+block.Name)
				}
			}
			entry.Message = strings.Join(parts, "\n")
		}
	}
	// assistant turns that failed upstream carry an error code instead of content
	if msg.Error != "" && msg.Type != "error" {
		entry.Type = domain.EntryError
		entry.Subtype = msg.Error
		if entry.Message == "" {
			entry.Message = msg.Error
		}
	}
	return entry
}

func (c *Claude) DetectLimit(entry domain.OutputEntry) (executor.LimitSignal, bool) {
	if entry.Type == domain.EntryError && entry.Subtype == "rate_limit" {
		return executor.LimitSignal{Kind: executor.LimitRate, Message: entry.Text()}, true
	}
	return executor.LimitSignal{}, false
}

func lookExecutable(name string) (string, error) {
	if filepath.IsAbs(name) {
		info, err := os.Stat(name)
		if err != nil {
			return "", err
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			return "", fmt.Errorf("%s is not executable", name)
		}
		return name, nil
	}
	return exec.LookPath(name)
}
