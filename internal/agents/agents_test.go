package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

// fakeExecutable writes an executable stub and returns its absolute path
func fakeExecutable(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeCredentials(t *testing.T, token string, expiresAt time.Time, refresh string) string {
	t.Helper()
	var creds claudeCredentials
	creds.ClaudeAiOauth.AccessToken = token
	creds.ClaudeAiOauth.RefreshToken = refresh
	creds.ClaudeAiOauth.ExpiresAt = expiresAt.UnixMilli()
	data, _ := json.Marshal(creds)
	path := filepath.Join(t.TempDir(), ".credentials.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSessionIDFor(t *testing.T) {
	a := SessionIDFor("task-1", 1)
	if a != SessionIDFor("task-1", 1) {
		t.Error("session id must be deterministic")
	}
	if a == SessionIDFor("task-1", 2) {
		t.Error("iterations must get distinct session ids")
	}
}

func TestClaude_BuildInvocation(t *testing.T) {
	exe := fakeExecutable(t, "claude")
	c := NewClaude(config.AgentConfig{Executable: exe, DefaultModel: "sonnet", ExtraArgs: []string{"--add-dir", "/tmp"}})

	tests := []struct {
		name     string
		req      InvocationRequest
		wantArgs []string
		notArgs  []string
		wantEnv  string
	}{
		{
			name:     "fresh session with default model",
			req:      InvocationRequest{TaskID: "t1", Iteration: 1, Prompt: "do it", WorkDir: "/w"},
			wantArgs: []string{"--session-id", SessionIDFor("t1", 1), "--model", "sonnet", "--add-dir", "-p", "do it"},
			notArgs:  []string{"--resume"},
		},
		{
			name:     "resume with explicit model and thinking",
			req:      InvocationRequest{TaskID: "t1", Iteration: 2, Prompt: "fix tests", SessionID: "abc", Resume: true, Model: "opus", ThinkingMode: domain.ThinkingOn},
			wantArgs: []string{"--resume", "abc", "--model", "opus"},
			notArgs:  []string{"--session-id"},
			wantEnv:  "MAX_THINKING_TOKENS=31999",
		},
		{
			name:    "thinking off",
			req:     InvocationRequest{TaskID: "t1", Iteration: 1, Prompt: "x", ThinkingMode: domain.ThinkingOff},
			wantEnv: "MAX_THINKING_TOKENS=0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := c.BuildInvocation(tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if inv.Path != exe {
				t.Errorf("Path = %q, want %q", inv.Path, exe)
			}
			if inv.Dir != tt.req.WorkDir {
				t.Errorf("Dir = %q", inv.Dir)
			}
			joined := strings.Join(inv.Args, " ")
			for _, want := range tt.wantArgs {
				if !strings.Contains(joined, want) {
					t.Errorf("args %q missing %q", joined, want)
				}
			}
			for _, not := range tt.notArgs {
				if strings.Contains(joined, not) {
					t.Errorf("args %q should not contain %q", joined, not)
				}
			}
			if !strings.Contains(joined, "--output-format stream-json") {
				t.Errorf("args %q should request stream-json", joined)
			}
			if tt.wantEnv != "" && (len(inv.Env) != 1 || inv.Env[0] != tt.wantEnv) {
				t.Errorf("Env = %v, want [%s]", inv.Env, tt.wantEnv)
			}
			if tt.wantEnv == "" && len(inv.Env) != 0 {
				t.Errorf("Env = %v, want none for inherited thinking", inv.Env)
			}
			if inv.Parse == nil || inv.DetectLimit == nil {
				t.Error("invocation should carry the adapter parser and limit detector")
			}
		})
	}

	if _, err := c.BuildInvocation(InvocationRequest{TaskID: "t1", Prompt: "  "}); err == nil {
		t.Error("empty prompt should be rejected")
	}
}

func TestClaude_Unavailable(t *testing.T) {
	c := NewClaude(config.AgentConfig{Executable: "/nonexistent/claude"})
	if c.IsAvailable(context.Background()) {
		t.Error("missing executable should be unavailable")
	}
	if _, err := c.BuildInvocation(InvocationRequest{Prompt: "x"}); err == nil {
		t.Error("BuildInvocation should fail without an executable")
	}
}

func TestClaude_ParseLine(t *testing.T) {
	c := NewClaude(config.AgentConfig{})

	tests := []struct {
		name        string
		line        string
		wantType    string
		wantSubtype string
		wantSession string
		wantMessage string
	}{
		{"plain text", "hello world", domain.EntryText, "", "", ""},
		{"broken json", "{not json", domain.EntryText, "", "", ""},
		{"init", `{"type":"system","subtype":"init","session_id":"s-1"}`, domain.EntrySystem, "init", "s-1", "session s-1"},
		{"assistant text and tool", `{"type":"assistant","message":{"content":[{"type":"text","text":"Looking"},{"type":"tool_use","name":"Bash"}]},"session_id":"s-1"}`, "assistant", "", "s-1", "Looking\n→ Bash"},
		{"result", `{"type":"result","subtype":"success","result":"Done.","session_id":"s-2"}`, domain.EntryResult, "success", "s-2", "Done."},
		{"result error", `{"type":"result","subtype":"success","is_error":true,"result":"API Error"}`, domain.EntryResult, "error", "", "API Error"},
		{"rate limited assistant", `{"type":"assistant","error":"rate_limit","message":{"content":[{"type":"text","text":"API Error: Rate limit reached"}]}}`, domain.EntryError, "rate_limit", "", "API Error: Rate limit reached"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := c.ParseLine(tt.line)
			if e.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", e.Type, tt.wantType)
			}
			if e.Subtype != tt.wantSubtype {
				t.Errorf("Subtype = %q, want %q", e.Subtype, tt.wantSubtype)
			}
			if e.SessionID != tt.wantSession {
				t.Errorf("SessionID = %q, want %q", e.SessionID, tt.wantSession)
			}
			if e.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", e.Message, tt.wantMessage)
			}
			if e.Raw != tt.line {
				t.Errorf("Raw = %q, want the original line", e.Raw)
			}
		})
	}
}

func TestClaude_DetectLimit(t *testing.T) {
	c := NewClaude(config.AgentConfig{})
	sig, ok := c.DetectLimit(c.ParseLine(`{"type":"assistant","error":"rate_limit","message":{"content":[]}}`))
	if !ok || sig.Kind != executor.LimitRate {
		t.Errorf("DetectLimit = %+v, %v; want rate limit", sig, ok)
	}
	if _, ok := c.DetectLimit(c.ParseLine("all good")); ok {
		t.Error("plain text is not a limit")
	}
}

func newUsageServer(t *testing.T, body string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("anthropic-beta") != claudeOAuthBeta {
			t.Errorf("anthropic-beta = %q", r.Header.Get("anthropic-beta"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClaude_UsageFromEndpoint(t *testing.T) {
	var calls int32
	srv := newUsageServer(t, `{"five_hour":{"utilization":42.5,"resets_at":"2026-01-01T10:00:00Z"},"seven_day":{"utilization":71,"resets_at":null}}`, &calls)

	c := NewClaude(config.AgentConfig{})
	c.usage.endpoint = srv.URL
	c.usage.credentialsPath = writeCredentials(t, "tok", time.Now().Add(time.Hour), "")

	p := c.UsagePercentage(context.Background())
	if p.Err != nil {
		t.Fatal(p.Err)
	}
	if p.FiveHour != 42.5 || p.SevenDay != 71 {
		t.Errorf("usage = %+v", p)
	}
	if p.Max() != 71 {
		t.Errorf("Max = %v, want 71", p.Max())
	}
	if p.FiveHourResetAt == nil {
		t.Error("FiveHourResetAt should be parsed")
	}

	if check := c.CheckUsageLimits(context.Background()); !check.CanProceed {
		t.Errorf("CheckUsageLimits = %+v, want proceed", check)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("endpoint called %d times, want 1 (cached)", calls)
	}
}

func TestClaude_UsageExhausted(t *testing.T) {
	var calls int32
	srv := newUsageServer(t, `{"five_hour":{"utilization":100,"resets_at":"2026-01-01T10:00:00Z"},"seven_day":{"utilization":50}}`, &calls)

	c := NewClaude(config.AgentConfig{})
	c.usage.endpoint = srv.URL
	c.usage.credentialsPath = writeCredentials(t, "tok", time.Now().Add(time.Hour), "")

	check := c.CheckUsageLimits(context.Background())
	if check.CanProceed {
		t.Fatal("exhausted five-hour window must block")
	}
	want := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if check.ResetAt == nil || !check.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", check.ResetAt, want)
	}
}

func TestClaude_UsageFailsOpen(t *testing.T) {
	c := NewClaude(config.AgentConfig{})
	c.usage.credentialsPath = filepath.Join(t.TempDir(), "missing.json")

	check := c.CheckUsageLimits(context.Background())
	if !check.CanProceed {
		t.Error("unknown usage should not block")
	}
	if p := c.UsagePercentage(context.Background()); !errors.Is(p.Err, errNoCredentials) {
		t.Errorf("Err = %v, want errNoCredentials", p.Err)
	}
}

func TestClaude_ValidateAuth(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	tests := []struct {
		name       string
		path       func(t *testing.T) string
		wantValid  bool
		wantReauth bool
	}{
		{"valid token", func(t *testing.T) string { return writeCredentials(t, "tok", time.Now().Add(time.Hour), "") }, true, false},
		{"expired with refresh", func(t *testing.T) string { return writeCredentials(t, "tok", time.Now().Add(-time.Hour), "r") }, true, false},
		{"expired without refresh", func(t *testing.T) string { return writeCredentials(t, "tok", time.Now().Add(-time.Hour), "") }, false, true},
		{"no credentials", func(t *testing.T) string { return filepath.Join(t.TempDir(), "none.json") }, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClaude(config.AgentConfig{})
			c.usage.credentialsPath = tt.path(t)
			st := c.ValidateAuth(context.Background())
			if st.IsValid != tt.wantValid || st.RequiresReauth != tt.wantReauth {
				t.Errorf("ValidateAuth = %+v", st)
			}
		})
	}

	t.Run("api key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-test")
		c := NewClaude(config.AgentConfig{})
		c.usage.credentialsPath = filepath.Join(t.TempDir(), "none.json")
		if !c.ValidateAuth(context.Background()).IsValid {
			t.Error("API key should count as valid auth")
		}
	})
}

func TestDetectIncompleteWork(t *testing.T) {
	c := NewClaude(config.AgentConfig{})
	o := NewOpenCode(config.AgentConfig{})

	tests := []struct {
		name    string
		adapter Adapter
		entries []domain.OutputEntry
		want    bool
	}{
		{"clean result", c, []domain.OutputEntry{
			{Type: "assistant", Message: "Implemented the feature."},
			{Type: domain.EntryResult, Subtype: "success", Message: "All tests pass."},
		}, false},
		{"no result", c, []domain.OutputEntry{{Type: "assistant", Message: "Working on it"}}, true},
		{"max turns", c, []domain.OutputEntry{{Type: domain.EntryResult, Subtype: "error_max_turns"}}, true},
		{"admits leftovers", c, []domain.OutputEntry{
			{Type: domain.EntryResult, Subtype: "success", Message: "I wasn't able to fix the flaky test."},
		}, true},
		{"empty output", c, nil, true},
		{"opencode plain text", o, []domain.OutputEntry{{Type: domain.EntryText, Raw: "Done, all changes applied."}}, false},
		{"opencode admits leftovers", o, []domain.OutputEntry{{Type: domain.EntryText, Raw: "Remaining work: wire the API"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.adapter.DetectIncompleteWork(tt.entries)
			if got.Incomplete != tt.want {
				t.Errorf("Incomplete = %v (%v), want %v", got.Incomplete, got.Reasons, tt.want)
			}
			if got.Incomplete && len(got.Reasons) == 0 {
				t.Error("an incomplete report needs reasons")
			}
		})
	}
}

func TestOpenCode_BuildInvocation(t *testing.T) {
	exe := fakeExecutable(t, "opencode")
	o := NewOpenCode(config.AgentConfig{Executable: exe, DefaultModel: "zai-coding-plan/glm-4.7"})

	inv, err := o.BuildInvocation(InvocationRequest{Prompt: "do it", WorkDir: "/w"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"run", "-m", "zai-coding-plan/glm-4.7", "do it"}
	if strings.Join(inv.Args, "|") != strings.Join(want, "|") {
		t.Errorf("Args = %v, want %v", inv.Args, want)
	}

	inv, err = o.BuildInvocation(InvocationRequest{Prompt: "again", Resume: true, SessionID: "ses_123"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(inv.Args[:3], " ") != "run -s ses_123" {
		t.Errorf("resume Args = %v", inv.Args)
	}

	inv, _ = o.BuildInvocation(InvocationRequest{Prompt: "again", Resume: true})
	if inv.Args[1] != "-c" {
		t.Errorf("resume without session Args = %v, want -c", inv.Args)
	}
}

func TestOpenCode_ParseLine(t *testing.T) {
	o := NewOpenCode(config.AgentConfig{})

	e := o.ParseLine(`{"type":"error","error":{"name":"APIError","data":{"message":"CreditsError: No payment method"}}}`)
	if e.Type != domain.EntryError || !strings.Contains(e.Message, "billing") {
		t.Errorf("billing error parsed as %+v", e)
	}

	e = o.ParseLine(`{"type":"error","error":{"name":"APIError","data":{"message":"slow down","statusCode":429}}}`)
	if _, ok := o.DetectLimit(e); !ok {
		t.Errorf("429 should be a rate limit, entry %+v", e)
	}

	if e := o.ParseLine("| Write  src/app.go"); e.Type != domain.EntryText {
		t.Errorf("plain output Type = %q", e.Type)
	}
	if c := o.Capabilities(); c.UsageReporting {
		t.Error("opencode does not report usage")
	}
}

func TestRegistry(t *testing.T) {
	cfg := config.Default()
	r := NewRegistryFromConfig(cfg)

	if got := r.IDs(); len(got) != 2 || got[0] != ClaudeID || got[1] != OpenCodeID {
		t.Errorf("IDs = %v", got)
	}

	a, err := r.Resolve("")
	if err != nil || a.ID() != ClaudeID {
		t.Errorf("Resolve(\"\") = %v, %v; want default claude", a, err)
	}
	if _, err := r.Resolve("cursor"); !errors.Is(err, domain.ErrUnknownAgent) {
		t.Errorf("err = %v, want ErrUnknownAgent", err)
	}

	r.SetDefault(OpenCodeID)
	if a, _ := r.Resolve(""); a.ID() != OpenCodeID {
		t.Errorf("default after SetDefault = %s", a.ID())
	}
}
