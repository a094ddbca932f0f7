package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Execution.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Execution.MaxConcurrent)
	}
	if cfg.Execution.MaxTaskDuration.Duration != 2*time.Hour {
		t.Errorf("MaxTaskDuration = %v, want 2h", cfg.Execution.MaxTaskDuration)
	}
	if cfg.Execution.DefaultAgent != "claude" {
		t.Errorf("DefaultAgent = %q, want claude", cfg.Execution.DefaultAgent)
	}
	if cfg.AutoPlay.UsageThresholdPercent != 90 {
		t.Errorf("UsageThresholdPercent = %v, want 90", cfg.AutoPlay.UsageThresholdPercent)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Execution.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want default 3", cfg.Execution.MaxConcurrent)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
data_dir = "/var/lib/agent-queue"

[execution]
max_concurrent = 5
max_task_duration = "45m"
default_agent = "opencode"

[autoplay]
enabled = true
usage_threshold_percent = 75.5

[agents.opencode]
default_model = "zai-coding-plan/glm-4.7"
extra_args = ["--print-logs"]

[web]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.DataDir != "/var/lib/agent-queue" {
		t.Errorf("DataDir = %q", cfg.General.DataDir)
	}
	if cfg.Execution.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.Execution.MaxConcurrent)
	}
	if cfg.Execution.MaxTaskDuration.Duration != 45*time.Minute {
		t.Errorf("MaxTaskDuration = %v, want 45m", cfg.Execution.MaxTaskDuration)
	}
	if !cfg.AutoPlay.Enabled {
		t.Error("AutoPlay.Enabled should be true")
	}
	if cfg.AutoPlay.UsageThresholdPercent != 75.5 {
		t.Errorf("UsageThresholdPercent = %v, want 75.5", cfg.AutoPlay.UsageThresholdPercent)
	}
	if got := cfg.Agent("opencode").DefaultModel; got != "zai-coding-plan/glm-4.7" {
		t.Errorf("opencode DefaultModel = %q", got)
	}
	if got := cfg.Agent("claude").DefaultModel; got != "" {
		t.Errorf("claude DefaultModel = %q, want empty", got)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// untouched sections keep defaults
	if cfg.AutoPlay.Debounce.Duration != 2*time.Second {
		t.Errorf("Debounce = %v, want default 2s", cfg.AutoPlay.Debounce)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[execution]\nmax_task_duration = \"forever\"\n"},
		{"zero concurrency", "[execution]\nmax_concurrent = 0\n"},
		{"threshold out of range", "[autoplay]\nusage_threshold_percent = 150.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Execution.MaxConcurrent = 7
	cfg.Execution.MaxTaskDuration = Duration{90 * time.Minute}

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Execution.MaxConcurrent != 7 {
		t.Errorf("MaxConcurrent = %d, want 7", loaded.Execution.MaxConcurrent)
	}
	if loaded.Execution.MaxTaskDuration.Duration != 90*time.Minute {
		t.Errorf("MaxTaskDuration = %v, want 1h30m", loaded.Execution.MaxTaskDuration)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[execution]\nmax_concurrent = 2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Stop()

	// give the watcher a moment to start consuming events
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("[execution]\nmax_concurrent = 6\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Execution.MaxConcurrent != 6 {
			t.Errorf("MaxConcurrent = %d, want 6", cfg.Execution.MaxConcurrent)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Error("unexpected reload for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
