package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig          `toml:"general"`
	Execution     ExecutionConfig        `toml:"execution"`
	AutoPlay      AutoPlayConfig         `toml:"autoplay"`
	Agents        map[string]AgentConfig `toml:"agents"`
	Notifications NotificationsConfig    `toml:"notifications"`
	Web           WebConfig              `toml:"web"`
	Telemetry     TelemetryConfig        `toml:"telemetry"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
	SchedulePath string `toml:"schedule_path"`
}

// ExecutionConfig controls how agent processes are supervised
type ExecutionConfig struct {
	MaxConcurrent          int      `toml:"max_concurrent"`
	MaxTaskDuration        Duration `toml:"max_task_duration"`
	KillGracePeriod        Duration `toml:"kill_grace_period"`
	DefaultAgent           string   `toml:"default_agent"`
	PauseGlobalOnRateLimit bool     `toml:"pause_global_on_rate_limit"`
}

// AutoPlayConfig controls the auto-play scheduler
type AutoPlayConfig struct {
	Enabled               bool     `toml:"enabled"`
	TickInterval          Duration `toml:"tick_interval"`
	Debounce              Duration `toml:"debounce"`
	UsageThresholdPercent float64  `toml:"usage_threshold_percent"`
	ResumePaused          bool     `toml:"resume_paused"`
}

// AgentConfig holds per-agent overrides
type AgentConfig struct {
	Executable   string   `toml:"executable"`
	DefaultModel string   `toml:"default_model"`
	ExtraArgs    []string `toml:"extra_args"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// TelemetryConfig controls OpenTelemetry metric export
type TelemetryConfig struct {
	MetricsEnabled bool     `toml:"metrics_enabled"`
	ExportInterval Duration `toml:"export_interval"`
	StuckThreshold Duration `toml:"stuck_threshold"` // warn about running agents silent this long; 0 disables
}

// Duration is a time.Duration that reads and writes as a Go duration string ("90m")
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".agent-queue")
	return &Config{
		General: GeneralConfig{
			DataDir:      dataDir,
			DatabasePath: filepath.Join(dataDir, "queue.db"),
			SchedulePath: filepath.Join(home, ".config", "agent-queue", "schedule.toml"),
		},
		Execution: ExecutionConfig{
			MaxConcurrent:   3,
			MaxTaskDuration: Duration{2 * time.Hour},
			KillGracePeriod: Duration{10 * time.Second},
			DefaultAgent:    "claude",
		},
		AutoPlay: AutoPlayConfig{
			TickInterval:          Duration{15 * time.Second},
			Debounce:              Duration{2 * time.Second},
			UsageThresholdPercent: 90,
			ResumePaused:          true,
		},
		Agents: map[string]AgentConfig{},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Telemetry: TelemetryConfig{
			ExportInterval: Duration{time.Minute},
			StuckThreshold: Duration{15 * time.Minute},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.SchedulePath = ExpandPath(cfg.General.SchedulePath)
	for id, a := range cfg.Agents {
		a.Executable = ExpandPath(a.Executable)
		cfg.Agents[id] = a
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the orchestrator cannot run with
func (c *Config) Validate() error {
	if c.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("execution.max_concurrent must be at least 1, got %d", c.Execution.MaxConcurrent)
	}
	if c.Execution.MaxTaskDuration.Duration < 0 {
		return fmt.Errorf("execution.max_task_duration must not be negative")
	}
	if c.AutoPlay.UsageThresholdPercent < 0 || c.AutoPlay.UsageThresholdPercent > 100 {
		return fmt.Errorf("autoplay.usage_threshold_percent must be within 0-100, got %v", c.AutoPlay.UsageThresholdPercent)
	}
	if c.Execution.DefaultAgent == "" {
		return fmt.Errorf("execution.default_agent is required")
	}
	return nil
}

// Save writes the configuration to path, creating parent directories
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Agent returns the settings for an agent id, or zero settings
func (c *Config) Agent(id string) AgentConfig {
	if c.Agents == nil {
		return AgentConfig{}
	}
	return c.Agents[id]
}

// LogsDir is where per-iteration logs are written
func (c *Config) LogsDir() string {
	return filepath.Join(c.General.DataDir, "logs")
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-queue", "config.toml")
}
