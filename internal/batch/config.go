// Package batch opens auto-play windows on a cron schedule.
package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/pelletier/go-toml/v2"
)

// WindowConfig is one scheduled auto-play window
type WindowConfig struct {
	Name        string          `toml:"name"`
	Cron        string          `toml:"cron"`
	MaxTasks    int             `toml:"max_tasks"`
	MaxDuration config.Duration `toml:"max_duration"`
}

// ScheduleConfig holds all window configurations
type ScheduleConfig struct {
	Windows []WindowConfig `toml:"window"`
}

// Validate checks the window and fills in defaults
func (c *WindowConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("window name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if c.MaxTasks < 0 {
		return fmt.Errorf("max_tasks must not be negative")
	}
	if c.MaxDuration.Duration <= 0 {
		c.MaxDuration.Duration = 4 * time.Hour
	}
	return nil
}

// LoadScheduleConfig loads window configuration from a TOML file. A missing
// file means no windows.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i := range cfg.Windows {
		if err := cfg.Windows[i].Validate(); err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		if seen[cfg.Windows[i].Name] {
			return nil, fmt.Errorf("window %q defined twice", cfg.Windows[i].Name)
		}
		seen[cfg.Windows[i].Name] = true
	}

	return &cfg, nil
}
