package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hochfrequenz/agent-queue/internal/agents"
	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/executor"
	"github.com/hochfrequenz/agent-queue/internal/lifecycle"
	"github.com/hochfrequenz/agent-queue/internal/scheduler"
	"github.com/hochfrequenz/agent-queue/internal/taskstore"
	"github.com/hochfrequenz/agent-queue/internal/usage"
	"github.com/hochfrequenz/agent-queue/web/api"
)

func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile())
}

func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if err := os.MkdirAll(cfg.General.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	store, err := taskstore.New(cfg.General.DatabasePath, cfg.LogsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

// engine is the in-process execution stack shared by serve and run
type engine struct {
	cfg      *config.Config
	store    *taskstore.Store
	bus      *broadcast.Bus
	usage    *usage.Coordinator
	agents   *agents.Registry
	sup      *executor.Supervisor
	tasks    *lifecycle.Coordinator
	autoplay *scheduler.AutoPlay
	logger   *slog.Logger
}

func newEngine(cfg *config.Config) (*engine, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	bus := broadcast.New()
	registry := agents.NewRegistryFromConfig(cfg)
	if !registry.Has(cfg.Execution.DefaultAgent) {
		store.Close()
		return nil, fmt.Errorf("execution.default_agent %q is not a known agent (have %v)", cfg.Execution.DefaultAgent, registry.IDs())
	}

	coord := usage.NewCoordinator(bus, logger)
	sup := executor.NewSupervisor(executor.Options{
		MaxConcurrent:   cfg.Execution.MaxConcurrent,
		MaxTaskDuration: cfg.Execution.MaxTaskDuration.Duration,
		KillGracePeriod: cfg.Execution.KillGracePeriod.Duration,
		Publisher:       bus,
		Logger:          logger,
	})
	tasks := lifecycle.New(lifecycle.Options{
		Store:                  store,
		Supervisor:             sup,
		Agents:                 registry,
		Usage:                  coord,
		Publisher:              bus,
		Logger:                 logger,
		PauseGlobalOnRateLimit: cfg.Execution.PauseGlobalOnRateLimit,
	})
	autoplay := scheduler.New(scheduler.Options{
		Tasks:     store,
		Starter:   tasks,
		Capacity:  sup,
		Usage:     coord,
		Agents:    registry,
		Bus:       bus,
		Publisher: bus,
		Logger:    logger,
		Config:    cfg.AutoPlay,
	})

	return &engine{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		usage:    coord,
		agents:   registry,
		sup:      sup,
		tasks:    tasks,
		autoplay: autoplay,
		logger:   logger,
	}, nil
}

// reconfigure applies a reloaded config file to the running engine
func (e *engine) reconfigure(cfg *config.Config) {
	e.tasks.Reconfigure(lifecycle.Limits{
		MaxConcurrent:          cfg.Execution.MaxConcurrent,
		MaxTaskDuration:        cfg.Execution.MaxTaskDuration.Duration,
		PauseGlobalOnRateLimit: cfg.Execution.PauseGlobalOnRateLimit,
	})
	e.autoplay.Reconfigure(cfg.AutoPlay)
}

func (e *engine) Close() error {
	return e.store.Close()
}

func (e *engine) apiServer(addr string) *api.Server {
	return api.NewServer(api.Options{
		Addr:     addr,
		Store:    e.store,
		Tasks:    e.tasks,
		AutoPlay: e.autoplay,
		Usage:    e.usage,
		Handles:  e.sup,
		Events:   e.bus,
		Logger:   e.logger,
	})
}

func serverURL(cfg *config.Config) string {
	host := cfg.Web.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Web.Port)
}

func apiClient(cfg *config.Config) *api.Client {
	return api.NewClient(serverURL(cfg))
}
