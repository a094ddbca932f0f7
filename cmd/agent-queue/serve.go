package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/batch"
	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/executor"
	"github.com/hochfrequenz/agent-queue/internal/notify"
	"github.com/hochfrequenz/agent-queue/internal/observer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	servePort     int
	serveAutoPlay bool
)

const (
	reapInterval       = time.Minute
	stuckCheckInterval = time.Minute
	windowPoll         = 5 * time.Second
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue: auto-play, schedule windows, API and notifications",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "API port (default from config)")
	serveCmd.Flags().BoolVar(&serveAutoPlay, "autoplay", false, "switch auto-play on at startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	logger := eng.logger

	n, err := eng.tasks.RecoverOrphans()
	if err != nil {
		return fmt.Errorf("recovering orphaned tasks: %w", err)
	}
	if n > 0 {
		logger.Warn("failed tasks left running by a previous process", "count", n)
	}

	provider, err := observer.Init(cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	metrics, err := observer.NewMetrics(provider.Meter)
	if err != nil {
		return err
	}
	obs := observer.New(cfg.Telemetry.StuckThreshold.Duration, metrics)

	schedule, err := batch.LoadScheduleConfig(cfg.General.SchedulePath)
	if err != nil {
		return err
	}
	windows, err := batch.NewScheduler(schedule.Windows, logger)
	if err != nil {
		return err
	}

	if serveAutoPlay {
		eng.autoplay.SetEnabled(true)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	addr := net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port))
	g.Go(func() error { return eng.apiServer(addr).Run(gctx) })
	g.Go(func() error { return eng.autoplay.Run(gctx) })
	g.Go(func() error { return notify.Watch(gctx, eng.bus, notifierFor(cfg.Notifications), logger) })
	g.Go(func() error { return obs.Watch(gctx, eng.bus) })
	g.Go(func() error {
		return every(gctx, stuckCheckInterval, func() {
			for _, info := range obs.CheckStuck(handleInfos(eng)) {
				logger.Warn("agent produced no output", "task_id", info.TaskID, "pid", info.PID,
					"silent_for", time.Since(lastActivity(info)).Round(time.Second))
			}
		})
	})
	g.Go(func() error {
		return every(gctx, reapInterval, func() { eng.tasks.ReapStale() })
	})
	if len(schedule.Windows) > 0 {
		logger.Info("auto-play windows loaded", "path", cfg.General.SchedulePath, "windows", windows.ListWindows())
		g.Go(func() error { return windows.Run(gctx, 30*time.Second, batch.AutoPlayRunner(eng.autoplay, windowPoll)) })
	}

	path := configFile()
	if _, err := os.Stat(filepath.Dir(path)); err == nil {
		w, err := config.NewWatcher(path, eng.reconfigure, logger)
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	} else {
		logger.Warn("config directory missing, changes need a restart", "path", path)
	}

	logger.Info("agent-queue serving", "addr", addr, "max_concurrent", cfg.Execution.MaxConcurrent,
		"autoplay", eng.autoplay.Enabled())

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Execution.KillGracePeriod.Duration+10*time.Second)
	defer cancel()
	if err := eng.tasks.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping running tasks", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("flushing metrics", "error", err)
	}
	logger.Info("agent-queue stopped", "summary", obs.GetMetrics())
	return runErr
}

func notifierFor(cfg config.NotificationsConfig) notify.Notifier {
	notifiers := []notify.Notifier{notify.NewDesktopNotifier(cfg.Desktop)}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackWebhook))
	}
	return notify.NewMultiNotifier(notifiers...)
}

func handleInfos(eng *engine) []executor.HandleInfo {
	handles := eng.sup.List()
	infos := make([]executor.HandleInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.Info())
	}
	return infos
}

func lastActivity(info executor.HandleInfo) time.Time {
	if !info.LastOutput.IsZero() {
		return info.LastOutput
	}
	return info.StartedAt
}

// every calls fn each interval until ctx is done
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}
