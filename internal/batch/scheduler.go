package batch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// RunFunc runs one window; it returns when the window is over
type RunFunc func(ctx context.Context, w WindowConfig) error

// Scheduler opens windows when their cron schedule fires
type Scheduler struct {
	mu        sync.RWMutex
	windows   map[string]WindowConfig
	schedules map[string]cron.Schedule
	lastRun   map[string]time.Time
	running   map[string]bool

	now    func() time.Time
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for the given windows
func NewScheduler(windows []WindowConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		windows:   make(map[string]WindowConfig),
		schedules: make(map[string]cron.Schedule),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		now:       time.Now,
		logger:    logger,
	}

	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		sched, _ := ParseCron(w.Cron)
		s.windows[w.Name] = w
		s.schedules[w.Name] = sched
	}
	return s, nil
}

// NextRun returns the next time the window opens
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.now())
}

// ShouldRun reports whether the window's schedule fired since it last ran.
// A window that never ran looks back one minute, so starting the daemon does
// not replay yesterday's windows.
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok || s.running[name] {
		return false
	}

	now := s.now()
	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = now.Add(-time.Minute)
	}
	return !sched.Next(lastRun).After(now)
}

// MarkRunning marks a window as open
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
	s.lastRun[name] = s.now()
}

// MarkComplete marks a window as closed
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
}

// IsRunning reports whether the window is open
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[name]
}

// GetConfig returns the config for a window
func (s *Scheduler) GetConfig(name string) (WindowConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[name]
	return w, ok
}

// ListWindows returns all window names, sorted
func (s *Scheduler) ListWindows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.windows))
	for name := range s.windows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tick opens every window that is due and returns their names
func (s *Scheduler) Tick(ctx context.Context, run RunFunc) []string {
	var opened []string
	for _, name := range s.ListWindows() {
		if !s.ShouldRun(name) {
			continue
		}
		w, _ := s.GetConfig(name)
		s.MarkRunning(name)
		opened = append(opened, name)

		s.wg.Add(1)
		go func(w WindowConfig) {
			defer s.wg.Done()
			defer s.MarkComplete(w.Name)
			if err := run(ctx, w); err != nil && ctx.Err() == nil {
				s.logger.Error("auto-play window failed", "window", w.Name, "error", err)
			}
		}(w)
	}
	return opened
}

// Run checks the windows every interval until ctx is done, then waits for open
// windows to close
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, run RunFunc) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			for _, name := range s.Tick(ctx, run) {
				s.logger.Info("auto-play window opened", "window", name)
			}
		}
	}
}

// WindowController is the auto-play surface a window drives
type WindowController interface {
	EnableWindow(name string, maxStarts int)
	CloseWindow(name string)
	Window() string
}

// AutoPlayRunner returns a RunFunc that keeps auto-play on for the window's
// duration. The window ends early when auto-play leaves it, for example after
// spending its task budget.
func AutoPlayRunner(ap WindowController, poll time.Duration) RunFunc {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return func(ctx context.Context, w WindowConfig) error {
		ap.EnableWindow(w.Name, w.MaxTasks)
		defer ap.CloseWindow(w.Name)

		deadline := time.NewTimer(w.MaxDuration.Duration)
		defer deadline.Stop()
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				return nil
			case <-ticker.C:
				if ap.Window() != w.Name {
					return nil
				}
			}
		}
	}
}
