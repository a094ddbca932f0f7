// Package scheduler starts queued tasks automatically as capacity frees up.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/agents"
	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/taskstore"
	"github.com/hochfrequenz/agent-queue/internal/usage"
)

// TaskLister reads tasks. *taskstore.Store implements it.
type TaskLister interface {
	ListTasks(opts taskstore.ListOptions) ([]*domain.Task, error)
}

// Starter starts tasks. *lifecycle.Coordinator implements it.
type Starter interface {
	Start(ctx context.Context, taskID string) error
	Unpause(taskID string) error
}

// Capacity is the supervisor's view of concurrency
type Capacity interface {
	MaxConcurrent() int
	InFlight() int
}

// Subscriber delivers bus events. *broadcast.Bus implements it.
type Subscriber interface {
	Subscribe(topicPrefix string) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// Options configures an AutoPlay scheduler
type Options struct {
	Tasks     TaskLister
	Starter   Starter
	Capacity  Capacity
	Usage     *usage.Coordinator
	Agents    *agents.Registry // the default agent's usage percentage gates admission
	Bus       Subscriber       // optional, status changes trigger evaluation
	Publisher broadcast.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
	Config    config.AutoPlayConfig
}

// AutoPlay fills free concurrency slots from the queue while enabled
type AutoPlay struct {
	tasks    TaskLister
	starter  Starter
	capacity Capacity
	usage    *usage.Coordinator
	agents   *agents.Registry
	bus      Subscriber
	pub      broadcast.Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cfg     config.AutoPlayConfig
	enabled bool
	budget  int // starts left in the current window, 0 means unlimited
	window  string
	pending map[string]struct{}

	// evalMu serialises evaluations so a slot is never counted twice
	evalMu sync.Mutex
	kick   chan struct{}
}

// New creates an AutoPlay scheduler. It starts enabled when the config says so.
func New(opts Options) *AutoPlay {
	if opts.Publisher == nil {
		opts.Publisher = broadcast.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &AutoPlay{
		tasks:    opts.Tasks,
		starter:  opts.Starter,
		capacity: opts.Capacity,
		usage:    opts.Usage,
		agents:   opts.Agents,
		bus:      opts.Bus,
		pub:      opts.Publisher,
		logger:   opts.Logger,
		now:      opts.Now,
		cfg:      opts.Config,
		enabled:  opts.Config.Enabled,
		pending:  make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
	}
}

// Enabled reports whether auto-play is on
func (a *AutoPlay) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// SetEnabled switches auto-play on or off
func (a *AutoPlay) SetEnabled(enabled bool) {
	reason := "disabled by user"
	if enabled {
		reason = "enabled by user"
	}
	a.mu.Lock()
	a.budget = 0
	a.window = ""
	a.mu.Unlock()
	a.setEnabled(enabled, reason)
}

// EnableWindow switches auto-play on for a named window that admits at most
// maxStarts tasks (0 for no cap). It switches itself off when the budget is spent.
func (a *AutoPlay) EnableWindow(name string, maxStarts int) {
	a.mu.Lock()
	a.budget = maxStarts
	a.window = name
	a.mu.Unlock()
	a.setEnabled(true, "window "+name+" opened")
}

// CloseWindow switches auto-play off if it is still running for the named window
func (a *AutoPlay) CloseWindow(name string) {
	a.mu.Lock()
	current := a.window == name
	if current {
		a.window = ""
		a.budget = 0
	}
	a.mu.Unlock()
	if current {
		a.setEnabled(false, "window "+name+" closed")
	}
}

// Window returns the name of the active window, if any
func (a *AutoPlay) Window() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.window
}

func (a *AutoPlay) setEnabled(enabled bool, reason string) {
	a.mu.Lock()
	changed := a.enabled != enabled
	a.enabled = enabled
	a.mu.Unlock()

	if !changed {
		return
	}
	a.logger.Info("auto-play changed", "enabled", enabled, "reason", reason)
	a.pub.Publish(broadcast.TopicAutoPlayChanged, broadcast.AutoPlayChanged{Enabled: enabled, Reason: reason})
	if enabled {
		a.Trigger()
	}
}

// Reconfigure applies a reloaded auto-play config. The enabled flag is left alone.
func (a *AutoPlay) Reconfigure(cfg config.AutoPlayConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

func (a *AutoPlay) config() config.AutoPlayConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Pending returns how many tasks are chosen but not yet started
func (a *AutoPlay) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Trigger asks the run loop for an evaluation
func (a *AutoPlay) Trigger() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run evaluates on every tick, status change and trigger until ctx is done
func (a *AutoPlay) Run(ctx context.Context) error {
	var changes <-chan broadcast.Event
	if a.bus != nil {
		sub := a.bus.Subscribe(broadcast.TopicTaskStatusChanged)
		defer a.bus.Unsubscribe(sub)
		changes = sub.Ch()
	}

	interval := a.tickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-changes:
		case <-a.kick:
		}

		if d := a.tickInterval(); d != interval {
			interval = d
			ticker.Reset(interval)
		}
		if !a.Enabled() {
			continue
		}
		if _, err := a.Evaluate(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("auto-play evaluation failed", "error", err)
		}
	}
}

func (a *AutoPlay) tickInterval() time.Duration {
	if d := a.config().TickInterval.Duration; d > 0 {
		return d
	}
	return 15 * time.Second
}

// Evaluate admits as many queued tasks as there are free slots and starts them.
// It returns the ids of the tasks that started.
func (a *AutoPlay) Evaluate(ctx context.Context) ([]string, error) {
	a.evalMu.Lock()
	defer a.evalMu.Unlock()

	if !a.Enabled() {
		return nil, nil
	}
	cfg := a.config()

	paused := a.usage.Check(a.now()).IsPaused
	if !paused && cfg.ResumePaused {
		a.unpauseLimited()
	}

	queued, err := a.tasks.ListTasks(taskstore.ListOptions{Status: domain.StatusQueued})
	if err != nil {
		return nil, err
	}
	executing, err := a.tasks.ListTasks(taskstore.ListOptions{
		Statuses: []domain.TaskStatus{domain.StatusAwaitingAgent, domain.StatusRunning},
	})
	if err != nil {
		return nil, err
	}
	inFlight := len(executing)
	if n := a.capacity.InFlight(); n > inFlight {
		inFlight = n
	}

	if len(queued) == 0 && inFlight == 0 && a.Pending() == 0 {
		waiting, err := a.waitingOnLimit(cfg)
		if err != nil {
			return nil, err
		}
		if !waiting {
			a.finishWindow("queue drained")
			return nil, nil
		}
	}
	if paused || len(queued) == 0 {
		return nil, nil
	}
	if pct, over := a.overThreshold(ctx, cfg); over {
		a.logger.Debug("auto-play holding back, usage above threshold", "usage_percent", pct)
		return nil, nil
	}

	slots := SlotsAvailable(a.capacity.MaxConcurrent(), inFlight, a.Pending())
	candidates := SelectCandidates(queued, a.limitToBudget(slots))
	if len(candidates) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	for _, t := range candidates {
		a.pending[t.ID] = struct{}{}
	}
	a.mu.Unlock()
	defer a.clearPending()

	if cfg.Debounce.Duration > 0 {
		timer := time.NewTimer(cfg.Debounce.Duration)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	// usage may have moved while we waited
	if a.usage.Check(a.now()).IsPaused {
		return nil, nil
	}
	if _, over := a.overThreshold(ctx, cfg); over {
		return nil, nil
	}

	var started []string
	for _, t := range candidates {
		if !a.Enabled() || ctx.Err() != nil {
			break
		}
		err := a.starter.Start(ctx, t.ID)
		a.mu.Lock()
		delete(a.pending, t.ID)
		a.mu.Unlock()

		if err != nil {
			a.logger.Warn("auto-play start failed", "task_id", t.ID, "error", err)
			if errors.Is(err, domain.ErrUsageLimited) || errors.Is(err, domain.ErrCapacityExceeded) {
				break
			}
			continue
		}
		started = append(started, t.ID)
		if a.spendBudget() {
			a.finishWindow("window task budget spent")
			break
		}
	}
	if len(started) > 0 {
		a.logger.Info("auto-play started tasks", "count", len(started), "slots", slots)
	}
	return started, nil
}

func (a *AutoPlay) clearPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.pending {
		delete(a.pending, id)
	}
}

// unpauseLimited requeues tasks that were paused by a rate or usage limit once
// their resume time has passed
func (a *AutoPlay) unpauseLimited() {
	paused, err := a.tasks.ListTasks(taskstore.ListOptions{Status: domain.StatusPaused})
	if err != nil {
		a.logger.Warn("listing paused tasks", "error", err)
		return
	}
	now := a.now()
	for _, t := range paused {
		if !t.PauseReason.IsLimit() {
			continue
		}
		if t.ResumeAfter != nil && now.Before(*t.ResumeAfter) {
			continue
		}
		if err := a.starter.Unpause(t.ID); err != nil {
			a.logger.Warn("requeueing paused task", "task_id", t.ID, "error", err)
			continue
		}
		a.logger.Info("requeued task paused by limit", "task_id", t.ID, "reason", t.PauseReason)
	}
}

// waitingOnLimit reports whether limit-paused tasks will come back on their own
func (a *AutoPlay) waitingOnLimit(cfg config.AutoPlayConfig) (bool, error) {
	if !cfg.ResumePaused {
		return false, nil
	}
	paused, err := a.tasks.ListTasks(taskstore.ListOptions{Status: domain.StatusPaused})
	if err != nil {
		return false, err
	}
	for _, t := range paused {
		if t.PauseReason.IsLimit() {
			return true, nil
		}
	}
	return false, nil
}

func (a *AutoPlay) overThreshold(ctx context.Context, cfg config.AutoPlayConfig) (float64, bool) {
	if cfg.UsageThresholdPercent <= 0 || a.agents == nil {
		return 0, false
	}
	adapter, err := a.agents.Resolve("")
	if err != nil {
		return 0, false
	}
	p := adapter.UsagePercentage(ctx)
	if p.Err != nil {
		// unknown usage does not block; the pre-flight check still runs per start
		return 0, false
	}
	pct := p.Max()
	return pct, pct >= cfg.UsageThresholdPercent
}

func (a *AutoPlay) limitToBudget(slots int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget > 0 && slots > a.budget {
		return a.budget
	}
	return slots
}

// spendBudget counts one start against the window budget and reports whether it ran out
func (a *AutoPlay) spendBudget() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget <= 0 {
		return false
	}
	a.budget--
	return a.budget == 0
}

func (a *AutoPlay) finishWindow(reason string) {
	a.mu.Lock()
	a.window = ""
	a.budget = 0
	a.mu.Unlock()
	a.setEnabled(false, reason)
}
