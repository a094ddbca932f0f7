// Package lifecycle turns process events into durable task state.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/agents"
	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
	"github.com/hochfrequenz/agent-queue/internal/prompts"
	"github.com/hochfrequenz/agent-queue/internal/taskstore"
	"github.com/hochfrequenz/agent-queue/internal/usage"
)

// Store is the persistence the coordinator needs. *taskstore.Store implements it.
type Store interface {
	CreateTask(task *domain.Task) error
	LoadTask(id string) (*domain.Task, error)
	UpdateTaskFunc(id string, fn func(t *domain.Task) (*domain.TaskUpdate, error)) (*domain.Task, error)
	TransitionStatus(id string, from, to domain.TaskStatus) (bool, error)
	Transition(id string, from domain.TaskStatus, upd func(t *domain.Task) domain.TaskUpdate) (*domain.Task, bool, error)
	ListTasks(opts taskstore.ListOptions) ([]*domain.Task, error)
	NextQueuePosition() (int, error)
	LoadProject(id string) (*domain.Project, error)
	AppendIterationLog(projectID, taskID string, iteration int, text string) error
}

// Options configures a Coordinator
type Options struct {
	Store      Store
	Supervisor *executor.Supervisor
	Agents     *agents.Registry
	Usage      *usage.Coordinator
	Publisher  broadcast.Publisher
	Logger     *slog.Logger
	Now        func() time.Time
	Prompts    *prompts.Loader // defaults to prompts.DefaultLoader()

	// PauseGlobalOnRateLimit also pauses the usage coordinator when a run is rate limited
	PauseGlobalOnRateLimit bool
	// RateLimitBackoff is the global pause used for rate limits that carry no reset time
	RateLimitBackoff time.Duration
}

// Coordinator owns task state transitions around agent runs
type Coordinator struct {
	store   Store
	sup     *executor.Supervisor
	agents  *agents.Registry
	usage   *usage.Coordinator
	pub     broadcast.Publisher
	logger  *slog.Logger
	now     func() time.Time
	prompts *prompts.Loader

	mu               sync.Mutex
	listeners        map[string]*listener
	pauseOnRateLimit bool
	rateBackoff      time.Duration

	wg sync.WaitGroup
}

// New creates a Coordinator
func New(opts Options) *Coordinator {
	if opts.Publisher == nil {
		opts.Publisher = broadcast.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Usage == nil {
		opts.Usage = usage.NewCoordinator(opts.Publisher, opts.Logger)
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.DefaultLoader()
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = 5 * time.Minute
	}
	return &Coordinator{
		store:            opts.Store,
		sup:              opts.Supervisor,
		agents:           opts.Agents,
		usage:            opts.Usage,
		pub:              opts.Publisher,
		logger:           opts.Logger,
		now:              opts.Now,
		prompts:          opts.Prompts,
		listeners:        make(map[string]*listener),
		pauseOnRateLimit: opts.PauseGlobalOnRateLimit,
		rateBackoff:      opts.RateLimitBackoff,
	}
}

// Supervisor returns the process supervisor the coordinator drives
func (c *Coordinator) Supervisor() *executor.Supervisor { return c.sup }

// Usage returns the usage-limit coordinator
func (c *Coordinator) Usage() *usage.Coordinator { return c.usage }

// Agents returns the adapter registry
func (c *Coordinator) Agents() *agents.Registry { return c.agents }

// Limits are the reconfigurable execution ceilings
type Limits struct {
	MaxConcurrent          int
	MaxTaskDuration        time.Duration
	PauseGlobalOnRateLimit bool
}

// Reconfigure applies new limits. Running processes keep the timeout they started with.
func (c *Coordinator) Reconfigure(l Limits) {
	if l.MaxConcurrent > 0 {
		c.sup.SetMaxConcurrent(l.MaxConcurrent)
	}
	c.sup.SetMaxTaskDuration(l.MaxTaskDuration)

	c.mu.Lock()
	c.pauseOnRateLimit = l.PauseGlobalOnRateLimit
	c.mu.Unlock()

	c.logger.Info("execution limits updated",
		"max_concurrent", c.sup.MaxConcurrent(),
		"max_task_duration", l.MaxTaskDuration.String(),
		"pause_global_on_rate_limit", l.PauseGlobalOnRateLimit)
}

// NewTask describes a task to enqueue
type NewTask struct {
	ProjectID    string
	Title        string
	Prompt       string
	AgentID      string
	Model        string
	ThinkingMode domain.ThinkingMode
	Backlog      bool // park the task in the backlog instead of the queue
}

// Enqueue creates a task at the end of the queue
func (c *Coordinator) Enqueue(ctx context.Context, nt NewTask) (*domain.Task, error) {
	if nt.Prompt == "" {
		return nil, &domain.ValidationError{Reason: "prompt is required"}
	}
	if _, err := c.store.LoadProject(nt.ProjectID); err != nil {
		return nil, &domain.ValidationError{Reason: "unknown project " + nt.ProjectID, Err: err}
	}
	if nt.AgentID != "" && !c.agents.Has(nt.AgentID) {
		return nil, &domain.ValidationError{Reason: "agent " + nt.AgentID, Err: domain.ErrUnknownAgent}
	}

	pos, err := c.store.NextQueuePosition()
	if err != nil {
		return nil, err
	}
	status := domain.StatusQueued
	if nt.Backlog {
		status = domain.StatusBacklog
	}
	task := &domain.Task{
		ProjectID:     nt.ProjectID,
		Title:         nt.Title,
		Prompt:        nt.Prompt,
		AgentID:       nt.AgentID,
		Model:         nt.Model,
		ThinkingMode:  nt.ThinkingMode,
		Status:        status,
		QueuePosition: pos,
	}
	if err := c.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	c.logger.Info("task enqueued", "task_id", task.ID, "project_id", task.ProjectID, "status", task.Status)
	c.publishStatus(task, "")
	return task, nil
}

// Promote moves a backlog task into the queue
func (c *Coordinator) Promote(taskID string) error {
	return c.simpleTransition(taskID, domain.StatusBacklog, domain.StatusQueued, nil)
}

// Review records the reviewer's verdict on a finished run
func (c *Coordinator) Review(taskID string, accept bool) error {
	to := domain.StatusRejected
	if accept {
		to = domain.StatusAccepted
	}
	return c.simpleTransition(taskID, domain.StatusNeedsReview, to, nil)
}

// Cancel stops the task's live process. It reports false when there was none;
// the task's status then stays as it is.
func (c *Coordinator) Cancel(taskID string) (bool, error) {
	if _, err := c.store.LoadTask(taskID); err != nil {
		return false, err
	}
	ok := c.sup.Cancel(taskID)
	if ok {
		c.logger.Info("cancel requested", "task_id", taskID)
	}
	return ok, nil
}

// Unpause moves a paused task back into the queue, keeping its session, runtime
// and iteration
func (c *Coordinator) Unpause(taskID string) error {
	reset := domain.PauseNone
	return c.simpleTransition(taskID, domain.StatusPaused, domain.StatusQueued, &domain.TaskUpdate{
		PauseReason:      &reset,
		ClearResumeAfter: true,
		ErrorMessage:     domain.Ptr(""),
	})
}

// Resume moves a paused task back into the queue and starts it
func (c *Coordinator) Resume(ctx context.Context, taskID string) error {
	if err := c.Unpause(taskID); err != nil {
		return err
	}
	return c.Start(ctx, taskID)
}

// Requeue starts a new iteration of a finished task. followUp, when not empty, is
// sent to the agent instead of the original prompt and the last session is resumed.
func (c *Coordinator) Requeue(ctx context.Context, taskID, followUp string) error {
	pos, err := c.store.NextQueuePosition()
	if err != nil {
		return err
	}
	var from domain.TaskStatus
	task, err := c.store.UpdateTaskFunc(taskID, func(t *domain.Task) (*domain.TaskUpdate, error) {
		if !t.Status.CanRequeue() {
			return nil, &domain.ValidationError{TaskID: taskID, Status: t.Status, Reason: fmt.Sprintf("cannot requeue a %s task", t.Status)}
		}
		from = t.Status
		queued := domain.StatusQueued
		reset := domain.PauseNone
		return &domain.TaskUpdate{
			Status:           &queued,
			FollowUp:         &followUp,
			CurrentIteration: domain.Ptr(t.CurrentIteration + 1),
			QueuePosition:    &pos,
			ErrorMessage:     domain.Ptr(""),
			PauseReason:      &reset,
			ClearResumeAfter: true,
			ClearIncomplete:  true,
		}, nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("task requeued", "task_id", taskID, "iteration", task.CurrentIteration)
	c.publishStatus(task, from)
	return nil
}

// RecoverOrphans fails tasks left executing by a previous process. Call it once
// before the first Start.
func (c *Coordinator) RecoverOrphans() (int, error) {
	tasks, err := c.store.ListTasks(taskstore.ListOptions{
		Statuses: []domain.TaskStatus{domain.StatusAwaitingAgent, domain.StatusRunning},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if c.sup.Get(t.ID) != nil {
			continue
		}
		updated, ok, err := c.store.Transition(t.ID, t.Status, func(cur *domain.Task) domain.TaskUpdate {
			upd := c.stopUpdate(cur, domain.StatusFailed)
			upd.ErrorMessage = domain.Ptr("orchestrator stopped while the task was " + string(cur.Status))
			return upd
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
			c.logger.Warn("recovered orphaned task", "task_id", t.ID, "status", t.Status)
			c.publishStatus(updated, t.Status)
		}
	}
	return n, nil
}

// ReapStale finalises supervisor handles whose process died without a terminal
// event. Their listeners then run the usual terminal handling.
func (c *Coordinator) ReapStale() []string {
	ids := c.sup.CleanupStale()
	for _, id := range ids {
		c.logger.Warn("reaped stale process", "task_id", id)
	}
	return ids
}

// Listening reports whether a handler is attached to the task's process
func (c *Coordinator) Listening(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.listeners[taskID]
	return ok
}

// Shutdown cancels all live processes and waits for their handlers to finish
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if n := c.sup.CancelAll(); n > 0 {
		c.logger.Info("cancelling running tasks", "count", n)
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) simpleTransition(taskID string, from, to domain.TaskStatus, extra *domain.TaskUpdate) error {
	task, ok, err := c.store.Transition(taskID, from, func(*domain.Task) domain.TaskUpdate {
		var upd domain.TaskUpdate
		if extra != nil {
			upd = *extra
		}
		upd.Status = &to
		return upd
	})
	if err != nil {
		return err
	}
	if !ok {
		return &domain.ValidationError{TaskID: taskID, Status: task.Status, Reason: fmt.Sprintf("task is %s, not %s", task.Status, from)}
	}
	c.publishStatus(task, from)
	return nil
}

// stopUpdate leaves the running segment: runtime is accumulated and the
// segment start cleared
func (c *Coordinator) stopUpdate(t *domain.Task, to domain.TaskStatus) domain.TaskUpdate {
	upd := domain.TaskUpdate{Status: &to}
	if t.RunningSessionStartedAt != nil {
		elapsed := c.now().Sub(*t.RunningSessionStartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		upd.RuntimeMs = domain.Ptr(t.RuntimeMs + elapsed.Milliseconds())
		upd.ClearRunningSessionStartedAt = true
	}
	return upd
}

func (c *Coordinator) publishStatus(task *domain.Task, from domain.TaskStatus) {
	c.pub.Publish(broadcast.TopicTaskStatusChanged, broadcast.TaskStatusChanged{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		From:      from,
		To:        task.Status,
		Task:      task,
	})
}
