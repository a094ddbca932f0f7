package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hochfrequenz/agent-queue/internal/agents"
	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

// Start launches a queued task. Starting a task that is already awaiting its agent
// or running is a successful no-op.
func (c *Coordinator) Start(ctx context.Context, taskID string) error {
	task, err := c.store.LoadTask(taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return &domain.ValidationError{TaskID: taskID, Reason: "unknown task", Err: err}
		}
		return err
	}
	if task.AgentID != "" && !c.agents.Has(task.AgentID) {
		return &domain.ValidationError{TaskID: taskID, Reason: "agent " + task.AgentID, Err: domain.ErrUnknownAgent}
	}

	won, err := c.store.TransitionStatus(taskID, domain.StatusQueued, domain.StatusAwaitingAgent)
	if err != nil {
		return err
	}
	if !won {
		cur, err := c.store.LoadTask(taskID)
		if err != nil {
			return err
		}
		if cur.Status.IsExecuting() {
			return nil
		}
		return &domain.ValidationError{TaskID: taskID, Status: cur.Status, Reason: fmt.Sprintf("task is %s, not queued", cur.Status)}
	}
	from := task.Status
	task.Status = domain.StatusAwaitingAgent
	c.publishStatus(task, from)

	return c.launch(ctx, task)
}

// launch runs everything after the task was claimed. Every error either reverts
// the task to queued or fails it; it never stays in awaiting_agent.
func (c *Coordinator) launch(ctx context.Context, task *domain.Task) (err error) {
	reverted := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting task: %v", r)
		}
		if err != nil && !reverted {
			c.failStart(task, err)
		}
	}()
	revert := func(cause error) error {
		reverted = true
		c.revertToQueued(task, cause)
		return cause
	}

	project, err := c.store.LoadProject(task.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}
	workDir, err := resolveWorkDir(project)
	if err != nil {
		return err
	}

	res, err := c.sup.Reserve()
	if err != nil {
		return revert(err)
	}
	// no-op once the reservation was handed to a process
	defer res.Release()

	if st := c.usage.Check(c.now()); st.IsPaused {
		return revert(&domain.UsageLimitError{ResetAt: st.ResumeAt, Message: st.Reason})
	}

	adapter, err := c.agents.Resolve(task.AgentID)
	if err != nil {
		return err
	}
	if !adapter.IsAvailable(ctx) {
		return fmt.Errorf("agent %s is not available: executable not found", adapter.ID())
	}

	if check := adapter.CheckUsageLimits(ctx); !check.CanProceed {
		c.usage.Pause(check.ResetAt, task.ID, check.Message)
		return revert(&domain.UsageLimitError{ResetAt: check.ResetAt, Message: check.Message})
	}

	prompt, err := BuildPrompt(c.prompts, task, project)
	if err != nil {
		return fmt.Errorf("building prompt: %w", err)
	}
	inv, err := adapter.BuildInvocation(agents.InvocationRequest{
		TaskID:       task.ID,
		Iteration:    task.CurrentIteration,
		Prompt:       prompt,
		WorkDir:      workDir,
		Model:        task.Model,
		ThinkingMode: task.ThinkingMode,
		SessionID:    task.SessionID,
		Resume:       task.SessionID != "",
	})
	if err != nil {
		return fmt.Errorf("building %s invocation: %w", adapter.ID(), err)
	}

	h, err := c.sup.Start(ctx, executor.StartRequest{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		AgentID:     adapter.ID(),
		Iteration:   task.CurrentIteration,
		Invocation:  inv,
		Reservation: res,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			return revert(err)
		}
		return fmt.Errorf("spawning %s: %w", adapter.ID(), err)
	}

	model := task.Model
	if model == "" {
		model = adapter.DefaultModel()
	}
	started := c.now()
	running, ok, err := c.store.Transition(task.ID, domain.StatusAwaitingAgent, func(*domain.Task) domain.TaskUpdate {
		st := domain.StatusRunning
		reset := domain.PauseNone
		return domain.TaskUpdate{
			Status:                  &st,
			AgentID:                 domain.Ptr(adapter.ID()),
			Model:                   &model,
			RunningSessionStartedAt: &started,
			ErrorMessage:            domain.Ptr(""),
			PauseReason:             &reset,
			ClearResumeAfter:        true,
			ClearIncomplete:         true,
		}
	})
	if err == nil && !ok {
		err = fmt.Errorf("task left awaiting_agent while spawning (now %s)", running.Status)
	}
	if err != nil {
		// the listener still owns the handle and cleans it up after the cancel
		c.listen(task, project, adapter, h)
		c.sup.Cancel(task.ID)
		return err
	}

	c.logger.Info("task started",
		"task_id", task.ID,
		"agent_id", adapter.ID(),
		"model", model,
		"iteration", task.CurrentIteration,
		"pid", h.PID())
	c.appendLog(task.ProjectID, task.ID, task.CurrentIteration,
		fmt.Sprintf("=== iteration %d started %s (agent %s) ===", task.CurrentIteration, started.Format("2006-01-02 15:04:05"), adapter.ID()))
	c.publishStatus(running, domain.StatusAwaitingAgent)
	c.listen(running, project, adapter, h)
	return nil
}

func resolveWorkDir(p *domain.Project) (string, error) {
	dir := config.ExpandPath(p.Path)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("project %s working directory: %w", p.Name, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project %s working directory %s is not a directory", p.Name, dir)
	}
	return dir, nil
}

func (c *Coordinator) revertToQueued(task *domain.Task, cause error) {
	ok, err := c.store.TransitionStatus(task.ID, domain.StatusAwaitingAgent, domain.StatusQueued)
	if err != nil {
		c.logger.Error("reverting task to queued", "task_id", task.ID, "error", err)
		return
	}
	if ok {
		c.logger.Info("task stays queued", "task_id", task.ID, "reason", cause.Error())
		task.Status = domain.StatusQueued
		c.publishStatus(task, domain.StatusAwaitingAgent)
	}
}

func (c *Coordinator) failStart(task *domain.Task, cause error) {
	msg := cause.Error()
	updated, ok, err := c.store.Transition(task.ID, domain.StatusAwaitingAgent, func(*domain.Task) domain.TaskUpdate {
		st := domain.StatusFailed
		return domain.TaskUpdate{Status: &st, ErrorMessage: &msg}
	})
	if err != nil {
		c.logger.Error("failing task", "task_id", task.ID, "cause", msg, "error", err)
		return
	}
	if ok {
		c.logger.Warn("task failed to start", "task_id", task.ID, "error", msg)
		c.publishStatus(updated, domain.StatusAwaitingAgent)
	}
}
