package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/agents"
	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

// authCheckTimeout bounds the credential check after a failed run
const authCheckTimeout = 30 * time.Second

// listener consumes one process's events
type listener struct {
	taskID      string
	projectID   string
	projectPath string
	iteration   int
	adapter     agents.Adapter
	handle      *executor.Handle
	sessionID   string
}

func (c *Coordinator) listen(task *domain.Task, project *domain.Project, adapter agents.Adapter, h *executor.Handle) {
	l := &listener{
		taskID:      task.ID,
		projectID:   task.ProjectID,
		projectPath: project.Path,
		iteration:   task.CurrentIteration,
		adapter:     adapter,
		handle:      h,
		sessionID:   task.SessionID,
	}
	c.mu.Lock()
	c.listeners[task.ID] = l
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range h.Events() {
			c.handleEvent(l, ev)
		}
		c.unregister(l)
	}()
}

func (c *Coordinator) unregister(l *listener) {
	if c.sup.Get(l.taskID) == l.handle {
		c.sup.Remove(l.taskID)
	}
	c.mu.Lock()
	if c.listeners[l.taskID] == l {
		delete(c.listeners, l.taskID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleEvent(l *listener, ev executor.Event) {
	switch ev.Type {
	case executor.EventOutput:
		c.onOutput(l, ev)
	case executor.EventRateLimited, executor.EventUsageLimited:
		c.onLimited(l, ev)
	case executor.EventCompleted:
		c.onCompleted(l, ev)
	case executor.EventFailed:
		c.onFailed(l, ev)
	case executor.EventCancelled:
		c.onCancelled(l, ev)
	case executor.EventTimedOut:
		c.onTimedOut(l, ev)
	}
}

func (c *Coordinator) onOutput(l *listener, ev executor.Event) {
	if ev.Entry == nil {
		return
	}
	if ev.Entry.SessionID != "" {
		l.sessionID = ev.Entry.SessionID
	}
	line := ev.Entry.Raw
	if line == "" {
		line = ev.Entry.Message
	}
	c.appendLog(l.projectID, l.taskID, l.iteration, line)
}

func (c *Coordinator) onLimited(l *listener, ev executor.Event) {
	reason := domain.PauseRateLimit
	if ev.Type == executor.EventUsageLimited {
		reason = domain.PauseUsageLimit
	}
	msg := ev.Message
	if msg == "" {
		msg = string(reason)
	}

	c.mu.Lock()
	pauseOnRate := c.pauseOnRateLimit
	backoff := c.rateBackoff
	c.mu.Unlock()

	// a rate limit without reset time still holds the task back for the backoff
	resumeAfter := ev.ResetAt
	if resumeAfter == nil && reason == domain.PauseRateLimit {
		t := c.now().Add(backoff)
		resumeAfter = &t
	}
	c.leaveRunning(l, domain.StatusPaused, "paused: "+msg, func(upd *domain.TaskUpdate) {
		upd.PauseReason = &reason
		upd.ErrorMessage = &msg
		if resumeAfter != nil {
			upd.ResumeAfter = resumeAfter
		}
	})

	switch {
	case reason == domain.PauseUsageLimit:
		c.usage.Pause(ev.ResetAt, l.taskID, msg)
	case pauseOnRate:
		c.usage.Pause(resumeAfter, l.taskID, msg)
	}
}

func (c *Coordinator) onCompleted(l *listener, ev executor.Event) {
	report := l.adapter.DetectIncompleteWork(l.handle.Output())
	if sid := domain.LastSessionID(l.handle.Output()); sid != "" {
		l.sessionID = sid
	}
	note := "completed"
	if report.Incomplete {
		note = "completed with incomplete work"
	}
	c.leaveRunning(l, domain.StatusNeedsReview, note, func(upd *domain.TaskUpdate) {
		upd.Incomplete = &report
		upd.FollowUp = domain.Ptr("")
	})
}

func (c *Coordinator) onFailed(l *listener, ev executor.Event) {
	msg := ev.Message
	if msg == "" && ev.Err != nil {
		msg = ev.Err.Error()
	}
	if msg == "" {
		msg = fmt.Sprintf("agent exited with status %d", ev.ExitCode)
	}
	if !c.leaveRunning(l, domain.StatusFailed, "failed: "+msg, func(upd *domain.TaskUpdate) {
		upd.ErrorMessage = &msg
	}) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authCheckTimeout)
	defer cancel()
	if st := l.adapter.ValidateAuth(ctx); !st.IsValid {
		errMsg := ""
		if st.Err != nil {
			errMsg = st.Err.Error()
		}
		c.logger.Warn("agent authentication invalid", "agent_id", l.adapter.ID(), "task_id", l.taskID, "error", errMsg)
		c.pub.Publish(broadcast.TopicAgentAuthChanged, broadcast.AgentAuthChanged{
			AgentID:        l.adapter.ID(),
			TaskID:         l.taskID,
			ProjectPath:    l.projectPath,
			IsValid:        false,
			RequiresReauth: st.RequiresReauth,
			Error:          errMsg,
			At:             c.now(),
		})
	}
}

func (c *Coordinator) onCancelled(l *listener, ev executor.Event) {
	// a limit already moved the task to paused; this transition then does not apply
	c.leaveRunning(l, domain.StatusCancelled, "cancelled", nil)
}

func (c *Coordinator) onTimedOut(l *listener, ev executor.Event) {
	msg := ev.Message
	if msg == "" {
		msg = fmt.Sprintf("exceeded maximum task duration of %s", ev.Timeout)
	}
	c.leaveRunning(l, domain.StatusFailed, "timed out", func(upd *domain.TaskUpdate) {
		upd.ErrorMessage = &msg
	})
}

// leaveRunning moves a running task to status to with runtime accounting. It does
// nothing and returns false when the task is no longer running.
func (c *Coordinator) leaveRunning(l *listener, to domain.TaskStatus, note string, extra func(*domain.TaskUpdate)) bool {
	task, ok, err := c.store.Transition(l.taskID, domain.StatusRunning, func(t *domain.Task) domain.TaskUpdate {
		upd := c.stopUpdate(t, to)
		if l.sessionID != "" {
			upd.SessionID = domain.Ptr(l.sessionID)
		}
		if extra != nil {
			extra(&upd)
		}
		return upd
	})
	if err != nil {
		c.logger.Error("persisting task transition", "task_id", l.taskID, "to", to, "error", err)
		return false
	}
	if !ok {
		c.logger.Debug("transition skipped", "task_id", l.taskID, "status", task.Status, "to", to)
		return false
	}
	c.logger.Info("task "+string(to), "task_id", l.taskID, "runtime_ms", task.RuntimeMs)
	c.appendLog(l.projectID, l.taskID, l.iteration, fmt.Sprintf("=== %s ===", note))
	c.publishStatus(task, domain.StatusRunning)
	return true
}

func (c *Coordinator) appendLog(projectID, taskID string, iteration int, text string) {
	if err := c.store.AppendIterationLog(projectID, taskID, iteration, text); err != nil {
		c.logger.Warn("appending iteration log", "task_id", taskID, "error", err)
	}
}
