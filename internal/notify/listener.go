package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// Subscriber delivers bus events. *broadcast.Bus implements it.
type Subscriber interface {
	SubscribeBuffered(topicPrefix string, size int) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// Watch forwards notable bus events to n until ctx is done
func Watch(ctx context.Context, bus Subscriber, n Notifier, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	status := bus.SubscribeBuffered(broadcast.TopicTaskStatusChanged, 64)
	defer bus.Unsubscribe(status)
	limits := bus.SubscribeBuffered(broadcast.TopicUsageLimitChanged, 8)
	defer bus.Unsubscribe(limits)
	auth := bus.SubscribeBuffered(broadcast.TopicAgentAuthChanged, 8)
	defer bus.Unsubscribe(auth)

	for {
		var ev broadcast.Event
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-status.Ch():
		case ev, ok = <-limits.Ch():
		case ev, ok = <-auth.Ch():
		}
		if !ok {
			return nil
		}
		note, send := FromEvent(ev)
		if !send {
			continue
		}
		if err := n.Send(note); err != nil {
			logger.Warn("sending notification failed", "title", note.Title, "error", err)
		}
	}
}

// FromEvent maps a bus event to a notification. Only events that need the
// user's attention produce one.
func FromEvent(ev broadcast.Event) (Notification, bool) {
	switch p := ev.Payload.(type) {
	case broadcast.TaskStatusChanged:
		return fromStatus(p)
	case broadcast.UsageLimitChanged:
		if !p.State.IsPaused {
			return Notification{Title: "Agent usage available again", Message: "Auto-play can start tasks.", Type: NotifyInfo}, true
		}
		msg := p.State.Reason
		if msg == "" {
			msg = "usage limit reached"
		}
		if p.State.ResumeAt != nil {
			msg += fmt.Sprintf(" (resumes %s)", p.State.ResumeAt.Local().Format(time.Kitchen))
		} else {
			msg += " (manual resume required)"
		}
		return Notification{
			Title:    "Agent usage paused",
			Message:  msg,
			Type:     NotifyWarning,
			TaskID:   p.State.TriggeredByTaskID,
			ResumeAt: p.State.ResumeAt,
		}, true
	case broadcast.AgentAuthChanged:
		if p.IsValid {
			return Notification{}, false
		}
		msg := fmt.Sprintf("%s needs to be re-authenticated", p.AgentID)
		if p.Error != "" {
			msg += ": " + p.Error
		}
		return Notification{
			Title:   "Agent login expired",
			Message: msg,
			Type:    NotifyError,
			TaskID:  p.TaskID,
			Project: p.ProjectPath,
			AgentID: p.AgentID,
		}, true
	}
	return Notification{}, false
}

func fromStatus(p broadcast.TaskStatusChanged) (Notification, bool) {
	n := Notification{Title: p.TaskID, TaskID: p.TaskID, Status: p.To}
	if t := p.Task; t != nil {
		n.Title = t.DisplayTitle()
		n.Message = t.ErrorMessage
		n.AgentID = t.AgentID
		n.PauseReason = t.PauseReason
		n.ResumeAt = t.ResumeAfter
		n.Runtime = time.Duration(t.RuntimeMs) * time.Millisecond
	}

	switch p.To {
	case domain.StatusNeedsReview:
		n.Type = NotifySuccess
		n.Message = "Ready for review"
		if p.Task != nil && p.Task.Incomplete != nil && p.Task.Incomplete.Incomplete {
			n.Message = "Ready for review, the agent left work unfinished"
		}
	case domain.StatusFailed:
		n.Type = NotifyError
		if n.Message == "" {
			n.Message = "Task failed"
		}
	case domain.StatusPaused:
		n.Type = NotifyWarning
		if n.Message == "" {
			n.Message = "Task paused"
		}
		n.Message = "Paused: " + n.Message
	default:
		return Notification{}, false
	}
	return n, true
}
