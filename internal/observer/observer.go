// Package observer collects runtime metrics from the event bus and flags
// agent processes that stopped producing output.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
)

// Observer monitors agent execution and collects metrics
type Observer struct {
	stuckThreshold time.Duration
	metrics        *Metrics
	now            func() time.Time

	mu          sync.RWMutex
	completions []completion // recent only, see pruneCompletions
	totals      Summary
	timedTotal  time.Duration
	timed       int
	runningAt   map[string]time.Time
	stuck       map[string]bool
}

const (
	completionRetention = 24 * time.Hour
	maxCompletions      = 1000
)

type completion struct {
	TaskID      string
	Status      domain.TaskStatus
	Duration    time.Duration
	CompletedAt time.Time
}

// Summary holds aggregated metrics
type Summary struct {
	TotalCompleted int           `json:"total_completed"`
	TotalFailed    int           `json:"total_failed"`
	TotalCancelled int           `json:"total_cancelled"`
	TotalPaused    int           `json:"total_paused"`
	Running        int           `json:"running"`
	AvgDuration    time.Duration `json:"avg_duration"`
}

// New creates a new Observer. metrics may be nil.
func New(stuckThreshold time.Duration, metrics *Metrics) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		metrics:        metrics,
		now:            time.Now,
		runningAt:      make(map[string]time.Time),
		stuck:          make(map[string]bool),
	}
}

// IsStuck reports whether a running process has been silent longer than the threshold
func (o *Observer) IsStuck(info executor.HandleInfo) bool {
	if o.stuckThreshold <= 0 || info.State != executor.StateRunning {
		return false
	}
	last := info.LastOutput
	if last.IsZero() {
		last = info.StartedAt
	}
	if last.IsZero() {
		return false
	}
	return o.now().Sub(last) > o.stuckThreshold
}

// CheckStuck returns the handles that look stuck. A handle is counted in the
// metrics once per stuck period.
func (o *Observer) CheckStuck(infos []executor.HandleInfo) []executor.HandleInfo {
	var stuck []executor.HandleInfo
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, info := range infos {
		if !o.IsStuck(info) {
			delete(o.stuck, info.TaskID)
			continue
		}
		stuck = append(stuck, info)
		if !o.stuck[info.TaskID] {
			o.stuck[info.TaskID] = true
			o.metrics.stuck(info.AgentID)
		}
	}
	return stuck
}

// RecordTransition folds one status change into the metrics
func (o *Observer) RecordTransition(ev broadcast.TaskStatusChanged) {
	now := o.now()
	agentID := ""
	if ev.Task != nil {
		agentID = ev.Task.AgentID
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if ev.To == domain.StatusRunning {
		o.runningAt[ev.TaskID] = now
		o.metrics.started(agentID)
		return
	}
	if ev.From != domain.StatusRunning {
		return
	}

	started, ok := o.runningAt[ev.TaskID]
	delete(o.runningAt, ev.TaskID)
	delete(o.stuck, ev.TaskID)
	var d time.Duration
	if ok {
		d = now.Sub(started)
	}
	o.completions = append(o.completions, completion{
		TaskID:      ev.TaskID,
		Status:      ev.To,
		Duration:    d,
		CompletedAt: now,
	})
	o.pruneCompletions(now)

	switch ev.To {
	case domain.StatusNeedsReview:
		o.totals.TotalCompleted++
		o.timedTotal += d
		o.timed++
	case domain.StatusFailed:
		o.totals.TotalFailed++
	case domain.StatusCancelled:
		o.totals.TotalCancelled++
	case domain.StatusPaused:
		o.totals.TotalPaused++
	}
	o.metrics.finished(agentID, ev.To, d)
}

// pruneCompletions drops entries older than the retention and caps the rest
func (o *Observer) pruneCompletions(now time.Time) {
	cutoff := now.Add(-completionRetention)
	i := 0
	for i < len(o.completions) && o.completions[i].CompletedAt.Before(cutoff) {
		i++
	}
	if n := len(o.completions) - i; n > maxCompletions {
		i += n - maxCompletions
	}
	if i > 0 {
		o.completions = append(o.completions[:0], o.completions[i:]...)
	}
}

// RecordUsageLimit counts a global usage pause
func (o *Observer) RecordUsageLimit(state domain.UsageLimitState) {
	if state.IsPaused {
		o.metrics.usagePaused()
	}
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := o.totals
	s.Running = len(o.runningAt)
	if o.timed > 0 {
		s.AvgDuration = o.timedTotal / time.Duration(o.timed)
	}
	return s
}

// GetRecentCompletions returns tasks that left running within the last duration.
// Only the last 24 hours are kept.
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string
	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.TaskID)
		}
	}
	return result
}

// Subscriber delivers bus events. *broadcast.Bus implements it.
type Subscriber interface {
	SubscribeBuffered(topicPrefix string, size int) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// Watch records bus events until ctx is done
func (o *Observer) Watch(ctx context.Context, bus Subscriber) error {
	status := bus.SubscribeBuffered(broadcast.TopicTaskStatusChanged, 256)
	defer bus.Unsubscribe(status)
	limits := bus.SubscribeBuffered(broadcast.TopicUsageLimitChanged, 8)
	defer bus.Unsubscribe(limits)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-status.Ch():
			if !ok {
				return nil
			}
			if p, ok := ev.Payload.(broadcast.TaskStatusChanged); ok {
				o.RecordTransition(p)
			}
		case ev, ok := <-limits.Ch():
			if !ok {
				return nil
			}
			if p, ok := ev.Payload.(broadcast.UsageLimitChanged); ok {
				o.RecordUsageLimit(p.State)
			}
		}
	}
}
