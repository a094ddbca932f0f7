package scheduler

import (
	"sort"

	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// SelectCandidates returns up to slots queued tasks in FIFO order
func SelectCandidates(tasks []*domain.Task, slots int) []*domain.Task {
	if slots <= 0 {
		return nil
	}
	var queued []*domain.Task
	for _, t := range tasks {
		if t.Status == domain.StatusQueued {
			queued = append(queued, t)
		}
	}

	sort.SliceStable(queued, func(i, j int) bool {
		// 1. Queue position
		if queued[i].QueuePosition != queued[j].QueuePosition {
			return queued[i].QueuePosition < queued[j].QueuePosition
		}
		// 2. Age
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	if len(queued) > slots {
		queued = queued[:slots]
	}
	return queued
}

// SlotsAvailable computes how many tasks may be admitted. inFlight counts running
// and awaiting tasks, pending those chosen but not yet started.
func SlotsAvailable(maxConcurrent, inFlight, pending int) int {
	n := maxConcurrent - (inFlight + pending)
	if n < 0 {
		return 0
	}
	return n
}
