package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrProjectNotFound  = errors.New("project not found")
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrAlreadyRunning   = errors.New("task already has a live process")
	ErrCapacityExceeded = errors.New("concurrency limit reached")
	ErrUsageLimited     = errors.New("agent usage limit reached")
)

// ValidationError is returned when a request is rejected before any side effect
type ValidationError struct {
	TaskID string
	Status TaskStatus
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if msg == "" && e.Status != "" {
		msg = fmt.Sprintf("task is %s", e.Status)
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("task %s: %s", e.TaskID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UsageLimitError is returned when a start is refused because of a usage ceiling
type UsageLimitError struct {
	ResetAt *time.Time
	Message string
}

func (e *UsageLimitError) Error() string {
	msg := ErrUsageLimited.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.ResetAt != nil {
		msg += fmt.Sprintf(" (resets %s)", e.ResetAt.Format(time.RFC3339))
	}
	return msg
}

func (e *UsageLimitError) Is(target error) bool { return target == ErrUsageLimited }
