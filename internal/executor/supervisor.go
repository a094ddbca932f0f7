// Package executor supervises agent subprocesses: it enforces the concurrency
// ceiling, streams their output, enforces timeouts and reports exactly one
// terminal event per process.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
)

const defaultEventBuffer = 256

// Options configures a Supervisor
type Options struct {
	MaxConcurrent   int
	MaxTaskDuration time.Duration // 0 disables the timeout
	KillGracePeriod time.Duration
	Publisher       broadcast.Publisher
	Logger          *slog.Logger
}

// Supervisor owns all live agent processes
type Supervisor struct {
	mu              sync.Mutex
	handles         map[string]*Handle
	maxConcurrent   int
	maxTaskDuration time.Duration
	grace           time.Duration // immutable
	active          int           // spawned processes that have not delivered their terminal event
	reserved        int

	pub    broadcast.Publisher
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor
func NewSupervisor(opts Options) *Supervisor {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.KillGracePeriod <= 0 {
		opts.KillGracePeriod = 10 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = broadcast.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		handles:         make(map[string]*Handle),
		maxConcurrent:   opts.MaxConcurrent,
		maxTaskDuration: opts.MaxTaskDuration,
		grace:           opts.KillGracePeriod,
		pub:             opts.Publisher,
		logger:          opts.Logger,
	}
}

type reservationState int

const (
	reservationHeld reservationState = iota
	reservationUsed
	reservationReleased
)

// Reservation is a concurrency slot taken before spawning
type Reservation struct {
	sup   *Supervisor
	state reservationState // guarded by sup.mu
}

// Release returns an unused slot. It is a no-op once the slot was handed to a
// process or already released.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.sup.mu.Lock()
	defer r.sup.mu.Unlock()
	if r.state == reservationHeld {
		r.state = reservationReleased
		r.sup.reserved--
	}
}

// Reserve atomically takes a concurrency slot
func (s *Supervisor) Reserve() (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active+s.reserved >= s.maxConcurrent {
		return nil, fmt.Errorf("%d of %d slots in use: %w", s.active+s.reserved, s.maxConcurrent, domain.ErrCapacityExceeded)
	}
	s.reserved++
	return &Reservation{sup: s}, nil
}

// CanStartNew reports whether a slot is free right now
func (s *Supervisor) CanStartNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active+s.reserved < s.maxConcurrent
}

// InFlight returns the number of occupied slots, live processes plus reservations
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active + s.reserved
}

// MaxConcurrent returns the current ceiling
func (s *Supervisor) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// SetMaxConcurrent changes the ceiling. Running processes are never stopped by a lower value.
func (s *Supervisor) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConcurrent = n
}

// MaxTaskDuration returns the timeout applied to newly started processes
func (s *Supervisor) MaxTaskDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTaskDuration
}

// SetMaxTaskDuration changes the timeout for processes started from now on
func (s *Supervisor) SetMaxTaskDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTaskDuration = d
}

// grace is fixed at construction, so this needs no lock and may be called with a handle locked
func (s *Supervisor) killGracePeriod() time.Duration {
	return s.grace
}

func (s *Supervisor) releaseActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
}

// StartRequest describes one process to spawn
type StartRequest struct {
	TaskID      string
	ProjectID   string
	AgentID     string
	Iteration   int
	Invocation  Invocation
	Reservation *Reservation
}

// Start spawns the process for a task. The reservation is consumed on success and
// released on spawn failure.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Invocation.Path == "" {
		return nil, errors.New("invocation has no executable")
	}

	s.mu.Lock()
	if existing, ok := s.handles[req.TaskID]; ok && !existing.State().IsFinished() {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", req.TaskID, domain.ErrAlreadyRunning)
	}
	r := req.Reservation
	if r == nil || r.sup != s || r.state != reservationHeld {
		s.mu.Unlock()
		return nil, fmt.Errorf("no reservation for task %s: %w", req.TaskID, domain.ErrCapacityExceeded)
	}
	r.state = reservationUsed
	s.reserved--
	s.active++

	h := &Handle{
		TaskID:    req.TaskID,
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		Iteration: req.Iteration,
		StartedAt: time.Now(),
		sup:       s,
		inv:       req.Invocation,
		timeout:   s.maxTaskDuration,
		state:     StateStarting,
		events:    make(chan Event, defaultEventBuffer),
		done:      make(chan struct{}),
	}
	// registered before spawning so a concurrent Start for the same task is refused
	s.handles[req.TaskID] = h
	s.mu.Unlock()

	if err := s.spawn(h); err != nil {
		s.mu.Lock()
		if s.handles[req.TaskID] == h {
			delete(s.handles, req.TaskID)
		}
		s.active--
		s.mu.Unlock()
		return nil, err
	}
	return h, nil
}

func (s *Supervisor) spawn(h *Handle) error {
	inv := h.inv
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	setProcessGroup(cmd)

	// own pipes rather than StdoutPipe so Wait can reap the process while readers drain
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("starting %s: %w", inv.Path, err)
	}
	stdoutW.Close()
	stderrW.Close()

	h.mu.Lock()
	h.pid = cmd.Process.Pid
	h.state = StateRunning
	if h.timeout > 0 {
		timeout := h.timeout
		h.timer = time.AfterFunc(timeout, func() {
			if h.terminate(stopTimeout) {
				s.logger.Warn("task exceeded max duration", "task_id", h.TaskID, "timeout", timeout)
			}
		})
	}
	h.mu.Unlock()

	s.logger.Info("agent process started",
		"task_id", h.TaskID, "agent_id", h.AgentID, "pid", h.pid, "iteration", h.Iteration)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readLines(stdoutR, "stdout", &readers)
	go h.readLines(stderrR, "stderr", &readers)
	go h.wait(cmd, []io.Closer{stdoutR, stderrR}, &readers)
	return nil
}

// Cancel signals the task's live process. It reports whether a process was found.
func (s *Supervisor) Cancel(taskID string) bool {
	h := s.Get(taskID)
	if h == nil {
		return false
	}
	if h.terminate(stopCancel) {
		s.logger.Info("cancelling agent process", "task_id", taskID, "pid", h.PID())
		return true
	}
	return false
}

// CancelAll signals every live process and returns how many were signalled
func (s *Supervisor) CancelAll() int {
	n := 0
	for _, h := range s.List() {
		if h.terminate(stopCancel) {
			n++
		}
	}
	return n
}

// Wait blocks until every handle has delivered its terminal event or ctx is done
func (s *Supervisor) Wait(ctx context.Context) error {
	for _, h := range s.List() {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CleanupStale finalises handles whose process is gone without a terminal event
// and returns their task ids
func (s *Supervisor) CleanupStale() []string {
	var stale []string
	for _, h := range s.List() {
		h.mu.Lock()
		running := h.state == StateRunning
		exited := h.exited
		pid := h.pid
		h.mu.Unlock()
		// once reaped, the wait goroutine classifies the exit itself
		if !running || exited || processAlive(pid) {
			continue
		}
		h.mu.Lock()
		exited = h.exited
		h.mu.Unlock()
		if !exited {
			s.logger.Warn("finalising stale agent process", "task_id", h.TaskID, "pid", pid)
			h.finalize(Event{
				Type:     EventFailed,
				ExitCode: -1,
				Err:      errors.New("process exited without reporting status"),
				Message:  "agent process exited without reporting status",
			})
			stale = append(stale, h.TaskID)
		}
	}
	return stale
}

// Remove drops a finished handle from the table. Live handles are kept.
func (s *Supervisor) Remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[taskID]
	if !ok || !h.State().IsFinished() {
		return false
	}
	delete(s.handles, taskID)
	return true
}

// Get returns the handle for a task, nil when none exists
func (s *Supervisor) Get(taskID string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[taskID]
}

// List returns all handles ordered by start time
func (s *Supervisor) List() []*Handle {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].StartedAt.Before(handles[j].StartedAt)
	})
	return handles
}

// RunningCount returns the number of handles whose process is live
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
