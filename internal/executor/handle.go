package executor

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// State is the lifecycle state of one supervised process
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsFinished reports whether the process has delivered its terminal event
func (s State) IsFinished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type stopReason int

const (
	stopNone stopReason = iota
	stopCancel
	stopTimeout
	stopLimit
)

// Handle is the in-memory record of one live agent process
type Handle struct {
	TaskID    string
	ProjectID string
	AgentID   string
	Iteration int
	StartedAt time.Time

	sup     *Supervisor
	inv     Invocation
	timeout time.Duration

	mu         sync.Mutex
	pid        int
	state      State
	output     []domain.OutputEntry
	lastOutput time.Time
	err        error
	exited     bool
	stopReason stopReason
	limit      *LimitSignal
	timer      *time.Timer
	killTimer  *time.Timer

	// sendMu orders emits and guards closed so nothing is sent after the terminal event
	sendMu sync.Mutex
	closed bool
	events chan Event
	done   chan struct{}
	finish sync.Once
}

// Events returns the handle's event channel. It is closed after the terminal event.
// Consumers must drain it; output delivery blocks when the buffer is full.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed once the terminal event has been emitted
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the OS process id, 0 before spawn
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// State returns the current process state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the failure cause of a finished process, if any
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Output returns a copy of the output log
func (h *Handle) Output() []domain.OutputEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.OutputEntry, len(h.output))
	copy(out, h.output)
	return out
}

// Timeout is the duration ceiling captured when the process started, 0 for none
func (h *Handle) Timeout() time.Duration {
	return h.timeout
}

// HandleInfo is a point-in-time view of a Handle for APIs and dashboards
type HandleInfo struct {
	TaskID      string        `json:"task_id"`
	ProjectID   string        `json:"project_id"`
	AgentID     string        `json:"agent_id"`
	Iteration   int           `json:"iteration"`
	PID         int           `json:"pid"`
	State       State         `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	Runtime     time.Duration `json:"runtime"`
	OutputLines int           `json:"output_lines"`
	LastOutput  time.Time     `json:"last_output,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Info returns a snapshot of the handle
func (h *Handle) Info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := HandleInfo{
		TaskID:      h.TaskID,
		ProjectID:   h.ProjectID,
		AgentID:     h.AgentID,
		Iteration:   h.Iteration,
		PID:         h.pid,
		State:       h.state,
		StartedAt:   h.StartedAt,
		Runtime:     time.Since(h.StartedAt),
		OutputLines: len(h.output),
		LastOutput:  h.lastOutput,
	}
	if h.err != nil {
		info.Error = h.err.Error()
	}
	return info
}

func (h *Handle) emit(ev Event) bool {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if h.closed {
		return false
	}
	ev.TaskID = h.TaskID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.events <- ev
	return true
}

func (h *Handle) readLines(r io.ReadCloser, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	// stream-json lines carry whole tool results
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		h.handleLine(scanner.Text(), stream)
	}
}

func (h *Handle) handleLine(line, stream string) {
	entry := h.inv.parse(line)
	entry.Stream = stream
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Raw == "" {
		entry.Raw = line
	}

	h.mu.Lock()
	h.output = append(h.output, entry)
	h.lastOutput = entry.Timestamp
	h.mu.Unlock()

	h.emit(Event{Type: EventOutput, Entry: &entry, At: entry.Timestamp})
	h.sup.pub.Publish(broadcast.TopicTaskOutput, broadcast.TaskOutput{
		TaskID:    h.TaskID,
		Iteration: h.Iteration,
		Entry:     entry,
	})

	h.checkLimit(entry)
}

func (h *Handle) checkLimit(entry domain.OutputEntry) {
	var sig LimitSignal
	var ok bool
	if h.inv.DetectLimit != nil {
		sig, ok = h.inv.DetectLimit(entry)
	}
	if !ok {
		sig, ok = DetectLimit(entry)
	}
	if !ok {
		return
	}

	h.mu.Lock()
	if h.limit != nil || h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	h.limit = &sig
	h.mu.Unlock()

	evType := EventRateLimited
	if sig.Kind == LimitUsage {
		evType = EventUsageLimited
	}
	h.sup.logger.Warn("agent reported limit", "task_id", h.TaskID, "kind", sig.Kind, "message", sig.Message)
	h.emit(Event{Type: evType, ResetAt: sig.ResetAt, Message: sig.Message})
	h.terminate(stopLimit)
}

// terminate sends SIGTERM and schedules SIGKILL after the grace period.
// The first reason wins.
func (h *Handle) terminate(reason stopReason) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning || h.exited {
		return false
	}
	if h.stopReason != stopNone {
		return true
	}
	h.stopReason = reason
	if h.timer != nil {
		h.timer.Stop()
	}

	pid := h.pid
	if err := terminateProcess(pid); err != nil {
		h.sup.logger.Debug("SIGTERM failed", "task_id", h.TaskID, "pid", pid, "error", err)
	}
	grace := h.sup.killGracePeriod()
	h.killTimer = time.AfterFunc(grace, func() {
		h.mu.Lock()
		exited := h.exited
		h.mu.Unlock()
		if !exited {
			h.sup.logger.Warn("process ignored SIGTERM, killing", "task_id", h.TaskID, "pid", pid)
			killProcess(pid)
		}
	})
	return true
}

func (h *Handle) wait(cmd *exec.Cmd, pipes []io.Closer, readers *sync.WaitGroup) {
	err := cmd.Wait()

	h.mu.Lock()
	h.exited = true
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	// a grandchild can hold the pipes open after the agent exits
	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readersDone)
	}()
	select {
	case <-readersDone:
	case <-time.After(h.sup.killGracePeriod()):
		for _, p := range pipes {
			p.Close()
		}
		<-readersDone
	}

	h.finalize(h.classify(cmd, err))
}

func (h *Handle) classify(cmd *exec.Cmd, waitErr error) Event {
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	reason := h.stopReason
	h.mu.Unlock()

	switch {
	case waitErr == nil:
		// a natural exit 0 that races a cancel still counts as completed
		return Event{Type: EventCompleted, ExitCode: 0}
	case reason == stopLimit:
		return Event{Type: EventCancelled, ExitCode: exitCode, Limited: true, Message: "stopped after agent reported a limit"}
	case reason == stopCancel:
		return Event{Type: EventCancelled, ExitCode: exitCode, Message: "cancelled"}
	case reason == stopTimeout:
		return Event{
			Type:     EventTimedOut,
			ExitCode: exitCode,
			Timeout:  h.timeout,
			Err:      waitErr,
			Message:  "exceeded maximum task duration of " + h.timeout.String(),
		}
	default:
		msg := waitErr.Error()
		if detail := h.lastErrorLine(); detail != "" {
			msg += ": " + detail
		}
		return Event{Type: EventFailed, ExitCode: exitCode, Err: waitErr, Message: msg}
	}
}

// lastErrorLine finds the most recent error-looking output, errors usually come last
func (h *Handle) lastErrorLine() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.output) - 1; i >= 0 && i >= len(h.output)-50; i-- {
		e := h.output[i]
		if e.Type == domain.EntryError || e.Stream == "stderr" {
			if text := firstLine(e.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

// finalize emits the terminal event exactly once, frees the slot and closes the channel
func (h *Handle) finalize(ev Event) {
	h.finish.Do(func() {
		state := StateFailed
		switch ev.Type {
		case EventCompleted:
			state = StateCompleted
		case EventCancelled:
			state = StateCancelled
		}

		h.mu.Lock()
		h.state = state
		if ev.Err != nil {
			h.err = ev.Err
		}
		if h.timer != nil {
			h.timer.Stop()
		}
		h.mu.Unlock()

		h.sup.releaseActive()
		h.sup.logger.Info("agent process finished",
			"task_id", h.TaskID, "pid", h.PID(), "event", ev.Type, "exit_code", ev.ExitCode)

		h.emit(ev)
		h.sendMu.Lock()
		h.closed = true
		close(h.events)
		h.sendMu.Unlock()
		close(h.done)
	})
}
