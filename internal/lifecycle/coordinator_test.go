package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/agents"
	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/executor"
	"github.com/hochfrequenz/agent-queue/internal/prompts"
	"github.com/hochfrequenz/agent-queue/internal/taskstore"
	"github.com/hochfrequenz/agent-queue/internal/usage"
)

// fakeAdapter runs its script with /bin/sh. A "session:<id>" line reports a session
// and a line containing USAGE_LIMIT or RATE_LIMIT reports a limit.
type fakeAdapter struct {
	script      string
	env         []string
	unavailable bool
	usage       agents.UsageCheck
	auth        agents.AuthStatus
	resetAt     *time.Time

	mu          sync.Mutex
	usageChecks int
	builds      []agents.InvocationRequest
}

func newFakeAdapter(script string) *fakeAdapter {
	return &fakeAdapter{
		script: script,
		usage:  agents.UsageCheck{CanProceed: true},
		auth:   agents.AuthStatus{IsValid: true},
	}
}

func (f *fakeAdapter) ID() string                           { return "fake" }
func (f *fakeAdapter) IsAvailable(ctx context.Context) bool { return !f.unavailable }
func (f *fakeAdapter) ExecutablePath() (string, error)      { return "/bin/sh", nil }
func (f *fakeAdapter) DefaultModel() string                 { return "fake-model" }
func (f *fakeAdapter) Capabilities() agents.Capabilities {
	return agents.Capabilities{SessionResume: true}
}
func (f *fakeAdapter) ValidateAuth(ctx context.Context) agents.AuthStatus { return f.auth }

func (f *fakeAdapter) CheckUsageLimits(ctx context.Context) agents.UsageCheck {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageChecks++
	return f.usage
}

func (f *fakeAdapter) UsagePercentage(ctx context.Context) agents.UsagePercent {
	return agents.UsagePercent{}
}

func (f *fakeAdapter) TriggerReauth(ctx context.Context, projectPath string) agents.ReauthResult {
	return agents.ReauthResult{Success: true}
}

func (f *fakeAdapter) DetectIncompleteWork(entries []domain.OutputEntry) domain.IncompleteWork {
	for _, e := range entries {
		if strings.Contains(e.Raw, "TODO") {
			return domain.IncompleteWork{Incomplete: true, Reasons: []string{"left a TODO"}}
		}
	}
	return domain.IncompleteWork{}
}

func (f *fakeAdapter) BuildInvocation(req agents.InvocationRequest) (executor.Invocation, error) {
	f.mu.Lock()
	f.builds = append(f.builds, req)
	f.mu.Unlock()
	env := append([]string{fmt.Sprintf("ITERATION=%d", req.Iteration)}, f.env...)
	return executor.Invocation{
		Path:        "/bin/sh",
		Args:        []string{"-c", f.script},
		Env:         env,
		Dir:         req.WorkDir,
		Parse:       f.ParseLine,
		DetectLimit: f.DetectLimit,
	}, nil
}

func (f *fakeAdapter) ParseLine(line string) domain.OutputEntry {
	entry := domain.OutputEntry{Type: domain.EntryText, Raw: line}
	if sid, ok := strings.CutPrefix(line, "session:"); ok {
		entry.Type = domain.EntrySystem
		entry.SessionID = sid
	}
	return entry
}

func (f *fakeAdapter) DetectLimit(entry domain.OutputEntry) (executor.LimitSignal, bool) {
	switch {
	case strings.Contains(entry.Raw, "USAGE_LIMIT"):
		return executor.LimitSignal{Kind: executor.LimitUsage, ResetAt: f.resetAt, Message: "usage exhausted"}, true
	case strings.Contains(entry.Raw, "RATE_LIMIT"):
		return executor.LimitSignal{Kind: executor.LimitRate, Message: "slow down"}, true
	}
	return executor.LimitSignal{}, false
}

func (f *fakeAdapter) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.builds)
}

func (f *fakeAdapter) usageCheckCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usageChecks
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	c       *Coordinator
	store   *taskstore.Store
	sup     *executor.Supervisor
	usage   *usage.Coordinator
	bus     *broadcast.Bus
	adapter *fakeAdapter
	project *domain.Project
	clock   *testClock
}

func newTestEnv(t *testing.T, maxConcurrent int, adapter *fakeAdapter) *testEnv {
	t.Helper()
	store, err := taskstore.New(":memory:", t.TempDir())
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	project := &domain.Project{Name: "demo", Path: t.TempDir()}
	if err := store.UpsertProject(project); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}

	bus := broadcast.New()
	sup := executor.NewSupervisor(executor.Options{
		MaxConcurrent:   maxConcurrent,
		KillGracePeriod: 500 * time.Millisecond,
		Publisher:       bus,
	})
	reg := agents.NewRegistry("fake")
	reg.Register(adapter)
	u := usage.NewCoordinator(bus, nil)
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	c := New(Options{
		Store:      store,
		Supervisor: sup,
		Agents:     reg,
		Usage:      u,
		Publisher:  bus,
		Now:        clock.Now,
		Prompts:    prompts.NewLoader(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return &testEnv{c: c, store: store, sup: sup, usage: u, bus: bus, adapter: adapter, project: project, clock: clock}
}

func (e *testEnv) enqueue(t *testing.T, prompt string) *domain.Task {
	t.Helper()
	task, err := e.c.Enqueue(context.Background(), NewTask{ProjectID: e.project.ID, Prompt: prompt})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return task
}

func (e *testEnv) load(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := e.store.LoadTask(id)
	if err != nil {
		t.Fatalf("LoadTask: %v", err)
	}
	return task
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) waitStatus(t *testing.T, id string, want domain.TaskStatus) *domain.Task {
	t.Helper()
	var task *domain.Task
	waitFor(t, fmt.Sprintf("task %s to be %s", id, want), func() bool {
		task = e.load(t, id)
		return task.Status == want
	})
	return task
}

func (e *testEnv) waitDetached(t *testing.T, id string) {
	t.Helper()
	waitFor(t, "handler of "+id+" to detach", func() bool {
		return !e.c.Listening(id) && e.sup.Get(id) == nil
	})
}

func TestStart_CompletesToNeedsReview(t *testing.T) {
	env := newTestEnv(t, 2, newFakeAdapter(`echo session:abc; echo "all done"`))
	sub := env.bus.SubscribeBuffered(broadcast.TopicTaskStatusChanged, 32)
	task := env.enqueue(t, "fix the bug")

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := env.waitStatus(t, task.ID, domain.StatusNeedsReview)
	env.waitDetached(t, task.ID)

	if got.SessionID != "abc" {
		t.Errorf("SessionID = %q, want abc", got.SessionID)
	}
	if got.AgentID != "fake" || got.Model != "fake-model" {
		t.Errorf("agent/model = %s/%s, want fake/fake-model", got.AgentID, got.Model)
	}
	if got.RunningSessionStartedAt != nil {
		t.Error("RunningSessionStartedAt should be cleared")
	}
	if got.Incomplete == nil || got.Incomplete.Incomplete {
		t.Errorf("Incomplete = %+v, want a clean report", got.Incomplete)
	}

	log, err := env.store.ReadIterationLog(env.project.ID, task.ID, 1)
	if err != nil {
		t.Fatalf("ReadIterationLog: %v", err)
	}
	if !strings.Contains(log, "all done") {
		t.Errorf("iteration log missing output:\n%s", log)
	}

	var path []domain.TaskStatus
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		path = append(path, ev.Payload.(broadcast.TaskStatusChanged).To)
	}
	want := []domain.TaskStatus{domain.StatusQueued, domain.StatusAwaitingAgent, domain.StatusRunning, domain.StatusNeedsReview}
	if fmt.Sprint(path) != fmt.Sprint(want) {
		t.Errorf("status broadcasts = %v, want %v", path, want)
	}
}

func TestStart_IncompleteWorkIsReported(t *testing.T) {
	env := newTestEnv(t, 1, newFakeAdapter(`echo "TODO: tests"`))
	task := env.enqueue(t, "write tests")

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := env.waitStatus(t, task.ID, domain.StatusNeedsReview)
	if got.Incomplete == nil || !got.Incomplete.Incomplete {
		t.Fatalf("Incomplete = %+v, want incomplete", got.Incomplete)
	}
}

func TestStart_ConcurrentStartsSpawnOnce(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "spawns")
	adapter := newFakeAdapter(`echo x >> "$COUNT_FILE"; sleep 0.5`)
	adapter.env = []string{"COUNT_FILE=" + counter}
	env := newTestEnv(t, 5, adapter)
	task := env.enqueue(t, "once")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.c.Start(context.Background(), task.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	}

	env.waitStatus(t, task.ID, domain.StatusNeedsReview)
	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	if n := strings.Count(string(data), "x"); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
	if n := adapter.buildCount(); n != 1 {
		t.Errorf("built %d invocations, want 1", n)
	}
}

func TestStart_ExitFailure(t *testing.T) {
	env := newTestEnv(t, 1, newFakeAdapter(`echo "boom" >&2; exit 1`))
	task := env.enqueue(t, "break")

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := env.waitStatus(t, task.ID, domain.StatusFailed)
	env.waitDetached(t, task.ID)

	if !strings.Contains(got.ErrorMessage, "exit status 1") || !strings.Contains(got.ErrorMessage, "boom") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if !env.sup.CanStartNew() {
		t.Error("slot was not released")
	}
}

func TestStart_FailureWithInvalidAuthBroadcasts(t *testing.T) {
	adapter := newFakeAdapter(`exit 2`)
	adapter.auth = agents.AuthStatus{Err: errors.New("token expired"), RequiresReauth: true}
	env := newTestEnv(t, 1, adapter)
	sub := env.bus.SubscribeBuffered(broadcast.TopicAgentAuthChanged, 4)
	task := env.enqueue(t, "auth")

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.waitStatus(t, task.ID, domain.StatusFailed)

	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(broadcast.AgentAuthChanged)
		if p.IsValid || !p.RequiresReauth || p.ProjectPath != env.project.Path || p.TaskID != task.ID {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no agent.auth_changed broadcast")
	}
}

func TestStart_PreflightRejectionPausesCoordinator(t *testing.T) {
	adapter := newFakeAdapter(`true`)
	reset := time.Now().Add(time.Hour)
	adapter.usage = agents.UsageCheck{CanProceed: false, ResetAt: &reset, Message: "five-hour usage limit reached"}
	env := newTestEnv(t, 2, adapter)
	first := env.enqueue(t, "one")
	second := env.enqueue(t, "two")

	err := env.c.Start(context.Background(), first.ID)
	var ule *domain.UsageLimitError
	if !errors.As(err, &ule) {
		t.Fatalf("Start error = %v, want UsageLimitError", err)
	}
	if got := env.load(t, first.ID); got.Status != domain.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	st := env.usage.State()
	if !st.IsPaused || st.TriggeredByTaskID != first.ID || st.ResumeAt == nil || !st.ResumeAt.Equal(reset) {
		t.Errorf("usage state = %+v", st)
	}

	if err := env.c.Start(context.Background(), second.ID); !errors.Is(err, domain.ErrUsageLimited) {
		t.Fatalf("second Start error = %v, want ErrUsageLimited", err)
	}
	if n := adapter.usageCheckCount(); n != 1 {
		t.Errorf("adapter queried %d times, want 1", n)
	}
	if adapter.buildCount() != 0 {
		t.Error("no invocation should have been built")
	}
	if !env.sup.CanStartNew() || env.sup.InFlight() != 0 {
		t.Error("reservation leaked")
	}
}

func TestStart_CapacityKeepsTaskQueued(t *testing.T) {
	adapter := newFakeAdapter(`sleep 30`)
	env := newTestEnv(t, 1, adapter)
	a := env.enqueue(t, "a")
	b := env.enqueue(t, "b")

	if err := env.c.Start(context.Background(), a.ID); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	err := env.c.Start(context.Background(), b.ID)
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("Start b error = %v, want ErrCapacityExceeded", err)
	}
	if got := env.load(t, b.ID); got.Status != domain.StatusQueued {
		t.Errorf("b status = %s, want queued", got.Status)
	}
	if n := adapter.buildCount(); n != 1 {
		t.Errorf("built %d invocations, want 1", n)
	}

	if ok, err := env.c.Cancel(a.ID); err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	env.waitStatus(t, a.ID, domain.StatusCancelled)
}

func TestStart_RejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, 1, newFakeAdapter(`true`))
	task := env.enqueue(t, "x")
	if _, err := env.store.UpdateTask(task.ID, domain.TaskUpdate{Status: domain.Ptr(domain.StatusNeedsReview)}); err != nil {
		t.Fatal(err)
	}
	other := env.enqueue(t, "y")
	if _, err := env.store.UpdateTask(other.ID, domain.TaskUpdate{AgentID: domain.Ptr("nope")}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		taskID string
		is     error
	}{
		{"unknown task", "missing", domain.ErrTaskNotFound},
		{"wrong status", task.ID, nil},
		{"unknown agent", other.ID, domain.ErrUnknownAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.c.Start(context.Background(), tt.taskID)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error = %v, want %v", err, tt.is)
			}
		})
	}
	if got := env.load(t, other.ID); got.Status != domain.StatusQueued {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestStart_AlreadyExecutingIsNoop(t *testing.T) {
	adapter := newFakeAdapter(`sleep 30`)
	env := newTestEnv(t, 2, adapter)
	task := env.enqueue(t, "long")

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := adapter.buildCount(); n != 1 {
		t.Errorf("built %d invocations, want 1", n)
	}
}

func TestStart_FailsBeforeSpawn(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *testEnv)
		want  string
	}{
		{
			name:  "missing working directory",
			setup: func(env *testEnv) { os.RemoveAll(env.project.Path) },
			want:  "working directory",
		},
		{
			name:  "agent unavailable",
			setup: func(env *testEnv) { env.adapter.unavailable = true },
			want:  "not available",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 1, newFakeAdapter(`true`))
			task := env.enqueue(t, "x")
			tt.setup(env)

			if err := env.c.Start(context.Background(), task.ID); err == nil {
				t.Fatal("expected an error")
			}
			got := env.load(t, task.ID)
			if got.Status != domain.StatusFailed {
				t.Fatalf("status = %s, want failed", got.Status)
			}
			if !strings.Contains(got.ErrorMessage, tt.want) {
				t.Errorf("ErrorMessage = %q, want it to mention %q", got.ErrorMessage, tt.want)
			}
			if env.sup.InFlight() != 0 {
				t.Error("reservation leaked")
			}
		})
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, 1, newFakeAdapter(`sleep 30`))
	task := env.enqueue(t, "x")

	ok, err := env.c.Cancel(task.ID)
	if err != nil || ok {
		t.Fatalf("Cancel without process = %v, %v; want false, nil", ok, err)
	}
	if got := env.load(t, task.ID); got.Status != domain.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if _, err := env.c.Cancel("missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Cancel(missing) = %v, want ErrTaskNotFound", err)
	}

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.clock.Advance(90 * time.Second)
	if ok, err := env.c.Cancel(task.ID); err != nil || !ok {
		t.Fatalf("Cancel = %v, %v; want true", ok, err)
	}
	got := env.waitStatus(t, task.ID, domain.StatusCancelled)
	env.waitDetached(t, task.ID)
	if got.RuntimeMs != 90000 {
		t.Errorf("RuntimeMs = %d, want 90000", got.RuntimeMs)
	}
}

func TestRuntimeAccumulatesAcrossIterations(t *testing.T) {
	gate := t.TempDir()
	adapter := newFakeAdapter(`while [ ! -f "$GATE/go-$ITERATION" ]; do sleep 0.02; done; echo session:sess-1`)
	adapter.env = []string{"GATE=" + gate}
	env := newTestEnv(t, 1, adapter)
	task := env.enqueue(t, "iterate")
	open := func(iteration int) {
		if err := os.WriteFile(filepath.Join(gate, fmt.Sprintf("go-%d", iteration)), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.clock.Advance(2 * time.Minute)
	open(1)
	got := env.waitStatus(t, task.ID, domain.StatusNeedsReview)
	env.waitDetached(t, task.ID)
	if got.RuntimeMs != 120000 {
		t.Fatalf("RuntimeMs after first iteration = %d, want 120000", got.RuntimeMs)
	}

	if err := env.c.Requeue(context.Background(), task.ID, "also update the docs"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got = env.load(t, task.ID)
	if got.Status != domain.StatusQueued || got.CurrentIteration != 2 || got.Incomplete != nil {
		t.Fatalf("after requeue: status=%s iteration=%d incomplete=%v", got.Status, got.CurrentIteration, got.Incomplete)
	}

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	env.clock.Advance(3 * time.Minute)
	open(2)
	got = env.waitStatus(t, task.ID, domain.StatusNeedsReview)
	if got.RuntimeMs != 300000 {
		t.Errorf("RuntimeMs after second iteration = %d, want 300000", got.RuntimeMs)
	}
	if got.FollowUp != "" {
		t.Errorf("FollowUp = %q, want it consumed", got.FollowUp)
	}

	adapter.mu.Lock()
	req := adapter.builds[1]
	adapter.mu.Unlock()
	if !req.Resume || req.SessionID != "sess-1" || req.Iteration != 2 {
		t.Errorf("second invocation = %+v, want a resume of sess-1", req)
	}
	if !strings.Contains(req.Prompt, "also update the docs") {
		t.Errorf("follow-up missing from prompt: %q", req.Prompt)
	}
}

func TestRuntimeAccumulatesAcrossPauses(t *testing.T) {
	gate := t.TempDir()
	// each run waits for the gate, consumes it and reports a rate limit
	adapter := newFakeAdapter(`while [ ! -f "$GATE/go" ]; do sleep 0.02; done; rm "$GATE/go"; echo RATE_LIMIT; sleep 30`)
	adapter.env = []string{"GATE=" + gate}
	env := newTestEnv(t, 1, adapter)
	task := env.enqueue(t, "pausing")
	open := func() {
		if err := os.WriteFile(filepath.Join(gate, "go"), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.clock.Advance(2 * time.Minute)
	open()
	got := env.waitStatus(t, task.ID, domain.StatusPaused)
	env.waitDetached(t, task.ID)
	if got.RuntimeMs != 120000 || got.RunningSessionStartedAt != nil {
		t.Fatalf("after first pause: RuntimeMs=%d started=%v, want 120000 and no live segment", got.RuntimeMs, got.RunningSessionStartedAt)
	}
	wantAfter := env.clock.Now().Add(5 * time.Minute)
	if got.ResumeAfter == nil || !got.ResumeAfter.Equal(wantAfter) {
		t.Errorf("ResumeAfter = %v, want %v", got.ResumeAfter, wantAfter)
	}

	// paused time does not count
	env.clock.Advance(10 * time.Minute)
	if err := env.c.Resume(context.Background(), task.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := env.load(t, task.ID); got.Status != domain.StatusRunning || got.ResumeAfter != nil {
		t.Fatalf("after resume: status=%s ResumeAfter=%v", got.Status, got.ResumeAfter)
	}
	env.clock.Advance(3 * time.Minute)
	open()
	got = env.waitStatus(t, task.ID, domain.StatusPaused)
	env.waitDetached(t, task.ID)
	if got.RuntimeMs != 300000 {
		t.Errorf("RuntimeMs after second pause = %d, want 300000", got.RuntimeMs)
	}
	if got.CurrentIteration != 1 {
		t.Errorf("CurrentIteration = %d, a resume keeps the iteration", got.CurrentIteration)
	}
}

func TestLimitPausedTaskExitingNonzeroKeepsPause(t *testing.T) {
	// the shell exits 3 at once; the limit line arrives while output is still draining
	adapter := newFakeAdapter(`(sleep 0.3; echo RATE_LIMIT) & exit 3`)
	adapter.auth = agents.AuthStatus{Err: errors.New("token expired"), RequiresReauth: true}
	env := newTestEnv(t, 1, adapter)
	sub := env.bus.SubscribeBuffered(broadcast.TopicAgentAuthChanged, 4)
	task := env.enqueue(t, "limited")

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.waitStatus(t, task.ID, domain.StatusPaused)
	env.waitDetached(t, task.ID)

	if got := env.load(t, task.ID); got.Status != domain.StatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
	select {
	case ev := <-sub.Ch():
		t.Errorf("unexpected auth broadcast %+v for a task that did not fail", ev.Payload)
	default:
	}
}

func TestUsageLimitDuringRun(t *testing.T) {
	adapter := newFakeAdapter(`echo "USAGE_LIMIT hit"; sleep 30`)
	reset := time.Now().Add(time.Hour)
	adapter.resetAt = &reset
	env := newTestEnv(t, 1, adapter)
	task := env.enqueue(t, "busy")

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := env.waitStatus(t, task.ID, domain.StatusPaused)
	env.waitDetached(t, task.ID)

	if got.PauseReason != domain.PauseUsageLimit {
		t.Errorf("PauseReason = %q", got.PauseReason)
	}
	st := env.usage.State()
	if !st.IsPaused || st.TriggeredByTaskID != task.ID || st.ResumeAt == nil || !st.ResumeAt.Equal(reset) {
		t.Errorf("usage state = %+v", st)
	}
	// the limit-induced cancel must not overwrite the pause
	if got := env.load(t, task.ID); got.Status != domain.StatusPaused {
		t.Errorf("status = %s after process exit, want paused", got.Status)
	}

	if err := env.c.Resume(context.Background(), task.ID); !errors.Is(err, domain.ErrUsageLimited) {
		t.Fatalf("Resume while paused = %v, want ErrUsageLimited", err)
	}
	got = env.load(t, task.ID)
	if got.Status != domain.StatusQueued || got.PauseReason != domain.PauseNone {
		t.Errorf("after resume: status=%s reason=%q, want queued", got.Status, got.PauseReason)
	}
}

func TestRateLimitDuringRun(t *testing.T) {
	tests := []struct {
		name        string
		pauseGlobal bool
	}{
		{"task only", false},
		{"global pause", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 1, newFakeAdapter(`echo RATE_LIMIT; sleep 30`))
			env.c.Reconfigure(Limits{MaxConcurrent: 1, PauseGlobalOnRateLimit: tt.pauseGlobal})
			task := env.enqueue(t, "x")

			if err := env.c.Start(context.Background(), task.ID); err != nil {
				t.Fatalf("Start: %v", err)
			}
			got := env.waitStatus(t, task.ID, domain.StatusPaused)
			if got.PauseReason != domain.PauseRateLimit {
				t.Errorf("PauseReason = %q", got.PauseReason)
			}
			st := env.usage.State()
			if st.IsPaused != tt.pauseGlobal {
				t.Errorf("coordinator paused = %v, want %v", st.IsPaused, tt.pauseGlobal)
			}
			if tt.pauseGlobal && (st.ResumeAt == nil || !st.ResumeAt.Equal(env.clock.Now().Add(5*time.Minute))) {
				t.Errorf("ResumeAt = %v, want the rate-limit backoff", st.ResumeAt)
			}
		})
	}
}

func TestTimeoutFailsTask(t *testing.T) {
	env := newTestEnv(t, 1, newFakeAdapter(`sleep 30`))
	env.c.Reconfigure(Limits{MaxConcurrent: 1, MaxTaskDuration: 300 * time.Millisecond})
	task := env.enqueue(t, "slow")

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := env.waitStatus(t, task.ID, domain.StatusFailed)
	if !strings.Contains(got.ErrorMessage, "exceeded maximum task duration of 300ms") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestReviewAndRequeue(t *testing.T) {
	env := newTestEnv(t, 1, newFakeAdapter(`true`))
	task := env.enqueue(t, "x")

	var ve *domain.ValidationError
	if err := env.c.Review(task.ID, true); !errors.As(err, &ve) {
		t.Errorf("Review of queued task = %v, want ValidationError", err)
	}
	if err := env.c.Requeue(context.Background(), task.ID, ""); !errors.As(err, &ve) {
		t.Errorf("Requeue of queued task = %v, want ValidationError", err)
	}

	if err := env.c.Start(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	env.waitStatus(t, task.ID, domain.StatusNeedsReview)
	if err := env.c.Review(task.ID, false); err != nil {
		t.Fatalf("Review: %v", err)
	}
	if got := env.load(t, task.ID); got.Status != domain.StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if err := env.c.Requeue(context.Background(), task.ID, ""); err != nil {
		t.Fatalf("Requeue rejected task: %v", err)
	}
	if got := env.load(t, task.ID); got.CurrentIteration != 2 {
		t.Errorf("CurrentIteration = %d, want 2", got.CurrentIteration)
	}
}

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t, 1, newFakeAdapter(`true`))

	tests := []struct {
		name    string
		nt      NewTask
		wantErr bool
		status  domain.TaskStatus
	}{
		{"queued", NewTask{ProjectID: env.project.ID, Prompt: "a"}, false, domain.StatusQueued},
		{"backlog", NewTask{ProjectID: env.project.ID, Prompt: "b", Backlog: true}, false, domain.StatusBacklog},
		{"empty prompt", NewTask{ProjectID: env.project.ID}, true, ""},
		{"unknown project", NewTask{ProjectID: "nope", Prompt: "c"}, true, ""},
		{"unknown agent", NewTask{ProjectID: env.project.ID, Prompt: "d", AgentID: "nope"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := env.c.Enqueue(context.Background(), tt.nt)
			if tt.wantErr {
				var ve *domain.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("error = %v, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if task.Status != tt.status {
				t.Errorf("status = %s, want %s", task.Status, tt.status)
			}
		})
	}

	backlog, err := env.store.ListTasks(taskstore.ListOptions{Status: domain.StatusBacklog})
	if err != nil || len(backlog) != 1 {
		t.Fatalf("backlog = %v, %v", backlog, err)
	}
	if err := env.c.Promote(backlog[0].ID); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if got := env.load(t, backlog[0].ID); got.Status != domain.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
}

func TestRecoverOrphans(t *testing.T) {
	env := newTestEnv(t, 1, newFakeAdapter(`true`))
	task := env.enqueue(t, "x")
	started := env.clock.Now().Add(-time.Minute)
	if _, err := env.store.UpdateTask(task.ID, domain.TaskUpdate{
		Status:                  domain.Ptr(domain.StatusRunning),
		RunningSessionStartedAt: &started,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := env.c.RecoverOrphans()
	if err != nil || n != 1 {
		t.Fatalf("RecoverOrphans = %d, %v; want 1", n, err)
	}
	got := env.load(t, task.ID)
	if got.Status != domain.StatusFailed || got.ErrorMessage == "" {
		t.Errorf("task = %s %q, want failed with a message", got.Status, got.ErrorMessage)
	}
	if got.RuntimeMs != 60000 {
		t.Errorf("RuntimeMs = %d, want 60000", got.RuntimeMs)
	}
}

func TestShutdownCancelsRunning(t *testing.T) {
	env := newTestEnv(t, 2, newFakeAdapter(`sleep 30`))
	a := env.enqueue(t, "a")
	b := env.enqueue(t, "b")
	for _, id := range []string{a.ID, b.ID} {
		if err := env.c.Start(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := env.c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		if got := env.load(t, id); got.Status != domain.StatusCancelled {
			t.Errorf("task %s status = %s, want cancelled", id, got.Status)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	project := &domain.Project{Name: "demo", Path: "/src/demo"}
	tests := []struct {
		name    string
		task    domain.Task
		want    []string
		notWant []string
	}{
		{
			name: "first iteration",
			task: domain.Task{Prompt: "Add a flag", CurrentIteration: 1},
			want: []string{"Add a flag", "Project: demo (/src/demo)"},
		},
		{
			name:    "follow-up resumes session",
			task:    domain.Task{Prompt: "Add a flag", FollowUp: "rename it", SessionID: "s", CurrentIteration: 2},
			want:    []string{"iteration 2", "rename it"},
			notWant: []string{"Add a flag", "Instructions:"},
		},
		{
			name: "resume after pause",
			task: domain.Task{Prompt: "Add a flag", SessionID: "s", CurrentIteration: 1},
			want: []string{"Continue where you left off", "Add a flag"},
		},
		{
			name: "follow-up without session",
			task: domain.Task{Prompt: "Add a flag", FollowUp: "rename it", CurrentIteration: 2},
			want: []string{"Add a flag", "rename it"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildPrompt(prompts.NewLoader(), &tt.task, project)
			if err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("prompt missing %q:\n%s", w, got)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("prompt should not contain %q:\n%s", w, got)
				}
			}
		})
	}
}
