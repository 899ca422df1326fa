package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/dispatch/internal/audit"
	"github.com/marcus/dispatch/internal/backlog"
	"github.com/marcus/dispatch/internal/delegation"
	"github.com/marcus/dispatch/internal/policy"
	"github.com/marcus/dispatch/internal/worker"
)

// scriptedWorker plays back a per-invocation script. The script receives
// the 1-based call number and returns the reports to emit.
type scriptedWorker struct {
	id     string
	script func(call int, spec worker.Spec) []worker.Report

	mu    sync.Mutex
	calls int
}

func (w *scriptedWorker) ID() string      { return w.id }
func (w *scriptedWorker) Available() bool { return true }

func (w *scriptedWorker) Invoke(ctx context.Context, spec worker.Spec) <-chan worker.Report {
	w.mu.Lock()
	w.calls++
	call := w.calls
	w.mu.Unlock()

	ch := make(chan worker.Report, 8)
	go func() {
		defer close(ch)
		for _, rep := range w.script(call, spec) {
			rep.TaskID = spec.TaskID
			ch <- rep
		}
	}()
	return ch
}

func (w *scriptedWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// silentWorker never reports; used to trip the deadline.
type silentWorker struct{ id string }

func (w *silentWorker) ID() string      { return w.id }
func (w *silentWorker) Available() bool { return true }

func (w *silentWorker) Invoke(ctx context.Context, spec worker.Spec) <-chan worker.Report {
	ch := make(chan worker.Report)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func succeed() []worker.Report {
	return []worker.Report{
		{Status: worker.StatusProgress, Logs: "started"},
		{Status: worker.StatusSuccess, Result: "done"},
	}
}

func fail(msg string) []worker.Report {
	return []worker.Report{
		{Status: worker.StatusProgress, Logs: "started"},
		{Status: worker.StatusFailure, Err: errors.New(msg)},
	}
}

type fixture struct {
	store     *backlog.Store
	registry  *delegation.Registry
	auditPath string
}

func newFixture(t *testing.T, ledger string, workerIDs ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backlog.md")
	if err := os.WriteFile(path, []byte(ledger), 0o644); err != nil {
		t.Fatal(err)
	}

	store := backlog.NewStore(backlog.StoreConfig{
		Path:         path,
		LockAttempts: 3,
		LockDelay:    10 * time.Millisecond,
	})

	rules := []delegation.Rule{
		{Name: "build", Pattern: "build|implement|fix", Capabilities: []string{"build"}, Priority: 5},
	}
	var workers []delegation.Worker
	for _, id := range workerIDs {
		workers = append(workers, delegation.Worker{ID: id, Capabilities: []string{"build"}, Available: true})
	}
	reg, err := delegation.NewRegistry(rules, workers)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		store:     store,
		registry:  reg,
		auditPath: filepath.Join(dir, "audit.ndjson"),
	}
}

// fastPolicy keeps retry backoff in the low-millisecond range.
func fastPolicy() *policy.Policy {
	return policy.New(policy.Config{
		BaseDelay: time.Millisecond,
		MaxDelay:  4 * time.Millisecond,
	})
}

func newController(t *testing.T, f *fixture, auditor *audit.Logger, workers ...worker.Worker) *Controller {
	t.Helper()
	opts := []Option{
		WithStore(f.store),
		WithRegistry(f.registry),
		WithPolicy(fastPolicy()),
		WithRunID("r-20260301-0200"),
		WithConfig(Config{PoolSize: 2, TaskDeadline: 200 * time.Millisecond}),
	}
	if auditor != nil {
		opts = append(opts, WithAuditor(auditor))
	}
	for _, w := range workers {
		opts = append(opts, WithWorker(w))
	}
	c, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func loadTask(t *testing.T, f *fixture, id string) backlog.Task {
	t.Helper()
	tasks, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	task := backlog.FindTask(tasks, id)
	if task == nil {
		t.Fatalf("task %s missing from backlog", id)
	}
	return *task
}

func auditTypes(t *testing.T, path string) []audit.EventType {
	t.Helper()
	events, err := audit.ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]audit.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRunCompletesTask(t *testing.T) {
	f := newFixture(t, "- [ ] 1.1 build the parser\n", "builder-a")
	w := &scriptedWorker{id: "builder-a", script: func(int, worker.Spec) []worker.Report { return succeed() }}
	auditor := audit.NewLogger(f.auditPath, "r-20260301-0200")
	c := newController(t, f, auditor, w)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := auditor.Close(); err != nil {
		t.Fatal(err)
	}

	if result.Completed != 1 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}
	task := loadTask(t, f, "1.1")
	if task.Status != backlog.StatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
	if task.AssignedWorker != "builder-a" {
		t.Errorf("assigned worker = %q", task.AssignedWorker)
	}

	want := []audit.EventType{
		audit.EventRunStarted,
		audit.EventTaskAnalyzing,
		audit.EventTaskScheduled,
		audit.EventTaskDelegated,
		audit.EventTaskExecuting,
		audit.EventTaskCompleted,
		audit.EventRunFinished,
	}
	got := auditTypes(t, f.auditPath)
	if len(got) != len(want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(t, "- [ ] 1.1 build the parser\n", "builder-a")
	w := &scriptedWorker{id: "builder-a", script: func(call int, _ worker.Spec) []worker.Report {
		if call == 1 {
			return fail("compile error")
		}
		return succeed()
	}}
	auditor := audit.NewLogger(f.auditPath, "r-20260301-0200")
	c := newController(t, f, auditor, w)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := auditor.Close(); err != nil {
		t.Fatal(err)
	}

	if result.Completed != 1 {
		t.Errorf("result = %+v", result)
	}
	task := loadTask(t, f, "1.1")
	if task.Status != backlog.StatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", task.RetryCount)
	}
	if w.callCount() != 2 {
		t.Errorf("worker invoked %d times, want 2", w.callCount())
	}

	found := false
	for _, typ := range auditTypes(t, f.auditPath) {
		if typ == audit.EventTaskRetry {
			found = true
		}
	}
	if !found {
		t.Error("no task.retry audit event recorded")
	}
}

func TestRotateToBackupWorker(t *testing.T) {
	f := newFixture(t, "- [ ] 1.1 build the parser\n", "builder-a", "builder-b")
	a := &scriptedWorker{id: "builder-a", script: func(int, worker.Spec) []worker.Report { return fail("broken toolchain") }}
	b := &scriptedWorker{id: "builder-b", script: func(int, worker.Spec) []worker.Report { return succeed() }}
	auditor := audit.NewLogger(f.auditPath, "r-20260301-0200")
	c := newController(t, f, auditor, a, b)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := auditor.Close(); err != nil {
		t.Fatal(err)
	}

	if result.Completed != 1 {
		t.Errorf("result = %+v", result)
	}
	task := loadTask(t, f, "1.1")
	if task.AssignedWorker != "builder-b" {
		t.Errorf("assigned worker = %q, want builder-b", task.AssignedWorker)
	}
	// Worker budget is 2: two retries on builder-a, then rotation.
	if a.callCount() != 3 {
		t.Errorf("builder-a invoked %d times, want 3", a.callCount())
	}

	found := false
	for _, typ := range auditTypes(t, f.auditPath) {
		if typ == audit.EventWorkerRotated {
			found = true
		}
	}
	if !found {
		t.Error("no worker.rotated audit event recorded")
	}
}

func TestEscalateWithoutBackup(t *testing.T) {
	f := newFixture(t, "- [ ] 1.1 build the parser\n", "builder-a")
	w := &scriptedWorker{id: "builder-a", script: func(int, worker.Spec) []worker.Report { return fail("broken toolchain") }}
	c := newController(t, f, nil, w)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	task := loadTask(t, f, "1.1")
	if task.Status != backlog.StatusFailed {
		t.Errorf("status = %q, want failed", task.Status)
	}
	if !strings.Contains(task.Annotation, "worker failure") || !strings.Contains(task.Annotation, "manual review") {
		t.Errorf("annotation = %q", task.Annotation)
	}
}

func TestSkipsWorkerWithoutExecutor(t *testing.T) {
	// builder-a wins the tie-break but has no executor bound; the task must
	// fall through to builder-b instead of stalling mid-analysis.
	f := newFixture(t, "- [ ] 1.1 build the parser\n", "builder-a", "builder-b")
	b := &scriptedWorker{id: "builder-b", script: func(int, worker.Spec) []worker.Report { return succeed() }}
	c := newController(t, f, nil, b)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Completed != 1 || result.Failed != 0 || result.Blocked != 0 {
		t.Errorf("result = %+v", result)
	}
	task := loadTask(t, f, "1.1")
	if task.Status != backlog.StatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
	if task.AssignedWorker != "builder-b" {
		t.Errorf("assigned worker = %q, want builder-b", task.AssignedWorker)
	}
	if b.callCount() != 1 {
		t.Errorf("builder-b invoked %d times, want 1", b.callCount())
	}
}

func TestNoExecutorReachesTerminalState(t *testing.T) {
	// No executor bound at all: the task must end up failed with an
	// annotation, not parked in a non-terminal status on disk.
	f := newFixture(t, "- [ ] 1.1 build the parser\n", "builder-a")
	c := newController(t, f, nil)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	task := loadTask(t, f, "1.1")
	if task.Status != backlog.StatusFailed {
		t.Errorf("status = %q, want failed", task.Status)
	}
	if !strings.Contains(task.Annotation, "manual review") {
		t.Errorf("annotation = %q", task.Annotation)
	}
}

func TestDeadlineProducesTimeoutClass(t *testing.T) {
	f := newFixture(t, "- [ ] 4.1 build the parser\n", "builder-a")
	auditor := audit.NewLogger(f.auditPath, "r-20260301-0200")
	c, err := New(
		WithStore(f.store),
		WithRegistry(f.registry),
		WithPolicy(policy.New(policy.Config{
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
			MaxRetries: map[policy.ErrorClass]int{policy.ClassTimeout: 1},
		})),
		WithAuditor(auditor),
		WithWorker(&silentWorker{id: "builder-a"}),
		WithRunID("r-20260301-0200"),
		WithConfig(Config{PoolSize: 1, TaskDeadline: 30 * time.Millisecond}),
	)
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := auditor.Close(); err != nil {
		t.Fatal(err)
	}

	if result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	task := loadTask(t, f, "4.1")
	if task.Status != backlog.StatusFailed {
		t.Errorf("status = %q, want failed", task.Status)
	}
	if !strings.Contains(task.Annotation, "timeout") {
		t.Errorf("annotation = %q, want timeout class", task.Annotation)
	}

	events, err := audit.ReadAll(f.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	var failedEv *audit.Event
	for i := range events {
		if events[i].Type == audit.EventTaskFailed {
			failedEv = &events[i]
		}
	}
	if failedEv == nil {
		t.Fatal("no task.failed audit event")
	}
	if failedEv.Details["error_class"] != "timeout" {
		t.Errorf("details.error_class = %v, want timeout", failedEv.Details["error_class"])
	}
}

func TestNoMatchBlocksTask(t *testing.T) {
	f := newFixture(t, "- [ ] 1.1 translate docs to latin\n", "builder-a")
	w := &scriptedWorker{id: "builder-a", script: func(int, worker.Spec) []worker.Report { return succeed() }}
	c := newController(t, f, nil, w)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Blocked != 1 {
		t.Errorf("result = %+v", result)
	}
	task := loadTask(t, f, "1.1")
	if task.Status != backlog.StatusBlocked {
		t.Errorf("status = %q, want blocked", task.Status)
	}
	if !strings.Contains(task.Annotation, "no matching worker") {
		t.Errorf("annotation = %q", task.Annotation)
	}
	if w.callCount() != 0 {
		t.Errorf("worker invoked %d times, want 0", w.callCount())
	}
}

func TestDependencyChainRunsInOrder(t *testing.T) {
	ledger := "- [ ] 1 build the core\n- [ ] 2 build the cli deps: 1\n"
	f := newFixture(t, ledger, "builder-a")

	var mu sync.Mutex
	var order []string
	w := &scriptedWorker{id: "builder-a", script: func(_ int, spec worker.Spec) []worker.Report {
		mu.Lock()
		order = append(order, spec.TaskID)
		mu.Unlock()
		return succeed()
	}}
	c := newController(t, f, nil, w)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Completed != 2 {
		t.Errorf("result = %+v", result)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "1" || order[1] != "2" {
		t.Errorf("execution order = %v, want [1 2]", order)
	}
}

func TestFailedDependencyBlocksDependent(t *testing.T) {
	ledger := "- [ ] 1 build the core\n- [ ] 2 build the cli deps: 1\n"
	f := newFixture(t, ledger, "builder-a")
	w := &scriptedWorker{id: "builder-a", script: func(int, worker.Spec) []worker.Report { return fail("broken toolchain") }}
	c := newController(t, f, nil, w)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Failed != 1 || result.Blocked != 1 {
		t.Errorf("result = %+v", result)
	}
	if st := loadTask(t, f, "2").Status; st != backlog.StatusBlocked {
		t.Errorf("dependent status = %q, want blocked", st)
	}
}

func TestDependencyCycleBlocksTasks(t *testing.T) {
	ledger := "- [ ] 1 build the core deps: 2\n- [ ] 2 build the cli deps: 1\n"
	f := newFixture(t, ledger, "builder-a")
	w := &scriptedWorker{id: "builder-a", script: func(int, worker.Spec) []worker.Report { return succeed() }}
	c := newController(t, f, nil, w)

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Blocked != 2 || result.Started != 0 {
		t.Errorf("result = %+v", result)
	}
	for _, id := range []string{"1", "2"} {
		task := loadTask(t, f, id)
		if task.Status != backlog.StatusBlocked {
			t.Errorf("task %s status = %q, want blocked", id, task.Status)
		}
		if !strings.Contains(task.Annotation, "dependency cycle") {
			t.Errorf("task %s annotation = %q", id, task.Annotation)
		}
	}
	if w.callCount() != 0 {
		t.Errorf("worker invoked %d times, want 0", w.callCount())
	}
}

func TestWorkerReceivesTaskContext(t *testing.T) {
	ledger := "- [ ] 1 build the core\n- [ ] 2 build the cli deps: 1\n"
	f := newFixture(t, ledger, "builder-a")

	var mu sync.Mutex
	specs := make(map[string]worker.Spec)
	w := &scriptedWorker{id: "builder-a", script: func(_ int, spec worker.Spec) []worker.Report {
		mu.Lock()
		specs[spec.TaskID] = spec
		mu.Unlock()
		return succeed()
	}}
	c := newController(t, f, nil, w)

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"1", "2"} {
		spec, ok := specs[id]
		if !ok {
			t.Fatalf("task %s never reached the worker", id)
		}
		if spec.RunID != "r-20260301-0200" {
			t.Errorf("task %s run id = %q", id, spec.RunID)
		}
		if spec.Context["rule"] != "build" {
			t.Errorf("task %s context rule = %q, want build", id, spec.Context["rule"])
		}
	}
	if deps := specs["2"].Context["dependencies"]; deps != "1" {
		t.Errorf("task 2 context dependencies = %q, want 1", deps)
	}
}

func TestMaxTasksLimitsDispatch(t *testing.T) {
	ledger := "- [ ] 1 build a\n- [ ] 2 build b\n- [ ] 3 build c\n"
	f := newFixture(t, ledger, "builder-a")
	w := &scriptedWorker{id: "builder-a", script: func(int, worker.Spec) []worker.Report { return succeed() }}
	c, err := New(
		WithStore(f.store),
		WithRegistry(f.registry),
		WithPolicy(fastPolicy()),
		WithWorker(w),
		WithConfig(Config{PoolSize: 2, TaskDeadline: 200 * time.Millisecond, MaxTasks: 1}),
	)
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Started != 1 || result.Completed != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestPlanIsReadOnly(t *testing.T) {
	ledger := "- [ ] 1.1 build the parser\n- [ ] 1.2 translate docs to latin\n"
	f := newFixture(t, ledger, "builder-a")
	c := newController(t, f, nil)

	before, err := os.ReadFile(f.store.Path())
	if err != nil {
		t.Fatal(err)
	}

	planned, err := c.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(planned) != 2 {
		t.Fatalf("got %d planned tasks, want 2", len(planned))
	}
	if planned[0].WorkerID != "builder-a" || planned[0].Score < 50 {
		t.Errorf("planned[0] = %+v", planned[0])
	}
	if planned[1].Problem == "" {
		t.Errorf("planned[1] = %+v, want a problem for unmatched task", planned[1])
	}

	after, err := os.ReadFile(f.store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("Plan modified the backlog")
	}
}

func TestEventsReachHandler(t *testing.T) {
	f := newFixture(t, "- [ ] 1.1 build the parser\n", "builder-a")
	w := &scriptedWorker{id: "builder-a", script: func(int, worker.Spec) []worker.Report { return succeed() }}

	var mu sync.Mutex
	var seen []EventType
	c, err := New(
		WithStore(f.store),
		WithRegistry(f.registry),
		WithPolicy(fastPolicy()),
		WithWorker(w),
		WithEventHandler(func(e Event) {
			mu.Lock()
			seen = append(seen, e.Type)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != EventRunStart || seen[len(seen)-1] != EventRunEnd {
		t.Errorf("event sequence = %v", seen)
	}
}
