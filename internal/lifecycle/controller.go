// Package lifecycle drives tasks from the backlog through delegation,
// execution, and recovery to a terminal state. The controller is the only
// writer to the task store; every transition is committed under the store
// lock and emits exactly one audit event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcus/dispatch/internal/audit"
	"github.com/marcus/dispatch/internal/backlog"
	"github.com/marcus/dispatch/internal/delegation"
	"github.com/marcus/dispatch/internal/logging"
	"github.com/marcus/dispatch/internal/policy"
	"github.com/marcus/dispatch/internal/runid"
	"github.com/marcus/dispatch/internal/worker"
)

// Constants for orchestration.
const (
	DefaultPoolSize     = 4
	DefaultTaskDeadline = time.Hour
)

// Config holds controller configuration.
type Config struct {
	PoolSize     int           // Concurrent task limit (default: 4)
	TaskDeadline time.Duration // Per-task deadline (default: 1h)
	MaxTasks     int           // Max tasks to start this run (0 = no limit)
}

// DefaultConfig returns default controller config.
func DefaultConfig() Config {
	return Config{
		PoolSize:     DefaultPoolSize,
		TaskDeadline: DefaultTaskDeadline,
	}
}

// RunResult summarizes one orchestration run.
type RunResult struct {
	RunID     string        `json:"run_id"`
	Started   int           `json:"started"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Blocked   int           `json:"blocked"`
	Duration  time.Duration `json:"duration"`
}

// Controller composes the store, delegation engine, retry policy, and audit
// logger into the task state machine.
type Controller struct {
	store        *backlog.Store
	registry     *delegation.Registry
	engine       *delegation.Engine
	policy       *policy.Policy
	auditor      *audit.Logger
	workers      map[string]worker.Worker
	runID        string
	config       Config
	logger       *logging.Logger
	eventHandler EventHandler
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore sets the backing task store.
func WithStore(s *backlog.Store) Option {
	return func(c *Controller) {
		c.store = s
	}
}

// WithRegistry sets the rule and worker registry for this run.
func WithRegistry(r *delegation.Registry) Option {
	return func(c *Controller) {
		c.registry = r
	}
}

// WithEngine sets the delegation engine.
func WithEngine(e *delegation.Engine) Option {
	return func(c *Controller) {
		c.engine = e
	}
}

// WithPolicy sets the retry and circuit-breaker policy.
func WithPolicy(p *policy.Policy) Option {
	return func(c *Controller) {
		c.policy = p
	}
}

// WithAuditor sets the audit logger.
func WithAuditor(a *audit.Logger) Option {
	return func(c *Controller) {
		c.auditor = a
	}
}

// WithWorker registers an executor for a registry worker id.
func WithWorker(w worker.Worker) Option {
	return func(c *Controller) {
		c.workers[w.ID()] = w
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(c *Controller) {
		c.runID = id
	}
}

// WithConfig sets controller configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) {
		if cfg.PoolSize <= 0 {
			cfg.PoolSize = DefaultPoolSize
		}
		if cfg.TaskDeadline <= 0 {
			cfg.TaskDeadline = DefaultTaskDeadline
		}
		c.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithEventHandler sets an optional callback for real-time controller events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Controller) {
		c.eventHandler = h
	}
}

// New creates a controller with the given options.
func New(opts ...Option) (*Controller, error) {
	c := &Controller{
		workers: make(map[string]worker.Worker),
		runID:   runid.New(),
		config:  DefaultConfig(),
		logger:  logging.Component("lifecycle"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		return nil, errors.New("lifecycle: no task store configured")
	}
	if c.registry == nil {
		return nil, errors.New("lifecycle: no registry configured")
	}
	if c.engine == nil {
		c.engine = delegation.NewEngine(0)
	}
	if c.policy == nil {
		c.policy = policy.New(policy.Config{})
	}
	return c, nil
}

// RunID returns the identifier for this orchestration session.
func (c *Controller) RunID() string {
	return c.runID
}

func (c *Controller) emit(e Event) {
	if c.eventHandler != nil {
		e.Time = time.Now()
		c.eventHandler(e)
	}
}

func (c *Controller) audit(ev audit.Event) {
	if c.auditor == nil {
		return
	}
	if err := c.auditor.Emit(ev); err != nil {
		c.logger.WarnCtx("audit emit failed", map[string]any{"error": err.Error()})
	}
}

// Run drains the backlog: eligible pending tasks are dispatched in rounds
// on a bounded pool until no task can make further progress. Tasks whose
// dependencies have failed are marked blocked.
func (c *Controller) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{RunID: c.runID}

	c.emit(Event{Type: EventRunStart, Message: "run started"})
	c.audit(audit.Event{Type: audit.EventRunStarted, Status: "started"})

	dispatched := make(map[string]bool)
	for {
		tasks, err := c.store.Load()
		if err != nil {
			return result, fmt.Errorf("load backlog: %w", err)
		}

		eligible, stuck := c.selectRunnable(tasks)
		eligible = filterDispatched(eligible, dispatched)
		blocked := 0
		for _, st := range stuck {
			if dispatched[st.id] {
				continue
			}
			dispatched[st.id] = true
			blocked++
			if err := c.block(st.id, st.reason); err != nil {
				c.logger.ErrorCtx("block failed", map[string]any{"task_id": st.id, "error": err.Error()})
			}
			result.Blocked++
		}
		if c.config.MaxTasks > 0 && result.Started+len(eligible) > c.config.MaxTasks {
			eligible = eligible[:c.config.MaxTasks-result.Started]
		}
		if len(eligible) == 0 {
			if blocked == 0 {
				break
			}
			// Blocking a dependency may strand further dependents; take
			// another round to catch them.
			continue
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, c.config.PoolSize)
		outcomes := make([]backlog.Status, len(eligible))
		for i, task := range eligible {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			result.Started++
			dispatched[task.ID] = true
			go func(i int, task backlog.Task) {
				defer wg.Done()
				defer func() { <-sem }()
				outcomes[i] = c.runTask(ctx, task)
			}(i, task)
		}
		wg.Wait()

		for _, st := range outcomes {
			switch st {
			case backlog.StatusCompleted:
				result.Completed++
			case backlog.StatusFailed:
				result.Failed++
			case backlog.StatusBlocked:
				result.Blocked++
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.Duration = time.Since(start)
	c.audit(audit.Event{Type: audit.EventRunFinished, Status: "finished", Details: map[string]any{
		"started":   result.Started,
		"completed": result.Completed,
		"failed":    result.Failed,
		"blocked":   result.Blocked,
	}})
	c.emit(Event{Type: EventRunEnd, Duration: result.Duration, Message: "run finished"})
	return result, ctx.Err()
}

// PlannedTask previews where a task would be delegated without running it.
type PlannedTask struct {
	TaskID      string  `json:"task_id"`
	Description string  `json:"description"`
	WorkerID    string  `json:"worker_id,omitempty"`
	Rule        string  `json:"rule,omitempty"`
	Score       float64 `json:"score,omitempty"`
	Problem     string  `json:"problem,omitempty"`
}

// Plan scores every runnable task against the registry without touching
// the backlog, the audit log, or any worker.
func (c *Controller) Plan() ([]PlannedTask, error) {
	tasks, err := c.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}

	eligible, stuck := c.selectRunnable(tasks)
	planned := make([]PlannedTask, 0, len(eligible)+len(stuck))
	for _, t := range eligible {
		p := PlannedTask{TaskID: t.ID, Description: t.Description}
		cand, err := c.engine.Delegate(t, c.registry)
		if err != nil {
			p.Problem = err.Error()
		} else {
			p.WorkerID = cand.Worker.ID
			p.Rule = cand.Rule.Name
			p.Score = cand.Score
		}
		planned = append(planned, p)
	}
	for _, st := range stuck {
		t := backlog.FindTask(tasks, st.id)
		planned = append(planned, PlannedTask{TaskID: st.id, Description: t.Description, Problem: st.reason})
	}
	return planned, nil
}

// filterDispatched drops tasks already started this run. A task that was
// dispatched but never reached a terminal state must not be restarted.
func filterDispatched(tasks []backlog.Task, dispatched map[string]bool) []backlog.Task {
	kept := tasks[:0]
	for _, t := range tasks {
		if !dispatched[t.ID] {
			kept = append(kept, t)
		}
	}
	return kept
}

// stuckTask is a pending task that can never become runnable, with the
// annotation it will be blocked under.
type stuckTask struct {
	id     string
	reason string
}

// selectRunnable partitions pending tasks into those ready to dispatch and
// those stuck behind a terminally failed or blocked dependency or inside a
// dependency cycle. Pending tasks waiting on in-flight dependencies are
// left alone for a later round.
func (c *Controller) selectRunnable(tasks []backlog.Task) (eligible []backlog.Task, stuck []stuckTask) {
	byID := make(map[string]backlog.Status, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t.Status
	}
	marked := make(map[string]bool)
	for _, t := range tasks {
		if t.Status != backlog.StatusPending {
			continue
		}
		if t.DependenciesMet(tasks) {
			eligible = append(eligible, t)
			continue
		}
		for _, dep := range t.Dependencies {
			st, known := byID[dep]
			if !known || st == backlog.StatusFailed || st == backlog.StatusBlocked {
				stuck = append(stuck, stuckTask{id: t.ID, reason: "dependency failed or blocked; resolve and requeue"})
				marked[t.ID] = true
				break
			}
		}
	}
	for _, id := range dependencyCycles(tasks) {
		if marked[id] {
			continue
		}
		stuck = append(stuck, stuckTask{id: id, reason: "dependency cycle; break the cycle and requeue"})
	}
	return eligible, stuck
}

// dependencyCycles returns the ids of pending tasks that sit on a
// dependency cycle, in ledger order. Such tasks can never run and would
// otherwise sit pending forever with no explanation.
func dependencyCycles(tasks []backlog.Task) []string {
	pending := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if t.Status == backlog.StatusPending {
			pending[t.ID] = t.Dependencies
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(pending))
	inCycle := make(map[string]bool)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range pending[id] {
			if _, ok := pending[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					inCycle[stack[i]] = true
					if stack[i] == dep {
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, t := range tasks {
		if _, ok := pending[t.ID]; ok && color[t.ID] == white {
			visit(t.ID)
		}
	}

	var out []string
	for _, t := range tasks {
		if inCycle[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}

// runTask drives one task to a terminal state and returns that state.
func (c *Controller) runTask(ctx context.Context, task backlog.Task) backlog.Status {
	excluded := make(map[string]bool)
	lastClass := policy.ClassWorker

	for {
		if err := c.transition(task.ID, backlog.StatusAnalyzing, update{}); err != nil {
			c.logger.ErrorCtx("transition failed", map[string]any{"task_id": task.ID, "error": err.Error()})
			return backlog.StatusBlocked
		}

		cand, err := c.engine.DelegateExcluding(task, c.registry, excluded)
		if err != nil {
			if len(excluded) > 0 {
				// A worker already failed and no backup exists.
				return c.escalate(task.ID, "", lastClass, 0, "no backup worker available")
			}
			return c.blockNoMatch(task.ID, err)
		}

		exec, ok := c.workers[cand.Worker.ID]
		if !ok {
			c.logger.WarnCtx("matched worker has no executor", map[string]any{
				"task_id": task.ID,
				"worker":  cand.Worker.ID,
			})
			excluded[cand.Worker.ID] = true
			continue
		}

		if err := c.transition(task.ID, backlog.StatusScheduled, update{worker: cand.Worker.ID, details: map[string]any{
			"score": cand.Score,
			"rule":  cand.Rule.Name,
		}}); err != nil {
			return backlog.StatusBlocked
		}
		if err := c.transition(task.ID, backlog.StatusDelegated, update{worker: cand.Worker.ID}); err != nil {
			return backlog.StatusBlocked
		}

		outcome := c.execute(ctx, task, cand, exec)
		if outcome.report.Status == worker.StatusSuccess {
			c.policy.OnSuccess(task.ID)
			if err := c.transition(task.ID, backlog.StatusCompleted, update{worker: cand.Worker.ID}); err != nil {
				return backlog.StatusBlocked
			}
			return backlog.StatusCompleted
		}

		class := outcome.class
		lastClass = class
		decision := c.policy.OnFailure(task.ID, class)

		switch decision.Kind {
		case policy.DecisionRetry:
			c.audit(audit.Event{Type: audit.EventTaskRetry, TaskID: task.ID, WorkerID: cand.Worker.ID, Status: "retrying", Details: map[string]any{
				"error_class": string(class),
				"attempt":     decision.Attempt,
				"backoff_ms":  decision.Delay.Milliseconds(),
			}})
			c.emit(Event{Type: EventRetry, TaskID: task.ID, WorkerID: cand.Worker.ID, Class: class, Attempt: decision.Attempt, Delay: decision.Delay})
			if err := c.bumpRetry(task.ID); err != nil {
				c.logger.ErrorCtx("retry count update failed", map[string]any{"task_id": task.ID, "error": err.Error()})
			}
			select {
			case <-time.After(decision.Delay):
			case <-ctx.Done():
				return c.escalate(task.ID, cand.Worker.ID, class, decision.Attempt, "run cancelled during backoff")
			}
			// Loop re-analyzes with the same exclusions; the engine is
			// deterministic, so the same worker is retried.

		case policy.DecisionRotateWorker:
			c.audit(audit.Event{Type: audit.EventWorkerRotated, TaskID: task.ID, WorkerID: cand.Worker.ID, Status: "rotating", Details: map[string]any{
				"error_class": string(class),
				"attempts":    decision.Attempt,
			}})
			c.emit(Event{Type: EventRotate, TaskID: task.ID, WorkerID: cand.Worker.ID, Class: class, Attempt: decision.Attempt})
			excluded[cand.Worker.ID] = true

		case policy.DecisionEscalate:
			return c.escalate(task.ID, cand.Worker.ID, class, decision.Attempt, decision.Reason)
		}
	}
}

// executeOutcome pairs a worker's terminal report with its error class.
type executeOutcome struct {
	report worker.Report
	class  policy.ErrorClass
}

// execute invokes the worker and waits for its terminal report or the task
// deadline. The deadline is absolute: progress reports prove liveness but
// do not extend it.
func (c *Controller) execute(ctx context.Context, task backlog.Task, cand delegation.Candidate, exec worker.Worker) executeOutcome {
	workerID := cand.Worker.ID
	invokeCtx, cancel := context.WithTimeout(ctx, c.config.TaskDeadline)
	defer cancel()

	spec := worker.Spec{
		TaskID:      task.ID,
		Description: task.Description,
		RunID:       c.runID,
		Context:     specContext(task, cand),
	}
	reports := exec.Invoke(invokeCtx, spec)

	deadline := time.NewTimer(c.config.TaskDeadline)
	defer deadline.Stop()

	// A failed executing write is retried on the next report rather than
	// remembered as done, so a transient store error cannot strand the task
	// in a pre-executing state.
	executing := false
	markExecuting := func() {
		if executing {
			return
		}
		if err := c.transition(task.ID, backlog.StatusExecuting, update{worker: workerID}); err != nil {
			c.logger.ErrorCtx("transition failed", map[string]any{"task_id": task.ID, "error": err.Error()})
			return
		}
		executing = true
	}

	for {
		select {
		case rep, ok := <-reports:
			if !ok {
				// Channel closed with no terminal report: worker abandoned
				// the task.
				markExecuting()
				return executeOutcome{
					report: worker.Report{TaskID: task.ID, Status: worker.StatusFailure, Err: errors.New("worker closed report stream without terminal report")},
					class:  policy.ClassWorker,
				}
			}
			if rep.Status == worker.StatusProgress {
				markExecuting()
				c.emit(Event{Type: EventProgress, TaskID: task.ID, WorkerID: workerID, Message: rep.Logs})
				continue
			}
			markExecuting()
			if rep.Status == worker.StatusSuccess {
				return executeOutcome{report: rep}
			}
			return executeOutcome{report: rep, class: classify(rep.Err)}

		case <-deadline.C:
			markExecuting()
			return executeOutcome{
				report: worker.Report{TaskID: task.ID, Status: worker.StatusFailure, Err: fmt.Errorf("no terminal report within %s: %w", c.config.TaskDeadline, context.DeadlineExceeded)},
				class:  policy.ClassTimeout,
			}
		}
	}
}

// specContext assembles the free-form context passed to the worker: the
// rule that matched, the dependency ids, and any prior failure annotation.
func specContext(task backlog.Task, cand delegation.Candidate) map[string]string {
	sc := map[string]string{"rule": cand.Rule.Name}
	if len(task.Dependencies) > 0 {
		sc["dependencies"] = strings.Join(task.Dependencies, ",")
	}
	if task.Annotation != "" {
		sc["annotation"] = task.Annotation
	}
	return sc
}

// classify maps a worker failure to an error class. The deadline produces
// timeout; external I/O failures produce network; everything else is a
// worker fault.
func classify(err error) policy.ErrorClass {
	if err == nil {
		return policy.ClassWorker
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return policy.ClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"network", "connection refused", "connection reset", "dns", "tls", "dial tcp", "remote:", "git fetch", "rate limit"} {
		if strings.Contains(msg, marker) {
			return policy.ClassNetwork
		}
	}
	return policy.ClassWorker
}

// escalate marks the task failed with a human-readable annotation and
// returns the terminal status.
func (c *Controller) escalate(taskID, workerID string, class policy.ErrorClass, attempts int, reason string) backlog.Status {
	c.audit(audit.Event{Type: audit.EventTaskEscalated, TaskID: taskID, WorkerID: workerID, Status: "escalated", Details: map[string]any{
		"error_class": string(class),
		"attempts":    attempts,
		"reason":      reason,
	}})
	c.emit(Event{Type: EventEscalate, TaskID: taskID, WorkerID: workerID, Class: class, Attempt: attempts, Error: reason})

	annotation := fmt.Sprintf("%s failure after %d attempts, %s; needs manual review", class, attempts, reason)
	if err := c.transition(taskID, backlog.StatusFailed, update{worker: workerID, annotation: annotation, details: map[string]any{
		"error_class": string(class),
		"reason":      reason,
	}}); err != nil {
		c.logger.ErrorCtx("transition failed", map[string]any{"task_id": taskID, "error": err.Error()})
	}
	return backlog.StatusFailed
}

// blockNoMatch marks a task blocked because no rule or worker matched it.
func (c *Controller) blockNoMatch(taskID string, err error) backlog.Status {
	annotation := "no matching worker; add a rule or register a capable worker"
	c.logger.WarnCtx("delegation found no match", map[string]any{"task_id": taskID, "error": err.Error()})
	if berr := c.block(taskID, annotation); berr != nil {
		c.logger.ErrorCtx("block failed", map[string]any{"task_id": taskID, "error": berr.Error()})
	}
	return backlog.StatusBlocked
}

func (c *Controller) block(taskID, annotation string) error {
	return c.transition(taskID, backlog.StatusBlocked, update{annotation: annotation})
}

// update carries the field changes that ride along with a transition.
type update struct {
	worker     string
	annotation string
	details    map[string]any
}

// auditTypeFor maps a destination status to its audit event type.
var auditTypeFor = map[backlog.Status]audit.EventType{
	backlog.StatusAnalyzing: audit.EventTaskAnalyzing,
	backlog.StatusScheduled: audit.EventTaskScheduled,
	backlog.StatusDelegated: audit.EventTaskDelegated,
	backlog.StatusExecuting: audit.EventTaskExecuting,
	backlog.StatusCompleted: audit.EventTaskCompleted,
	backlog.StatusFailed:    audit.EventTaskFailed,
	backlog.StatusBlocked:   audit.EventTaskBlocked,
}

// transition moves the task to a new status under the store lock and emits
// exactly one audit event for the change. Re-entering the current status is
// a no-op: the delegation loop may pass through analysis several times while
// excluding workers, and only an actual state change is audited.
func (c *Controller) transition(taskID string, to backlog.Status, up update) error {
	var from backlog.Status
	err := c.store.Mutate(func(tasks []backlog.Task) ([]backlog.Task, error) {
		t := backlog.FindTask(tasks, taskID)
		if t == nil {
			return nil, fmt.Errorf("task %s not in backlog", taskID)
		}
		from = t.Status
		if t.Status == to {
			return tasks, nil
		}
		if !backlog.CanTransition(t.Status, to) {
			return nil, fmt.Errorf("invalid transition %s -> %s for task %s", t.Status, to, taskID)
		}
		t.Status = to
		t.UpdatedAt = time.Now()
		if up.worker != "" {
			t.AssignedWorker = up.worker
		}
		if up.annotation != "" {
			t.Annotation = up.annotation
		}
		return tasks, nil
	})
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}

	details := up.details
	c.audit(audit.Event{
		Type:     auditTypeFor[to],
		TaskID:   taskID,
		WorkerID: up.worker,
		Status:   string(to),
		Details:  details,
	})
	c.emit(Event{Type: EventTransition, TaskID: taskID, WorkerID: up.worker, From: from, To: to, Score: scoreFrom(details)})
	c.logger.DebugCtx("task transition", map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	return nil
}

func scoreFrom(details map[string]any) float64 {
	if details == nil {
		return 0
	}
	if s, ok := details["score"].(float64); ok {
		return s
	}
	return 0
}

// bumpRetry increments the task's retry counter under the store lock.
func (c *Controller) bumpRetry(taskID string) error {
	return c.store.Mutate(func(tasks []backlog.Task) ([]backlog.Task, error) {
		t := backlog.FindTask(tasks, taskID)
		if t == nil {
			return nil, fmt.Errorf("task %s not in backlog", taskID)
		}
		t.RetryCount++
		t.UpdatedAt = time.Now()
		return tasks, nil
	})
}
