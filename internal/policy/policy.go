// Package policy decides what to do after a delegation failure: retry
// with backoff, rotate to a backup worker, or escalate. A per-task
// circuit breaker stops retry storms against systemically broken workers.
package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/marcus/dispatch/internal/logging"
)

// ErrorClass categorizes a failure for retry budgeting.
type ErrorClass string

const (
	ClassCritical  ErrorClass = "critical"   // unrecoverable environment/config failure
	ClassTask      ErrorClass = "task"       // malformed or ambiguous task definition
	ClassWorker    ErrorClass = "worker"     // assigned worker errored or is unavailable
	ClassTimeout   ErrorClass = "timeout"    // no terminal report within deadline
	ClassNetwork   ErrorClass = "network"    // external I/O failure
	ClassUserInput ErrorClass = "user-input" // conflicting or out-of-scope request
)

// Retryable reports whether the class participates in local recovery.
// Critical and user-input failures surface immediately.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTask, ClassWorker, ClassTimeout, ClassNetwork:
		return true
	}
	return false
}

// DecisionKind is the action the controller should take.
type DecisionKind int

const (
	DecisionRetry DecisionKind = iota
	DecisionRotateWorker
	DecisionEscalate
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionRetry:
		return "retry"
	case DecisionRotateWorker:
		return "rotate-worker"
	case DecisionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Decision is the policy's answer to one failure.
type Decision struct {
	Kind    DecisionKind
	Delay   time.Duration // backoff before the retry; zero otherwise
	Attempt int           // failure count for this (task, class)
	Reason  string
}

// Config holds the retry and breaker tuning knobs. Timeout and network
// budgets are deliberately separate even though both default to 5;
// timeout additionally doubles its computed backoff.
type Config struct {
	MaxRetries       map[ErrorClass]int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the default retry budgets and breaker settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: map[ErrorClass]int{
			ClassCritical: 1,
			ClassTask:     3,
			ClassWorker:   2,
			ClassNetwork:  5,
			ClassTimeout:  5,
		},
		BaseDelay:        time.Second,
		MaxDelay:         16 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  10 * time.Minute,
	}
}

type breakerKey struct {
	taskID string
	class  ErrorClass
}

type breakerState struct {
	consecutive int
	openedAt    time.Time
}

// Policy tracks per-(task, class) failure counts and breaker state for
// one run.
type Policy struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	attempts map[breakerKey]int
	breakers map[breakerKey]*breakerState

	now    func() time.Time // injectable for tests
	jitter func(d time.Duration) time.Duration
}

// New creates a Policy. Zero-valued config fields fall back to defaults.
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.MaxRetries == nil {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	return &Policy{
		cfg:      cfg,
		log:      logging.Component("policy"),
		attempts: make(map[breakerKey]int),
		breakers: make(map[breakerKey]*breakerState),
		now:      time.Now,
		jitter: func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)))
		},
	}
}

// OnFailure records a failure and returns the recovery decision.
func (p *Policy) OnFailure(taskID string, class ErrorClass) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := breakerKey{taskID: taskID, class: class}

	// Breaker check comes first: once open, every call short-circuits to
	// Escalate until the cool-down elapses, even with retry budget left.
	if br := p.breakers[key]; br != nil && br.consecutive >= p.cfg.BreakerThreshold {
		if p.now().Sub(br.openedAt) < p.cfg.BreakerCooldown {
			p.log.WarnCtx("circuit breaker open", map[string]any{
				"task_id": taskID,
				"class":   string(class),
			})
			return Decision{
				Kind:    DecisionEscalate,
				Attempt: p.attempts[key],
				Reason:  "circuit breaker open",
			}
		}
		// Cool-down elapsed: close the breaker and start fresh.
		delete(p.breakers, key)
		p.attempts[key] = 0
	}

	p.attempts[key]++
	attempt := p.attempts[key]
	p.recordBreakerFailure(key)

	if !class.Retryable() {
		return Decision{
			Kind:    DecisionEscalate,
			Attempt: attempt,
			Reason:  string(class) + " failures are not retried",
		}
	}

	if attempt <= p.cfg.MaxRetries[class] {
		delay := p.backoff(class, attempt-1)
		p.log.InfoCtx("scheduling retry", map[string]any{
			"task_id": taskID,
			"class":   string(class),
			"attempt": attempt,
			"delay":   delay.String(),
		})
		return Decision{Kind: DecisionRetry, Delay: delay, Attempt: attempt, Reason: "retry budget remaining"}
	}

	// Budget exhausted for this worker: rotate. The next worker gets a
	// fresh budget; the breaker keeps counting across rotations.
	p.attempts[key] = 0
	return Decision{
		Kind:    DecisionRotateWorker,
		Attempt: attempt,
		Reason:  string(class) + " retry budget exhausted",
	}
}

// OnSuccess clears failure and breaker state for the task.
func (p *Policy) OnSuccess(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.attempts {
		if key.taskID == taskID {
			delete(p.attempts, key)
		}
	}
	for key := range p.breakers {
		if key.taskID == taskID {
			delete(p.breakers, key)
		}
	}
}

// recordBreakerFailure bumps the consecutive count and opens the breaker
// at the threshold. Caller holds the lock.
func (p *Policy) recordBreakerFailure(key breakerKey) {
	br := p.breakers[key]
	if br == nil {
		br = &breakerState{}
		p.breakers[key] = br
	}
	br.consecutive++
	if br.consecutive == p.cfg.BreakerThreshold {
		br.openedAt = p.now()
		p.log.WarnCtx("circuit breaker opened", map[string]any{
			"task_id":     key.taskID,
			"class":       string(key.class),
			"consecutive": br.consecutive,
			"cooldown":    p.cfg.BreakerCooldown.String(),
		})
	}
}

// backoff computes the delay for the given 0-indexed attempt:
// base * 2^n + jitter, capped at MaxDelay before jitter. Timeout-class
// failures double the result.
func (p *Policy) backoff(class ErrorClass, attempt int) time.Duration {
	delay := p.cfg.BaseDelay << uint(attempt)
	if delay > p.cfg.MaxDelay || delay <= 0 {
		delay = p.cfg.MaxDelay
	}
	delay += p.jitter(p.cfg.BaseDelay)
	if class == ClassTimeout {
		delay *= 2
	}
	return delay
}
