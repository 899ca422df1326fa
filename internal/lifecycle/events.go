package lifecycle

import (
	"time"

	"github.com/marcus/dispatch/internal/backlog"
	"github.com/marcus/dispatch/internal/policy"
)

// EventType classifies controller lifecycle events.
type EventType int

const (
	EventRunStart   EventType = iota // orchestration run begins
	EventTransition                  // a task changed state
	EventRetry                       // a failed delegation will be retried
	EventRotate                      // re-delegating to a different worker
	EventEscalate                    // recovery options exhausted
	EventProgress                    // interim self-report from a worker
	EventRunEnd                      // orchestration run finished
)

// Event carries data about a controller lifecycle event.
type Event struct {
	Type     EventType
	Time     time.Time
	TaskID   string
	WorkerID string
	From     backlog.Status
	To       backlog.Status
	Class    policy.ErrorClass // failure class, for retry/rotate/escalate
	Attempt  int               // 1-based attempt within the current budget
	Delay    time.Duration     // backoff applied before the next attempt
	Score    float64           // delegation score, for transitions into scheduled
	Message  string
	Error    string
	Duration time.Duration // elapsed, for EventRunEnd
}

// EventHandler is a callback that receives controller events.
type EventHandler func(Event)
