// Package worker defines the invocation boundary between the orchestrator
// and the external executors that actually perform tasks. Workers are
// opaque: the controller hands over a task spec and receives asynchronous
// reports, with no insight into how the work gets done.
package worker

import (
	"context"
)

// ReportStatus is the status carried by a worker report.
type ReportStatus string

const (
	StatusProgress ReportStatus = "progress"
	StatusSuccess  ReportStatus = "success"
	StatusFailure  ReportStatus = "failure"
)

// Terminal reports whether the status ends the invocation.
func (s ReportStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Spec is the payload handed to a worker on invocation.
type Spec struct {
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	RunID       string            `json:"run_id"`
	Context     map[string]string `json:"context,omitempty"`
}

// Report is a self-report from a running worker. Workers emit zero or more
// progress reports followed by exactly one terminal report.
type Report struct {
	TaskID string
	Status ReportStatus
	Result string
	Logs   string
	Err    error
}

// Worker executes delegated tasks. Invoke returns immediately; reports
// arrive on the returned channel, which is closed after the terminal
// report. Cancelling ctx is advisory: a worker that ignores it is handled
// by the caller's deadline, never force-killed.
type Worker interface {
	ID() string
	Available() bool
	Invoke(ctx context.Context, spec Spec) <-chan Report
}
