// Package backlog manages the durable task ledger: the task data model,
// the markdown line format, and a lock-protected store with atomic commits.
package backlog

import (
	"time"
)

// Status represents a task's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusScheduled Status = "scheduled"
	StatusDelegated Status = "delegated"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// allowedTransitions is the task lifecycle transition table. Blocked is
// reachable from every non-terminal state; terminal states have no exits.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusAnalyzing: {},
		StatusBlocked:   {},
	},
	StatusAnalyzing: {
		StatusScheduled: {},
		StatusBlocked:   {},
		StatusFailed:    {},
	},
	StatusScheduled: {
		StatusDelegated: {},
		StatusAnalyzing: {}, // worker rotation re-runs delegation
		StatusBlocked:   {},
		StatusFailed:    {},
	},
	StatusDelegated: {
		StatusExecuting: {},
		StatusCompleted: {}, // terminal report may land after a lost executing write
		StatusAnalyzing: {},
		StatusBlocked:   {},
		StatusFailed:    {},
	},
	StatusExecuting: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusAnalyzing: {},
		StatusBlocked:   {},
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether a status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusScheduled, StatusDelegated,
		StatusExecuting, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Task is one entry in the backlog ledger.
type Task struct {
	ID             string    `json:"id"` // dotted hierarchical id, e.g. "2.3"
	Description    string    `json:"description"`
	Status         Status    `json:"status"`
	AssignedWorker string    `json:"assigned_worker,omitempty"`
	RetryCount     int       `json:"retry_count"`
	Dependencies   []string  `json:"dependencies,omitempty"`
	Annotation     string    `json:"annotation,omitempty"` // human-readable failure/blockage note
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DependenciesMet reports whether every dependency of the task is completed
// in the given backlog. Unknown dependency ids count as unmet.
func (t Task) DependenciesMet(tasks []Task) bool {
	if len(t.Dependencies) == 0 {
		return true
	}
	byID := make(map[string]Status, len(tasks))
	for _, other := range tasks {
		byID[other.ID] = other.Status
	}
	for _, dep := range t.Dependencies {
		if byID[dep] != StatusCompleted {
			return false
		}
	}
	return true
}

// FindTask returns the task with the given id, or nil.
func FindTask(tasks []Task, id string) *Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}
