// Package audit appends orchestration events to an NDJSON log. The log is
// append-only: records are never rewritten or deleted, and every record is
// serialized in full before a single write call so a crash mid-write leaves
// at most one partial trailing line, which readers skip.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/dispatch/internal/logging"
)

// EventType identifies the kind of auditable event.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunFinished   EventType = "run.finished"
	EventTaskAnalyzing EventType = "task.analyzing"
	EventTaskScheduled EventType = "task.scheduled"
	EventTaskDelegated EventType = "task.delegated"
	EventTaskExecuting EventType = "task.executing"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskBlocked   EventType = "task.blocked"
	EventTaskRetry     EventType = "task.retry"
	EventWorkerRotated EventType = "worker.rotated"
	EventTaskEscalated EventType = "task.escalated"
)

// Event is a single line in the audit log.
type Event struct {
	ID        string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	RunID     string         `json:"run_id"`
	TaskID    string         `json:"task_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("audit: logger closed")

// Logger drains enqueued events to the log file on a single writer
// goroutine. Multiple components may call Emit concurrently.
type Logger struct {
	path  string
	runID string

	mu     sync.Mutex
	lastTS time.Time
	closed bool

	ch   chan Event
	done chan struct{}

	writeMu sync.Mutex
	lastErr error

	log *logging.Logger
}

// NewLogger starts the writer goroutine. The file and its parent directory
// are created on the first write, not here, so a dry run never touches disk.
func NewLogger(path, runID string) *Logger {
	l := &Logger{
		path:  path,
		runID: runID,
		ch:    make(chan Event, 256),
		done:  make(chan struct{}),
		log:   logging.Component("audit"),
	}
	go l.drain()
	return l
}

// Emit enqueues an event for appending. The event's ID, RunID and Timestamp
// are filled in here; timestamps are monotonic per process even if the wall
// clock steps backwards.
func (l *Logger) Emit(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	ts := time.Now().UTC()
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Microsecond)
	}
	l.lastTS = ts

	ev.ID = uuid.NewString()
	ev.Timestamp = ts
	if ev.RunID == "" {
		ev.RunID = l.runID
	}
	// Sent under mu so append order matches timestamp order and Close
	// can never close the channel mid-send.
	l.ch <- ev
	return nil
}

// Close drains remaining events, closes the file, and reports the first
// write error encountered, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	<-l.done

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.lastErr
}

func (l *Logger) drain() {
	defer close(l.done)

	var f *os.File
	for ev := range l.ch {
		if f == nil {
			var err error
			f, err = l.open()
			if err != nil {
				l.recordErr(err)
				continue
			}
		}
		line, err := json.Marshal(ev)
		if err != nil {
			l.recordErr(fmt.Errorf("marshal event %s: %w", ev.Type, err))
			continue
		}
		// One write per record: a crash leaves at most a partial
		// trailing line, never an interleaved or torn earlier record.
		if _, err := f.Write(append(line, '\n')); err != nil {
			l.recordErr(fmt.Errorf("append event %s: %w", ev.Type, err))
		}
	}
	if f != nil {
		if err := f.Close(); err != nil {
			l.recordErr(err)
		}
	}
}

func (l *Logger) open() (*os.File, error) {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return f, nil
}

func (l *Logger) recordErr(err error) {
	l.log.ErrorCtx("audit write failed", map[string]any{"error": err.Error()})
	l.writeMu.Lock()
	if l.lastErr == nil {
		l.lastErr = err
	}
	l.writeMu.Unlock()
}

// ReadAll parses every complete record in the log. A malformed final line
// (a write interrupted by a crash) is skipped; a malformed line anywhere
// else is an error, since complete records are never mutated.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	var pendingErr error
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			return nil, pendingErr
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Only tolerated if this turns out to be the last line.
			pendingErr = fmt.Errorf("corrupt audit record after %d events: %w", len(events), err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
