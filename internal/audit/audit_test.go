package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmitAppendsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.ndjson")
	l := NewLogger(path, "r-20260301-0200")

	for i, typ := range []EventType{EventRunStarted, EventTaskDelegated, EventTaskCompleted} {
		err := l.Emit(Event{Type: typ, TaskID: "1.1", Status: "ok", Details: map[string]any{"seq": i}})
		if err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	want := []EventType{EventRunStarted, EventTaskDelegated, EventTaskCompleted}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, want[i])
		}
		if ev.RunID != "r-20260301-0200" {
			t.Errorf("event %d run_id = %q", i, ev.RunID)
		}
		if ev.ID == "" {
			t.Errorf("event %d has empty event_id", i)
		}
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	l := NewLogger(path, "r-20260301-0200")

	for i := 0; i < 50; i++ {
		if err := l.Emit(Event{Type: EventTaskRetry, Status: "retrying"}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var prev time.Time
	for i, ev := range events {
		if !ev.Timestamp.After(prev) {
			t.Errorf("event %d timestamp %v not after %v", i, ev.Timestamp, prev)
		}
		prev = ev.Timestamp
	}
}

func TestAppendAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")

	l1 := NewLogger(path, "r-20260301-0200")
	if err := l1.Emit(Event{Type: EventRunStarted, Status: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := l1.Close(); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	l2 := NewLogger(path, "r-20260301-0315")
	if err := l2.Emit(Event{Type: EventRunStarted, Status: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := l2.Close(); err != nil {
		t.Fatal(err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(after), string(before)) {
		t.Error("earlier records were rewritten on restart")
	}
	events, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].RunID == events[1].RunID {
		t.Error("expected distinct run ids across restarts")
	}
}

func TestReadAllSkipsPartialTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	l := NewLogger(path, "r-20260301-0200")
	if err := l.Emit(Event{Type: EventTaskFailed, TaskID: "4.1", Status: "failed"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write of the next record.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"event_id":"abc","event_ty`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	events, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].TaskID != "4.1" {
		t.Errorf("task_id = %q, want 4.1", events[0].TaskID)
	}
}

func TestReadAllRejectsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	content := `{"event_id":"a","event_type":"task.completed","run_id":"r-20260301-0200","status":"ok"}
not json at all
{"event_id":"b","event_type":"task.failed","run_id":"r-20260301-0200","status":"failed"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadAll(path); err == nil {
		t.Fatal("expected error for mid-file corruption")
	}
}

func TestReadAllMissingFile(t *testing.T) {
	events, err := ReadAll(filepath.Join(t.TempDir(), "nope.ndjson"))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if events != nil {
		t.Errorf("got %d events, want none", len(events))
	}
}

func TestEmitAfterClose(t *testing.T) {
	l := NewLogger(filepath.Join(t.TempDir(), "events.ndjson"), "r-20260301-0200")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Emit(Event{Type: EventRunFinished}); err != ErrClosed {
		t.Errorf("Emit after Close = %v, want ErrClosed", err)
	}
}

func TestConcurrentEmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	l := NewLogger(path, "r-20260301-0200")

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 25; i++ {
				l.Emit(Event{Type: EventTaskExecuting, Status: "running"})
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	events, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 200 {
		t.Fatalf("got %d events, want 200", len(events))
	}
}
