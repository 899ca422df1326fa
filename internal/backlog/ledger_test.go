package backlog

import (
	"strings"
	"testing"
)

const sampleLedger = `# Project backlog

Some introductory prose that must survive rewrites.

- [ ] 1 Set up repository
- [x] 1.1 Create module scaffold
- [ ] 1.2 Configure CI deps: 1.1
- [ ] 2 Build orchestration core
- [ ] 2.3 Perform security audit of authentication system status: executing
- [ ] 4.1 Sync artifacts upstream status: blocked (network error after 5 retries; check connectivity)

Trailing notes.
`

func TestParseLedger(t *testing.T) {
	l := ParseLedger([]byte(sampleLedger))
	tasks := l.Tasks()

	if len(tasks) != 6 {
		t.Fatalf("parsed %d tasks, want 6", len(tasks))
	}

	tests := []struct {
		id     string
		status Status
		desc   string
	}{
		{"1", StatusPending, "Set up repository"},
		{"1.1", StatusCompleted, "Create module scaffold"},
		{"1.2", StatusPending, "Configure CI"},
		{"2.3", StatusExecuting, "Perform security audit of authentication system"},
		{"4.1", StatusBlocked, "Sync artifacts upstream"},
	}
	for _, tt := range tests {
		task := FindTask(tasks, tt.id)
		if task == nil {
			t.Fatalf("task %s not found", tt.id)
		}
		if task.Status != tt.status {
			t.Errorf("task %s status = %s, want %s", tt.id, task.Status, tt.status)
		}
		if task.Description != tt.desc {
			t.Errorf("task %s description = %q, want %q", tt.id, task.Description, tt.desc)
		}
	}

	dep := FindTask(tasks, "1.2")
	if len(dep.Dependencies) != 1 || dep.Dependencies[0] != "1.1" {
		t.Errorf("task 1.2 dependencies = %v, want [1.1]", dep.Dependencies)
	}

	blocked := FindTask(tasks, "4.1")
	if blocked.Annotation != "network error after 5 retries; check connectivity" {
		t.Errorf("task 4.1 annotation = %q", blocked.Annotation)
	}
}

func TestRoundTripPreservesUnrelatedLines(t *testing.T) {
	l := ParseLedger([]byte(sampleLedger))
	l.Apply(l.Tasks()) // no changes

	if got := string(l.Render()); got != sampleLedger {
		t.Errorf("unchanged ledger altered by round-trip:\ngot:\n%s\nwant:\n%s", got, sampleLedger)
	}
}

func TestApplyRewritesOnlyChangedLines(t *testing.T) {
	l := ParseLedger([]byte(sampleLedger))
	tasks := l.Tasks()

	task := FindTask(tasks, "2.3")
	task.Status = StatusCompleted
	l.Apply(tasks)

	out := string(l.Render())
	if !strings.Contains(out, "- [x] 2.3 Perform security audit of authentication system") {
		t.Errorf("completed task not rewritten:\n%s", out)
	}
	if !strings.Contains(out, "Some introductory prose that must survive rewrites.") {
		t.Error("prose line lost")
	}
	if !strings.Contains(out, "- [ ] 1.2 Configure CI deps: 1.1") {
		t.Errorf("untouched task line altered:\n%s", out)
	}
}

func TestApplyFailureAnnotation(t *testing.T) {
	l := ParseLedger([]byte("- [ ] 3.1 Deploy service\n"))
	tasks := l.Tasks()
	tasks[0].Status = StatusFailed
	tasks[0].Annotation = "worker error after 2 retries; rotate worker or requeue"
	l.Apply(tasks)

	want := "- [ ] 3.1 Deploy service status: failed (worker error after 2 retries; rotate worker or requeue)"
	if got := strings.SplitN(string(l.Render()), "\n", 2)[0]; got != want {
		t.Errorf("failed line = %q, want %q", got, want)
	}

	// And it parses back to the same task.
	reparsed := ParseLedger(l.Render()).Tasks()
	if reparsed[0].Status != StatusFailed {
		t.Errorf("reparsed status = %s, want failed", reparsed[0].Status)
	}
	if reparsed[0].Annotation != tasks[0].Annotation {
		t.Errorf("reparsed annotation = %q", reparsed[0].Annotation)
	}
}

func TestRetryCountRoundTrip(t *testing.T) {
	l := ParseLedger([]byte("- [ ] 3.1 Deploy service deps: 2 retries: 2 status: analyzing\n"))
	tasks := l.Tasks()

	if tasks[0].RetryCount != 2 {
		t.Fatalf("parsed retry count = %d, want 2", tasks[0].RetryCount)
	}
	if len(tasks[0].Dependencies) != 1 || tasks[0].Dependencies[0] != "2" {
		t.Fatalf("parsed dependencies = %v, want [2]", tasks[0].Dependencies)
	}

	// Bumping only the counter must still rewrite the line.
	tasks[0].RetryCount = 3
	l.Apply(tasks)

	want := "- [ ] 3.1 Deploy service deps: 2 retries: 3 status: analyzing"
	if got := strings.SplitN(string(l.Render()), "\n", 2)[0]; got != want {
		t.Errorf("bumped line = %q, want %q", got, want)
	}

	reparsed := ParseLedger(l.Render()).Tasks()
	if reparsed[0].RetryCount != 3 {
		t.Errorf("reparsed retry count = %d, want 3", reparsed[0].RetryCount)
	}
}

func TestMalformedLinesIgnored(t *testing.T) {
	l := ParseLedger([]byte("- [ ] not-an-id broken\n- [?] 1 bad marker\nplain text\n"))
	if n := len(l.Tasks()); n != 0 {
		t.Errorf("parsed %d tasks from malformed input, want 0", n)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusAnalyzing, true},
		{StatusAnalyzing, StatusScheduled, true},
		{StatusScheduled, StatusDelegated, true},
		{StatusDelegated, StatusExecuting, true},
		{StatusDelegated, StatusCompleted, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusFailed, true},
		{StatusExecuting, StatusBlocked, true},
		{StatusPending, StatusExecuting, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusExecuting, false},
		{StatusFailed, StatusAnalyzing, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestDependenciesMet(t *testing.T) {
	tasks := []Task{
		{ID: "1", Status: StatusCompleted},
		{ID: "2", Status: StatusPending},
		{ID: "3", Status: StatusPending, Dependencies: []string{"1"}},
		{ID: "4", Status: StatusPending, Dependencies: []string{"1", "2"}},
		{ID: "5", Status: StatusPending, Dependencies: []string{"99"}},
	}

	if !FindTask(tasks, "3").DependenciesMet(tasks) {
		t.Error("task 3 deps met, got false")
	}
	if FindTask(tasks, "4").DependenciesMet(tasks) {
		t.Error("task 4 deps unmet, got true")
	}
	if FindTask(tasks, "5").DependenciesMet(tasks) {
		t.Error("unknown dependency should count as unmet")
	}
}
