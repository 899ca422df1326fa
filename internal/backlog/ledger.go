package backlog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Ledger is a parsed backlog file. Non-task lines (headings, blank lines,
// prose) are preserved byte-for-byte; task lines are parsed into Task
// structs and regenerated only when their task actually changed.
type Ledger struct {
	lines   []string
	tasks   []Task
	lineFor map[string]int // task id -> index into lines
	indent  map[string]string
}

// taskLinePattern matches one ledger entry: indentation, a checkbox marker,
// a dotted numeric id, and free text.
var taskLinePattern = regexp.MustCompile(`^(\s*)- \[( |x|X)\]\s+(\d+(?:\.\d+)*)\s+(.*)$`)

// statusPattern matches a trailing inline status annotation with an
// optional parenthesized note.
var statusPattern = regexp.MustCompile(`\s+status:\s*([a-z-]+)(?:\s+\((.*)\))?\s*$`)

// depsPattern matches an inline dependency list annotation.
var depsPattern = regexp.MustCompile(`\s+deps:\s*([0-9.]+(?:\s*,\s*[0-9.]+)*)`)

// retriesPattern matches an inline retry-count annotation.
var retriesPattern = regexp.MustCompile(`\s+retries:\s*(\d+)`)

// ParseLedger parses backlog file contents. Malformed task lines are kept
// as plain text rather than rejected; the ledger is a shared human-edited
// file and must never be destroyed by a strict parser.
func ParseLedger(data []byte) *Ledger {
	now := time.Now()
	l := &Ledger{
		lineFor: make(map[string]int),
		indent:  make(map[string]string),
	}
	l.lines = strings.Split(string(data), "\n")

	for i, line := range l.lines {
		m := taskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		indent, check, id, rest := m[1], m[2], m[3], m[4]
		if _, dup := l.lineFor[id]; dup {
			continue // first occurrence wins
		}

		task := Task{
			ID:        id,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if check == "x" || check == "X" {
			task.Status = StatusCompleted
		}

		if sm := statusPattern.FindStringSubmatch(rest); sm != nil {
			if s := Status(sm[1]); s.Valid() {
				task.Status = s
				task.Annotation = sm[2]
				rest = rest[:len(rest)-len(sm[0])]
			}
		}
		if dm := depsPattern.FindStringSubmatch(rest); dm != nil {
			for _, dep := range strings.Split(dm[1], ",") {
				task.Dependencies = append(task.Dependencies, strings.TrimSpace(dep))
			}
			rest = strings.Replace(rest, dm[0], "", 1)
		}
		if rm := retriesPattern.FindStringSubmatch(rest); rm != nil {
			task.RetryCount, _ = strconv.Atoi(rm[1])
			rest = strings.Replace(rest, rm[0], "", 1)
		}
		task.Description = strings.TrimSpace(rest)

		l.tasks = append(l.tasks, task)
		l.lineFor[id] = i
		l.indent[id] = indent
	}
	return l
}

// Tasks returns a copy of the parsed tasks.
func (l *Ledger) Tasks() []Task {
	out := make([]Task, len(l.tasks))
	copy(out, l.tasks)
	return out
}

// Apply merges updated tasks back into the ledger. Only lines whose task
// differs from the parsed original are regenerated; everything else in the
// file stays untouched.
func (l *Ledger) Apply(tasks []Task) {
	orig := make(map[string]Task, len(l.tasks))
	for _, t := range l.tasks {
		orig[t.ID] = t
	}
	for _, t := range tasks {
		idx, ok := l.lineFor[t.ID]
		if !ok {
			continue
		}
		if prev, ok := orig[t.ID]; ok && taskLineEqual(prev, t) {
			continue
		}
		l.lines[idx] = formatTaskLine(t, l.indent[t.ID])
	}
	for i, t := range l.tasks {
		if upd := FindTask(tasks, t.ID); upd != nil {
			l.tasks[i] = *upd
		}
	}
}

// Render serializes the ledger back to file contents.
func (l *Ledger) Render() []byte {
	return []byte(strings.Join(l.lines, "\n"))
}

// taskLineEqual compares the fields that are persisted in a ledger line.
func taskLineEqual(a, b Task) bool {
	if a.Status != b.Status || a.Description != b.Description || a.Annotation != b.Annotation {
		return false
	}
	if a.RetryCount != b.RetryCount {
		return false
	}
	if len(a.Dependencies) != len(b.Dependencies) {
		return false
	}
	for i := range a.Dependencies {
		if a.Dependencies[i] != b.Dependencies[i] {
			return false
		}
	}
	return true
}

// formatTaskLine renders a single ledger entry.
func formatTaskLine(t Task, indent string) string {
	check := " "
	if t.Status == StatusCompleted {
		check = "x"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s- [%s] %s %s", indent, check, t.ID, t.Description)
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&b, " deps: %s", strings.Join(t.Dependencies, ","))
	}
	if t.RetryCount > 0 {
		fmt.Fprintf(&b, " retries: %d", t.RetryCount)
	}
	// Pending and completed are implied by the checkbox; everything else is
	// spelled out so the ledger stays readable without this tool.
	if t.Status != StatusPending && t.Status != StatusCompleted {
		fmt.Fprintf(&b, " status: %s", t.Status)
		if t.Annotation != "" {
			fmt.Fprintf(&b, " (%s)", t.Annotation)
		}
	}
	return b.String()
}
