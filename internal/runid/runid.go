// Package runid generates the per-session orchestration run identifier.
package runid

import (
	"regexp"
	"time"
)

const layout = "20060102-1504"

var pattern = regexp.MustCompile(`^r-\d{8}-\d{4}$`)

// New returns a run id for the current time, e.g. "r-20260301-0200".
// One id is generated per orchestration session and propagated into every
// audit event and worker invocation.
func New() string {
	return At(time.Now())
}

// At returns the run id for an explicit timestamp.
func At(t time.Time) string {
	return "r-" + t.Format(layout)
}

// Valid reports whether s is a well-formed run id.
func Valid(s string) bool {
	return pattern.MatchString(s)
}
