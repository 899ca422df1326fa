package runid

import (
	"testing"
	"time"
)

func TestAt(t *testing.T) {
	ts := time.Date(2026, 3, 1, 2, 15, 30, 0, time.UTC)
	if got, want := At(ts), "r-20260301-0215"; got != want {
		t.Errorf("At = %q, want %q", got, want)
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"r-20260301-0215", true},
		{"r-20260301-02", false},
		{"20260301-0215", false},
		{"r-2026031-0215", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := Valid(tc.id); got != tc.want {
			t.Errorf("Valid(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestNewIsValid(t *testing.T) {
	if id := New(); !Valid(id) {
		t.Errorf("New() = %q, not a valid run id", id)
	}
}
