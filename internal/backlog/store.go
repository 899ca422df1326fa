package backlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/dispatch/internal/logging"
)

// ErrLockTimeout is returned when the backlog lock cannot be acquired
// within the configured number of attempts.
var ErrLockTimeout = errors.New("backlog: lock acquisition timed out")

// Defaults for the lock protocol.
const (
	DefaultLockAttempts = 60
	DefaultLockDelay    = 5 * time.Second
	DefaultStaleLockAge = 10 * time.Minute
)

// StoreConfig configures a Store.
type StoreConfig struct {
	Path         string        // backlog file path
	LockAttempts int           // bounded lock retries (default 60)
	LockDelay    time.Duration // fixed delay between attempts (default 5s)
	StaleLockAge time.Duration // markers older than this are broken (default 10m)
}

// Store owns the backlog file for the lifetime of a run. All mutations go
// through WithLock, and commits replace the file atomically so readers
// never observe a partial write.
type Store struct {
	path         string
	lockPath     string
	lockAttempts int
	lockDelay    time.Duration
	staleLockAge time.Duration
	log          *logging.Logger
}

// NewStore creates a Store for the given backlog file.
func NewStore(cfg StoreConfig) *Store {
	if cfg.LockAttempts <= 0 {
		cfg.LockAttempts = DefaultLockAttempts
	}
	if cfg.LockDelay <= 0 {
		cfg.LockDelay = DefaultLockDelay
	}
	if cfg.StaleLockAge <= 0 {
		cfg.StaleLockAge = DefaultStaleLockAge
	}
	return &Store{
		path:         cfg.Path,
		lockPath:     cfg.Path + ".lock",
		lockAttempts: cfg.LockAttempts,
		lockDelay:    cfg.LockDelay,
		staleLockAge: cfg.StaleLockAge,
		log:          logging.Component("backlog"),
	}
}

// Path returns the backlog file path.
func (s *Store) Path() string {
	return s.path
}

// Load parses the backlog file into tasks. A missing file is an empty
// backlog, not an error.
func (s *Store) Load() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backlog: %w", err)
	}
	return ParseLedger(data).Tasks(), nil
}

// WithLock runs fn while holding the backlog lock. The lock is released on
// every exit path, including panics and errors from fn.
func (s *Store) WithLock(fn func() error) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()
	return fn()
}

// Mutate loads the backlog under lock, applies fn to the tasks, and
// commits the result. fn may return modified copies or the same slice.
func (s *Store) Mutate(fn func(tasks []Task) ([]Task, error)) error {
	return s.WithLock(func() error {
		data, err := os.ReadFile(s.path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading backlog: %w", err)
		}
		ledger := ParseLedger(data)

		updated, err := fn(ledger.Tasks())
		if err != nil {
			return err
		}

		ledger.Apply(updated)
		return s.writeAtomic(ledger.Render())
	})
}

// Commit replaces the backlog with the given tasks, preserving every line
// that does not belong to an updated task. Callers must hold the lock.
func (s *Store) Commit(tasks []Task) error {
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading backlog: %w", err)
	}
	ledger := ParseLedger(data)
	ledger.Apply(tasks)
	return s.writeAtomic(ledger.Render())
}

// writeAtomic writes contents to a temp file in the backlog's directory
// and renames it over the original.
func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating backlog dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".backlog-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp backlog: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing backlog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp backlog: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming backlog: %w", err)
	}
	return nil
}

// acquireLock creates the exclusive lock marker, retrying with a fixed
// delay up to the configured attempt budget.
func (s *Store) acquireLock() error {
	for attempt := 0; attempt < s.lockAttempts; attempt++ {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "pid=%d acquired=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock marker: %w", err)
		}

		if s.breakStaleLock() {
			continue // retry immediately after breaking
		}
		if attempt < s.lockAttempts-1 {
			time.Sleep(s.lockDelay)
		}
	}
	return ErrLockTimeout
}

// breakStaleLock removes a lock marker older than the stale threshold.
// A marker that old means a previous run crashed without cleaning up.
func (s *Store) breakStaleLock() bool {
	info, err := os.Stat(s.lockPath)
	if err != nil {
		return err == nil
	}
	if time.Since(info.ModTime()) < s.staleLockAge {
		return false
	}
	s.log.WarnCtx("breaking stale backlog lock", map[string]any{
		"lock":    s.lockPath,
		"age":     time.Since(info.ModTime()).String(),
		"max_age": s.staleLockAge.String(),
	})
	return os.Remove(s.lockPath) == nil
}

func (s *Store) releaseLock() {
	if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
		s.log.ErrorCtx("releasing backlog lock", map[string]any{"error": err.Error()})
	}
}
