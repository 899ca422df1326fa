// Package config handles loading and validating dispatch configuration.
// Supports YAML config files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Validation errors.
var (
	ErrCronAndInterval    = errors.New("schedule: cron and interval are mutually exclusive")
	ErrInvalidLogLevel    = errors.New("logging: level must be debug, info, warn, or error")
	ErrInvalidLogFormat   = errors.New("logging: format must be json or console")
	ErrInvalidMinScore    = errors.New("delegation: min_score must be between 0 and 100")
	ErrInvalidPoolSize    = errors.New("run: pool_size must be positive")
	ErrInvalidRetryBudget = errors.New("policy: retry budgets must not be negative")
	ErrWorkerMissingID    = errors.New("workers: every worker needs an id")
)

// Config holds all dispatch configuration.
type Config struct {
	Backlog    BacklogConfig    `mapstructure:"backlog"`
	Delegation DelegationConfig `mapstructure:"delegation"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Run        RunConfig        `mapstructure:"run"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Workers    []WorkerConfig   `mapstructure:"workers"`
}

// BacklogConfig configures the task ledger store.
type BacklogConfig struct {
	Path         string        `mapstructure:"path"`
	LockAttempts int           `mapstructure:"lock_attempts"`
	LockDelay    time.Duration `mapstructure:"lock_delay"`
	StaleLockAge time.Duration `mapstructure:"stale_lock_age"`
}

// DelegationConfig points at the rule and worker registry files.
type DelegationConfig struct {
	RulesPath   string  `mapstructure:"rules_path"`
	WorkersPath string  `mapstructure:"workers_path"`
	MinScore    float64 `mapstructure:"min_score"`
}

// PolicyConfig configures retry budgets and the circuit breaker.
type PolicyConfig struct {
	MaxRetries       map[string]int `mapstructure:"max_retries"`
	BaseDelay        time.Duration  `mapstructure:"base_delay"`
	MaxDelay         time.Duration  `mapstructure:"max_delay"`
	BreakerThreshold int            `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration  `mapstructure:"breaker_cooldown"`
}

// RunConfig configures the lifecycle controller.
type RunConfig struct {
	PoolSize     int           `mapstructure:"pool_size"`
	TaskDeadline time.Duration `mapstructure:"task_deadline"`
	MaxTasks     int           `mapstructure:"max_tasks"`
}

// ScheduleConfig configures the daemon. Cron and Interval are mutually
// exclusive. An optional window restricts runs to a time-of-day range.
type ScheduleConfig struct {
	Cron     string        `mapstructure:"cron"`
	Interval time.Duration `mapstructure:"interval"`
	Window   *WindowConfig `mapstructure:"window"`
}

// WindowConfig bounds daemon runs to a daily time window. Start and End
// are HH:MM; a window crossing midnight (e.g. 22:00 to 06:00) is valid.
type WindowConfig struct {
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

// AuditConfig configures the audit event log.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures diagnostic logging.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// WorkerConfig binds a registry worker id to the command that executes
// its tasks.
type WorkerConfig struct {
	ID      string   `mapstructure:"id"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	WorkDir string   `mapstructure:"work_dir"`
}

// GlobalConfigPath returns the per-user config file location.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "dispatch.yaml"
	}
	return filepath.Join(home, ".config", "dispatch", "dispatch.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backlog.path", "backlog.md")
	v.SetDefault("backlog.lock_attempts", 60)
	v.SetDefault("backlog.lock_delay", "5s")
	v.SetDefault("backlog.stale_lock_age", "10m")

	v.SetDefault("delegation.rules_path", "rules.yaml")
	v.SetDefault("delegation.workers_path", "workers.yaml")
	v.SetDefault("delegation.min_score", 50)

	v.SetDefault("policy.base_delay", "1s")
	v.SetDefault("policy.max_delay", "16s")
	v.SetDefault("policy.breaker_threshold", 5)
	v.SetDefault("policy.breaker_cooldown", "10m")

	v.SetDefault("run.pool_size", 4)
	v.SetDefault("run.task_deadline", "1h")

	v.SetDefault("audit.path", "audit.ndjson")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.retention_days", 7)
}

// Load reads configuration from the given file and the environment. An
// empty path falls back to ./dispatch.yaml, then the global config; a
// missing file yields defaults. Environment variables use the DISPATCH_
// prefix with underscores, e.g. DISPATCH_RUN_POOL_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case path != "":
		v.SetConfigFile(expandPath(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	default:
		for _, candidate := range []string{"dispatch.yaml", GlobalConfigPath()} {
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("read config: %w", err)
				}
				break
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Backlog.Path = expandPath(cfg.Backlog.Path)
	cfg.Delegation.RulesPath = expandPath(cfg.Delegation.RulesPath)
	cfg.Delegation.WorkersPath = expandPath(cfg.Delegation.WorkersPath)
	cfg.Audit.Path = expandPath(cfg.Audit.Path)
	cfg.Logging.Path = expandPath(cfg.Logging.Path)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. Returns the first violation.
func Validate(cfg *Config) error {
	if cfg.Schedule.Cron != "" && cfg.Schedule.Interval > 0 {
		return ErrCronAndInterval
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		return ErrInvalidLogFormat
	}
	if cfg.Delegation.MinScore < 0 || cfg.Delegation.MinScore > 100 {
		return ErrInvalidMinScore
	}
	if cfg.Run.PoolSize < 0 {
		return ErrInvalidPoolSize
	}
	for _, n := range cfg.Policy.MaxRetries {
		if n < 0 {
			return ErrInvalidRetryBudget
		}
	}
	for _, w := range cfg.Workers {
		if w.ID == "" {
			return ErrWorkerMissingID
		}
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
