package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/marcus/dispatch/internal/audit"
	"github.com/marcus/dispatch/internal/backlog"
	"github.com/marcus/dispatch/internal/config"
	"github.com/marcus/dispatch/internal/delegation"
	"github.com/marcus/dispatch/internal/lifecycle"
	"github.com/marcus/dispatch/internal/logging"
	"github.com/marcus/dispatch/internal/policy"
	"github.com/marcus/dispatch/internal/runid"
	"github.com/marcus/dispatch/internal/worker"
)

// loadConfig reads the config file named by --config, falling back to the
// default search path.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = cmd.Root().PersistentFlags().GetString("config")
	}
	return config.Load(path)
}

// initLogging configures the global logger from config, honoring the
// --verbose flag.
func initLogging(cmd *cobra.Command, cfg *config.Config) error {
	level := cfg.Logging.Level
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = "debug"
	}
	return logging.Init(logging.Config{
		Level:         level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	})
}

func disableColorIfRequested(cmd *cobra.Command) {
	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func newStore(cfg *config.Config) *backlog.Store {
	return backlog.NewStore(backlog.StoreConfig{
		Path:         cfg.Backlog.Path,
		LockAttempts: cfg.Backlog.LockAttempts,
		LockDelay:    cfg.Backlog.LockDelay,
		StaleLockAge: cfg.Backlog.StaleLockAge,
	})
}

func newPolicy(cfg *config.Config) *policy.Policy {
	budgets := make(map[policy.ErrorClass]int, len(cfg.Policy.MaxRetries))
	for class, n := range cfg.Policy.MaxRetries {
		budgets[policy.ErrorClass(class)] = n
	}
	if len(budgets) == 0 {
		budgets = nil
	}
	return policy.New(policy.Config{
		MaxRetries:       budgets,
		BaseDelay:        cfg.Policy.BaseDelay,
		MaxDelay:         cfg.Policy.MaxDelay,
		BreakerThreshold: cfg.Policy.BreakerThreshold,
		BreakerCooldown:  cfg.Policy.BreakerCooldown,
	})
}

// buildController wires a controller from config. The returned audit
// logger must be closed by the caller after the run.
func buildController(cfg *config.Config, extra ...lifecycle.Option) (*lifecycle.Controller, *audit.Logger, error) {
	registry, err := delegation.LoadRegistry(cfg.Delegation.RulesPath, cfg.Delegation.WorkersPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load registry: %w", err)
	}

	id := runid.New()
	auditor := audit.NewLogger(cfg.Audit.Path, id)
	opts := []lifecycle.Option{
		lifecycle.WithRunID(id),
		lifecycle.WithAuditor(auditor),
		lifecycle.WithStore(newStore(cfg)),
		lifecycle.WithRegistry(registry),
		lifecycle.WithEngine(delegation.NewEngine(cfg.Delegation.MinScore)),
		lifecycle.WithPolicy(newPolicy(cfg)),
		lifecycle.WithConfig(lifecycle.Config{
			PoolSize:     cfg.Run.PoolSize,
			TaskDeadline: cfg.Run.TaskDeadline,
			MaxTasks:     cfg.Run.MaxTasks,
		}),
	}
	for _, wc := range cfg.Workers {
		var wopts []worker.CommandOption
		if len(wc.Args) > 0 {
			wopts = append(wopts, worker.WithArgs(wc.Args...))
		}
		if wc.WorkDir != "" {
			wopts = append(wopts, worker.WithWorkDir(wc.WorkDir))
		}
		opts = append(opts, lifecycle.WithWorker(worker.NewCommandWorker(wc.ID, wc.Command, wopts...)))
	}
	opts = append(opts, extra...)

	c, err := lifecycle.New(opts...)
	if err != nil {
		auditor.Close()
		return nil, nil, err
	}
	return c, auditor, nil
}
