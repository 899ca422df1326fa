package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marcus/dispatch/internal/logging"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the backlog and run when it changes",
	Long: `Watch the backlog ledger and start a run whenever it changes.

Edits to the backlog (new tasks, reopened tasks) trigger a run after a
short debounce window, so a burst of saves produces a single run. Runs
never overlap; changes observed while a run is active queue exactly one
follow-up run.

Press Ctrl+C to stop watching.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Duration("debounce", 2*time.Second, "Quiet period after a change before running")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return err
	}
	log := logging.Component("watch")

	debounce, _ := cmd.Flags().GetDuration("debounce")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace the file by
	// rename, which drops a watch bound to the file itself.
	backlogDir := filepath.Dir(cfg.Backlog.Path)
	backlogName := filepath.Base(cfg.Backlog.Path)
	if err := watcher.Add(backlogDir); err != nil {
		return fmt.Errorf("watching %s: %w", backlogDir, err)
	}

	fmt.Printf("Watching %s (Ctrl+C to exit)\n", cfg.Backlog.Path)

	var timer *time.Timer
	var timerCh <-chan time.Time

	running := false
	pending := false
	doneCh := make(chan error, 1)

	startRun := func() {
		running = true
		pending = false
		go func() {
			doneCh <- runOnce(ctx, cmd)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			if running {
				<-doneCh
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != backlogName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.DebugCtx("backlog changed", map[string]any{"op": event.Op.String()})
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			if running {
				pending = true
				continue
			}
			startRun()

		case err := <-doneCh:
			running = false
			if err != nil {
				log.ErrorCtx("run failed", map[string]any{"error": err.Error()})
				fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
			}
			if pending && ctx.Err() == nil {
				startRun()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

// runOnce executes a single orchestration run with the current config.
// The backlog is re-read each time, so edits between runs are picked up.
func runOnce(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	controller, auditor, err := buildController(cfg)
	if err != nil {
		return err
	}
	defer auditor.Close()

	result, err := controller.Run(ctx)
	if err != nil {
		return err
	}
	printRunSummary(result)
	return nil
}
