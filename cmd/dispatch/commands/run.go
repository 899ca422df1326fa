package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/marcus/dispatch/internal/lifecycle"
	"github.com/marcus/dispatch/internal/logging"
	"github.com/marcus/dispatch/internal/ui"
)

// isInteractive reports whether stdout is a terminal. Override in tests.
var isInteractive = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// confirmRun prompts the user for confirmation unless bypassed by flags or
// non-TTY context. Returns true if execution should proceed.
func confirmRun(yes bool, log *logging.Logger) (bool, error) {
	if yes {
		return true, nil
	}
	if !isInteractive() {
		log.Info("non-TTY: auto-confirming")
		return true, nil
	}
	fmt.Print("Proceed? [y/N]: ")
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		ans := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(ans, "y") || strings.EqualFold(ans, "yes") {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read stdin: %w", err)
	}
	return false, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the backlog",
	Long: `Run one orchestration session over the task backlog.

Before executing, dispatch displays a preflight summary showing where
each runnable task would be delegated and with what score. In
interactive terminals a confirmation prompt is shown; use --yes to skip
it. In non-TTY environments (cron, daemon, CI) confirmation is
auto-skipped.

Use --dry-run to display the preflight summary and exit without
executing anything.

Flags:
  --max-tasks N   Limit how many tasks are started this run.
  --monitor       Show a live terminal UI while the run executes.
  --yes / -y      Skip the confirmation prompt.
  --dry-run       Show preflight summary and exit without executing.

Examples:
  dispatch run                # Interactive: preflight + prompt
  dispatch run --yes          # Skip confirmation
  dispatch run --dry-run      # Preview delegations only
  dispatch run --monitor      # Watch the run live
  dispatch run --max-tasks 3  # Start at most 3 tasks`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "Preview delegations without executing")
	runCmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")
	runCmd.Flags().Bool("monitor", false, "Show live terminal UI during the run")
	runCmd.Flags().Int("max-tasks", 0, "Max tasks to start this run (0 = no limit)")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	yes, _ := cmd.Flags().GetBool("yes")
	monitor, _ := cmd.Flags().GetBool("monitor")
	maxTasks, _ := cmd.Flags().GetInt("max-tasks")

	disableColorIfRequested(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if maxTasks > 0 {
		cfg.Run.MaxTasks = maxTasks
	}
	if err := initLogging(cmd, cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ninterrupt received, shutting down...")
		cancel()
	}()

	var extra []lifecycle.Option
	var relay *eventRelay
	if monitor && !dryRun {
		relay = &eventRelay{}
		extra = append(extra, lifecycle.WithEventHandler(relay.handle))
	}

	controller, auditor, err := buildController(cfg, extra...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := auditor.Close(); cerr != nil {
			log.Errorf("close audit log: %v", cerr)
		}
	}()

	planned, err := controller.Plan()
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	printPreflight(controller.RunID(), planned)
	if dryRun {
		return nil
	}
	if len(planned) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	ok, err := confirmRun(yes || monitor, log)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("aborted")
		return nil
	}

	var program *tea.Program
	if relay != nil {
		model := ui.New(controller.RunID())
		if tasks, lerr := newStore(cfg).Load(); lerr == nil {
			model.SetTasks(tasks)
		}
		program = model.RunWithProgram()
		relay.set(program)
	}

	result, err := controller.Run(ctx)
	if program != nil {
		program.Quit()
		program.Wait()
	}
	if err != nil {
		return err
	}
	printRunSummary(result)
	return nil
}

// eventRelay forwards controller events into the Bubbletea program once it
// exists. Events fired before set() are dropped; the controller only emits
// after Run starts, which happens after set().
type eventRelay struct {
	mu sync.Mutex
	p  *tea.Program
}

func (r *eventRelay) set(p *tea.Program) {
	r.mu.Lock()
	r.p = p
	r.mu.Unlock()
}

func (r *eventRelay) handle(e lifecycle.Event) {
	r.mu.Lock()
	p := r.p
	r.mu.Unlock()
	if p != nil {
		p.Send(ui.EventMsg(e))
	}
}

func printPreflight(runID string, planned []lifecycle.PlannedTask) {
	styles := ui.NewStyles()
	fmt.Println(styles.Title.Render("Preflight " + runID))
	if len(planned) == 0 {
		fmt.Println(styles.Muted.Render("  no runnable tasks"))
		return
	}
	for _, p := range planned {
		switch {
		case p.Problem != "":
			fmt.Printf("  %s %s %s\n",
				styles.StatusWarn.Render("!"),
				styles.Value.Render(p.TaskID),
				styles.Muted.Render(p.Problem))
		default:
			fmt.Printf("  %s %s %s %s\n",
				styles.StatusOK.Render(">"),
				styles.Value.Render(p.TaskID),
				p.Description,
				styles.Muted.Render(fmt.Sprintf("-> %s (rule %s, score %.0f)", p.WorkerID, p.Rule, p.Score)))
		}
	}
}

func printRunSummary(result *lifecycle.RunResult) {
	styles := ui.NewStyles()
	fmt.Printf("\n%s completed=%s failed=%s blocked=%s in %s\n",
		styles.Title.Render("Run "+result.RunID),
		styles.StatusOK.Render(fmt.Sprintf("%d", result.Completed)),
		styles.StatusError.Render(fmt.Sprintf("%d", result.Failed)),
		styles.StatusWarn.Render(fmt.Sprintf("%d", result.Blocked)),
		result.Duration.Round(10*time.Millisecond),
	)
}
