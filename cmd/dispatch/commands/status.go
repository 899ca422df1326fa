package commands

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/marcus/dispatch/internal/backlog"
	"github.com/marcus/dispatch/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog status",
	Long: `Show the current state of every task in the backlog: status,
assigned worker, retry count, and any failure annotation.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("no-color", false, "Disable colored output")
	statusCmd.Flags().Bool("all", false, "Include completed tasks")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	disableColorIfRequested(cmd)
	showAll, _ := cmd.Flags().GetBool("all")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tasks, err := newStore(cfg).Load()
	if err != nil {
		return fmt.Errorf("load backlog: %w", err)
	}

	styles := ui.NewStyles()
	if len(tasks) == 0 {
		fmt.Println(styles.Muted.Render("backlog is empty"))
		return nil
	}

	counts := make(map[backlog.Status]int)
	for _, t := range tasks {
		counts[t.Status]++
	}

	fmt.Println(styles.Title.Render("Backlog " + cfg.Backlog.Path))
	fmt.Printf("  %s %d  %s %d  %s %d  %s %d\n\n",
		styles.Label.Render("pending"), counts[backlog.StatusPending]+counts[backlog.StatusAnalyzing]+counts[backlog.StatusScheduled]+counts[backlog.StatusDelegated]+counts[backlog.StatusExecuting],
		styles.StatusOK.Render("completed"), counts[backlog.StatusCompleted],
		styles.StatusError.Render("failed"), counts[backlog.StatusFailed],
		styles.StatusWarn.Render("blocked"), counts[backlog.StatusBlocked],
	)

	for _, t := range tasks {
		if t.Status == backlog.StatusCompleted && !showAll {
			continue
		}
		line := fmt.Sprintf("  %s %-10s %s",
			styles.Value.Render(fmt.Sprintf("%-6s", t.ID)),
			statusStyle(styles, t.Status).Render(string(t.Status)),
			t.Description,
		)
		if t.AssignedWorker != "" {
			line += styles.Muted.Render(" @" + t.AssignedWorker)
		}
		if t.RetryCount > 0 {
			line += styles.Muted.Render(fmt.Sprintf(" (retries %d)", t.RetryCount))
		}
		fmt.Println(line)
		if t.Annotation != "" {
			fmt.Println(styles.Muted.Render("         " + t.Annotation))
		}
	}
	return nil
}

func statusStyle(styles *ui.Styles, s backlog.Status) lipgloss.Style {
	switch s {
	case backlog.StatusCompleted:
		return styles.StatusOK
	case backlog.StatusFailed:
		return styles.StatusError
	case backlog.StatusBlocked:
		return styles.StatusWarn
	case backlog.StatusPending:
		return styles.Muted
	default:
		return styles.StatusRunning
	}
}
