package commands

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/marcus/dispatch/internal/audit"
	"github.com/marcus/dispatch/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
	Long: `Read the append-only audit log and print matching events.

Events are filtered with --run, --task, and --type, newest last. Use
--tail to limit output to the most recent N events, or --json for raw
NDJSON suitable for piping into jq.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().Int("tail", 0, "Show only the last N events (0 = all)")
	auditCmd.Flags().String("run", "", "Filter by run id")
	auditCmd.Flags().String("task", "", "Filter by task id")
	auditCmd.Flags().String("type", "", "Filter by event type, e.g. task.failed")
	auditCmd.Flags().Bool("json", false, "Print raw NDJSON records")
	auditCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	disableColorIfRequested(cmd)
	tail, _ := cmd.Flags().GetInt("tail")
	runFilter, _ := cmd.Flags().GetString("run")
	taskFilter, _ := cmd.Flags().GetString("task")
	typeFilter, _ := cmd.Flags().GetString("type")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	events, err := audit.ReadAll(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	filtered := events[:0]
	for _, ev := range events {
		if runFilter != "" && ev.RunID != runFilter {
			continue
		}
		if taskFilter != "" && ev.TaskID != taskFilter {
			continue
		}
		if typeFilter != "" && string(ev.Type) != typeFilter {
			continue
		}
		filtered = append(filtered, ev)
	}
	if tail > 0 && len(filtered) > tail {
		filtered = filtered[len(filtered)-tail:]
	}

	if asJSON {
		for _, ev := range filtered {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		}
		return nil
	}

	styles := ui.NewStyles()
	if len(filtered) == 0 {
		fmt.Println(styles.Muted.Render("no matching events"))
		return nil
	}
	for _, ev := range filtered {
		line := fmt.Sprintf("%s %s %s",
			styles.Muted.Render(ev.Timestamp.Format("2006-01-02 15:04:05")),
			eventStyle(styles, ev.Type).Render(fmt.Sprintf("%-16s", ev.Type)),
			styles.Value.Render(ev.RunID),
		)
		if ev.TaskID != "" {
			line += " " + ev.TaskID
		}
		if ev.WorkerID != "" {
			line += styles.Muted.Render(" @" + ev.WorkerID)
		}
		if len(ev.Details) > 0 {
			if detail, err := json.Marshal(ev.Details); err == nil {
				line += " " + styles.Muted.Render(string(detail))
			}
		}
		fmt.Println(line)
	}
	return nil
}

func eventStyle(styles *ui.Styles, t audit.EventType) lipgloss.Style {
	switch t {
	case audit.EventTaskFailed, audit.EventTaskEscalated:
		return styles.StatusError
	case audit.EventTaskRetry, audit.EventWorkerRotated, audit.EventTaskBlocked:
		return styles.StatusWarn
	case audit.EventTaskCompleted:
		return styles.StatusOK
	default:
		return styles.StatusRunning
	}
}
