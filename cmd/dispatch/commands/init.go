package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a dispatch workspace",
	Long: `Initialize a dispatch workspace in the current directory.

Creates dispatch.yaml, an empty backlog.md ledger, and starter
rules.yaml and workers.yaml registry files. Existing files are left
alone unless --force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing files without prompting")
	rootCmd.AddCommand(initCmd)
}

const defaultConfigContent = `# dispatch configuration
backlog:
  path: backlog.md
  lock_attempts: 60
  lock_delay: 5s
  stale_lock_age: 10m

delegation:
  rules_path: rules.yaml
  workers_path: workers.yaml
  min_score: 50

policy:
  base_delay: 1s
  max_delay: 16s
  breaker_threshold: 5
  breaker_cooldown: 10m

run:
  pool_size: 4
  task_deadline: 1h

audit:
  path: audit.ndjson

logging:
  level: info
  format: json

# Bind registry worker ids to the commands that execute their tasks.
# The task spec arrives as JSON on stdin; stdout becomes the result.
workers:
  - id: builder
    command: ./scripts/builder.sh
`

const defaultBacklogContent = `# Backlog

- [ ] 1 Describe your first task here
`

const defaultRulesContent = `rules:
  - name: security
    pattern: "security|audit|vulnerability"
    capabilities: [security-audit]
    priority: 3
  - name: build
    pattern: "build|implement|fix|refactor"
    capabilities: [build]
    priority: 5
`

const defaultWorkersContent = `workers:
  - id: builder
    capabilities: [build]
    tools: [git]
    available: true
`

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	files := []struct {
		name    string
		content string
	}{
		{"dispatch.yaml", defaultConfigContent},
		{"backlog.md", defaultBacklogContent},
		{"rules.yaml", defaultRulesContent},
		{"workers.yaml", defaultWorkersContent},
	}

	var created []string
	for _, f := range files {
		path := filepath.Join(cwd, f.name)
		if _, err := os.Stat(path); err == nil && !force {
			fmt.Printf("%sExists, skipping:%s %s\n", colorYellow, colorReset, f.name)
			continue
		} else if err == nil {
			fmt.Printf("%sOverwrite %s?%s [y/N]: ", colorYellow, f.name, colorReset)
			reader := bufio.NewReader(os.Stdin)
			response, _ := reader.ReadString('\n')
			response = strings.TrimSpace(strings.ToLower(response))
			if response != "y" && response != "yes" {
				fmt.Println("Skipped.")
				continue
			}
		}
		if err := os.WriteFile(path, []byte(f.content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
		created = append(created, f.name)
	}

	if len(created) > 0 {
		fmt.Printf("\n%s%sCreated:%s %s\n\n", colorBold, colorGreen, colorReset, strings.Join(created, ", "))
	}
	fmt.Printf("%sNext steps:%s\n", colorCyan, colorReset)
	fmt.Println("  1. Add tasks to backlog.md")
	fmt.Println("  2. Declare rules and workers in rules.yaml / workers.yaml")
	fmt.Println("  3. Bind worker commands in dispatch.yaml")
	fmt.Println("  4. Preview with 'dispatch run --dry-run', then 'dispatch run'")
	return nil
}
