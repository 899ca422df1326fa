package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/marcus/dispatch/internal/logging"
)

// CommandRunner executes shell commands. Allows mocking in tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, dir string, stdin string, env []string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner is the default CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns output.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, dir string, stdin string, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, err
}

// CommandWorker runs an external command per invocation. The task spec is
// written to the command's stdin as JSON; stdout becomes the result, stderr
// the logs, and a nonzero exit a failure.
type CommandWorker struct {
	id      string
	command string
	args    []string
	workDir string
	runner  CommandRunner
	log     *logging.Logger
}

// CommandOption configures a CommandWorker.
type CommandOption func(*CommandWorker)

// WithArgs sets extra arguments passed on every invocation.
func WithArgs(args ...string) CommandOption {
	return func(w *CommandWorker) {
		w.args = args
	}
}

// WithWorkDir sets the working directory for invocations.
func WithWorkDir(dir string) CommandOption {
	return func(w *CommandWorker) {
		w.workDir = dir
	}
}

// WithRunner sets a custom command runner (for testing).
func WithRunner(r CommandRunner) CommandOption {
	return func(w *CommandWorker) {
		w.runner = r
	}
}

// NewCommandWorker creates a worker that shells out to command.
func NewCommandWorker(id, command string, opts ...CommandOption) *CommandWorker {
	w := &CommandWorker{
		id:      id,
		command: command,
		runner:  &ExecRunner{},
		log:     logging.Component("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's registry id.
func (w *CommandWorker) ID() string {
	return w.id
}

// Available reports whether the backing command resolves on PATH.
func (w *CommandWorker) Available() bool {
	if strings.Contains(w.command, string(os.PathSeparator)) {
		_, err := os.Stat(w.command)
		return err == nil
	}
	_, err := exec.LookPath(w.command)
	return err == nil
}

// Invoke dispatches the command on its own goroutine. A progress report is
// emitted when the process starts, then one terminal report.
func (w *CommandWorker) Invoke(ctx context.Context, spec Spec) <-chan Report {
	reports := make(chan Report, 2)
	go func() {
		defer close(reports)

		payload, err := json.Marshal(spec)
		if err != nil {
			reports <- Report{TaskID: spec.TaskID, Status: StatusFailure, Err: fmt.Errorf("encode spec: %w", err)}
			return
		}

		reports <- Report{TaskID: spec.TaskID, Status: StatusProgress, Logs: "started"}
		w.log.DebugCtx("invoking worker command", map[string]any{
			"worker":  w.id,
			"task_id": spec.TaskID,
			"command": w.command,
		})

		env := []string{
			"DISPATCH_RUN_ID=" + spec.RunID,
			"DISPATCH_TASK_ID=" + spec.TaskID,
		}
		stdout, stderr, exitCode, err := w.runner.Run(ctx, w.command, w.args, w.workDir, string(payload), env)

		rep := Report{TaskID: spec.TaskID, Status: StatusSuccess, Result: stdout, Logs: stderr}
		switch {
		case ctx.Err() != nil:
			rep.Status = StatusFailure
			rep.Err = ctx.Err()
		case err != nil:
			rep.Status = StatusFailure
			rep.Err = fmt.Errorf("worker %s exited %d: %w", w.id, exitCode, err)
		case exitCode != 0:
			rep.Status = StatusFailure
			rep.Err = fmt.Errorf("worker %s exited %d", w.id, exitCode)
		}
		reports <- rep
	}()
	return reports
}
