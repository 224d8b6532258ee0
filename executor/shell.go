package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"toolagent/lifecycle"
	"toolagent/logger"
)

// maxOutputBytes is the maximum size of stdout/stderr captured from shell commands (100KB).
const maxOutputBytes = 100 * 1024

// ShellInvoker executes requests as shell commands via sh -c. The tool id is
// recorded for logging only; the command comes from the "command" parameter.
type ShellInvoker struct {
	env     []string
	timeout time.Duration
	logger  logger.Logger
}

// ShellOption configures a ShellInvoker.
type ShellOption func(*ShellInvoker)

// WithShellEnv sets the environment for child processes. If unset, the
// current process's environment is inherited (which may leak secrets).
func WithShellEnv(env []string) ShellOption {
	return func(s *ShellInvoker) {
		s.env = env
	}
}

// WithShellTimeout bounds each command execution.
func WithShellTimeout(timeout time.Duration) ShellOption {
	return func(s *ShellInvoker) {
		s.timeout = timeout
	}
}

// NewShellInvoker creates a shell-backed invoker.
func NewShellInvoker(log logger.Logger, options ...ShellOption) *ShellInvoker {
	if log == nil {
		log = logger.NewNoop()
	}
	s := &ShellInvoker{logger: log}
	for _, option := range options {
		option(s)
	}
	return s
}

// Execute runs params["command"] and returns a result with exit_code, stdout,
// and stderr. A non-zero exit code is still a successful invocation; only a
// failure to run the command at all is an error.
func (s *ShellInvoker) Execute(ctx context.Context, toolID string, params map[string]interface{}) (*lifecycle.Result, error) {
	command, ok := params["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Debug("Executing shell command",
		logger.String("tool_id", toolID),
		logger.String("command", command))
	lifecycle.ReportProgress(ctx, "running command")

	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // G204: intentional — this tool's purpose is to execute user-provided commands
	// Orphaned grandchildren can hold the pipe write ends open after sh is
	// killed; without a wait delay, Run would block on them past the deadline.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if s.env != nil {
		cmd.Env = s.env
	}

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	}

	stdoutStr := truncateOutput(stdout.Bytes(), maxOutputBytes)
	stderrStr := truncateOutput(stderr.Bytes(), maxOutputBytes)

	return &lifecycle.Result{
		Content: fmt.Sprintf("exit_code: %d\nstdout:\n%s\nstderr:\n%s", exitCode, stdoutStr, stderrStr),
		Data: map[string]interface{}{
			"exit_code": exitCode,
			"stdout":    stdoutStr,
			"stderr":    stderrStr,
		},
	}, nil
}

// truncateOutput truncates output to maxBytes and appends a truncation notice.
func truncateOutput(data []byte, maxBytes int) string {
	if len(data) <= maxBytes {
		return string(data)
	}
	return string(data[:maxBytes]) + "\n... [truncated, output exceeded 100KB limit]"
}
