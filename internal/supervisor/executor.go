package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
)

// ExecRequest describes a one-shot command. Shell mode (the default)
// runs the command line through the shell; argv mode splits it with
// shlex and executes the first word directly.
type ExecRequest struct {
	Command string
	Cwd     string
	Timeout time.Duration
	Shell   *bool
}

// ExecResult is always a normal result: a non-zero exit or a timeout is
// something the caller inspects, not an error.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

type Executor struct {
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	maxOutputBytes int64
}

func NewExecutor(defaultTimeout, maxTimeout time.Duration, maxOutputBytes int64) *Executor {
	return &Executor{
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
		maxOutputBytes: maxOutputBytes,
	}
}

// Run executes the command with a clamped timeout and bounded output
// capture. The subprocess runs in its own process group so that a
// timeout kills the shell and all its children, not just the shell.
func (e *Executor) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return ExecResult{}, fmt.Errorf("command is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := buildCommand(runCtx, command, req.Shell)
	if err != nil {
		return ExecResult{}, err
	}
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}

	stdout := newBoundedBuffer(e.maxOutputBytes)
	stderr := newBoundedBuffer(e.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	runErr := cmd.Run()

	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	} else if runErr != nil {
		result.ExitCode = -1
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			if result.ExitCode == 0 {
				result.ExitCode = -1
			}
			result.Stderr = appendLine(result.Stderr, fmt.Sprintf("command timed out after %s", timeout))
			return result, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Spawn failure (bad cwd, missing binary in argv mode).
			return ExecResult{}, fmt.Errorf("start command: %w", runErr)
		}
	}

	return result, nil
}

func buildCommand(ctx context.Context, command string, shell *bool) (*exec.Cmd, error) {
	if usesShell(shell) {
		shellPath := resolveShell()
		return exec.CommandContext(ctx, shellPath, "-lc", command), nil
	}

	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("split command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...), nil
}

func usesShell(shell *bool) bool {
	if shell == nil {
		return true
	}
	return *shell
}

func resolveShell() string {
	if envShell := strings.TrimSpace(os.Getenv("SHELL")); envShell != "" {
		if filepath.IsAbs(envShell) {
			return envShell
		}
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path
	}
	return "sh"
}

func appendLine(existing, line string) string {
	if existing == "" {
		return line + "\n"
	}
	if !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	return existing + line + "\n"
}
