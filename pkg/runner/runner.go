// pkg/runner/runner.go - subprocess execution with optional deadlines.

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// ErrTimeout is returned by RunWithTimeout when the deadline elapses before
// the subprocess exits. The process has already been killed when the caller
// sees this error; any captured output is discarded.
var ErrTimeout = errors.New("command timed out")

// Runner abstracts subprocess execution so callers can be exercised with
// fakes in tests.
type Runner interface {
	// Run executes a command to completion and returns its exit code and
	// combined stdout/stderr.
	Run(name string, args ...string) (int, string, error)

	// RunWithTimeout executes a command with a hard deadline. On expiry the
	// process is forcibly terminated, its resources are released, and
	// ErrTimeout is returned.
	RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec with the console window hidden.
type ExecRunner struct{}

// Run executes a command synchronously. A non-zero exit is not an error here;
// callers classify exit codes themselves. The returned error covers launch
// failures only.
func (ExecRunner) Run(name string, args ...string) (int, string, error) {
	cmd := exec.Command(name, args...)
	hideConsoleWindow(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), out.String(), nil
		}
		return -1, out.String(), fmt.Errorf("failed to launch %s: %w", name, err)
	}
	return 0, out.String(), nil
}

// RunWithTimeout executes a command under a deadline. Completion races the
// timer; on the timer branch the process is killed and ErrTimeout returned,
// so a hanging subprocess can never hang the caller.
func (ExecRunner) RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	hideConsoleWindow(cmd)
	// If the process ignores the kill long enough to matter, give Wait a
	// bounded grace period instead of blocking forever.
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if timedOut(err, runCtx.Err()) {
		return "", fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, name)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit still produced output worth classifying.
			return out.String(), nil
		}
		return out.String(), fmt.Errorf("failed to launch %s: %w", name, err)
	}
	return out.String(), nil
}

// timedOut attributes a failed run to the deadline. A process that completed
// cleanly is never a timeout, even when the deadline lapses in the gap
// between its exit and this check; its output must not be discarded.
func timedOut(runErr, ctxErr error) bool {
	return runErr != nil && ctxErr == context.DeadlineExceeded
}

func hideConsoleWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}
