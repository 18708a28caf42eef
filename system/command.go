// Package system wraps the host facilities isolate shells out to.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments. A non-zero exit status
// is reported through exitCode, err is only set when the command could not be
// started.
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv is built by isolate, never by a shell

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return "", "", 0, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Run executes args and folds a non-zero exit status into the returned error,
// quoting the command's stderr.
func Run(ctx context.Context, runner CommandRunner, args ...string) error {
	_, stderr, exitCode, err := runner.RunCommand(ctx, args)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			return fmt.Errorf("%s exited with status %d", args[0], exitCode)
		}
		return fmt.Errorf("%s exited with status %d: %s", args[0], exitCode, msg)
	}
	return nil
}
