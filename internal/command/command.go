// Package command runs external programs: one-shot commands with captured
// output, and long-running processes whose stdout is streamed.
package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// CommandResult holds the outcome of a one-shot command.
type CommandResult struct {
	Stdout string
	Stderr string
	// ExitCode is -1 when the command could not be started or was canceled.
	ExitCode int
	// Error is the execution error, if any. A non-zero exit is reported
	// here as well as in ExitCode.
	Error error
}

// Runner executes one-shot commands, e.g. probing the engine version.
type Runner interface {
	Run(ctx context.Context, command string, args []string, workingDir string, environment []string) (*CommandResult, error)
}

type defaultRunner struct{}

// NewRunner returns a Runner backed by os/exec.
func NewRunner() Runner {
	return &defaultRunner{}
}

// Run executes command and waits for it. A non-zero exit is not an error
// return; callers check ExitCode. Start failures and cancellation are.
func (r *defaultRunner) Run(ctx context.Context, command string, args []string, workingDir string, environment []string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = workingDir
	if len(environment) > 0 {
		cmd.Env = environment
	}

	result := &CommandResult{ExitCode: -1}
	err := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}
	if ctx.Err() != nil {
		result.Error = ctx.Err()
		return result, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = ExitCode(exitErr.ProcessState)
		result.Error = err
		return result, nil
	}
	result.Error = err
	return result, err
}

// ExitCode maps a process state to an exit code. A process killed by a
// signal reports 128+signal, the shell convention.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return -1
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}
