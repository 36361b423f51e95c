// Package executor holds the host-side collaborators the task handlers drive:
// process spawning, the guest manager, zfs, packages and services.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandError is returned when a command exits non-zero or cannot start.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Command, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Spawner runs host commands.
type Spawner interface {
	// Run waits for the command and captures its output.
	Run(ctx context.Context, name string, args ...string) (*Result, error)
	// Disown launches the command detached from the agent and returns once
	// it has started. The child may outlive the agent.
	Disown(name string, args ...string) error
}

type Exec struct {
	sudo    bool
	timeout time.Duration
	logger  *zap.Logger
}

func NewExec(sudo bool, timeout time.Duration, logger *zap.Logger) *Exec {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exec{sudo: sudo, timeout: timeout, logger: logger}
}

func (e *Exec) command(ctx context.Context, name string, args []string) *exec.Cmd {
	if e.sudo {
		return exec.CommandContext(ctx, "sudo", append([]string{"-n", name}, args...)...)
	}
	return exec.CommandContext(ctx, name, args...)
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	cmd := e.command(ctx, name, args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	if err != nil {
		result.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("command timed out after %v", e.timeout)
		} else {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
			}
		}
		e.logger.Debug("exec_command_failed",
			zap.String("command", line),
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("duration", result.Duration),
		)
		return result, &CommandError{Command: line, ExitCode: result.ExitCode, Stderr: result.Stderr, Err: err}
	}

	e.logger.Debug("exec_command_ok", zap.String("command", line), zap.Duration("duration", result.Duration))
	return result, nil
}

func (e *Exec) Disown(name string, args ...string) error {
	if e.sudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	// reap the child if it exits while we are still running
	go func() { _ = cmd.Wait() }()
	e.logger.Info("exec_disowned", zap.String("command", name), zap.Int("pid", pid))
	return nil
}
