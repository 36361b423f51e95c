package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Runtime errors
var (
	ErrRegistrySealed   = errors.New("registry: sealed, no further registrations")
	ErrDuplicateRequest = errors.New("dispatcher: request id already submitted")
	ErrQueueClosed      = errors.New("queue: closed")
	ErrNotFound         = errors.New("task: not found")
)

type DuplicateTypeError struct {
	Type string
}

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("registry: task type %q already registered", e.Type)
}

type UnknownTaskTypeError struct {
	Type string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("registry: unknown task type %q", e.Type)
}

// ValidationError reports malformed or missing request parameters. It is
// always detected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// ExecutionError wraps a failed external operation with the operation name
// and the target it was acting on.
type ExecutionError struct {
	Op     string
	Target string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError is produced by the watchdog.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %s", e.Timeout)
}

// PartialFailure is an operation over several targets where some failed.
// Err carries every underlying failure.
type PartialFailure struct {
	Op        string
	Succeeded []string
	Failed    []string
	Err       error
}

func (e *PartialFailure) Error() string {
	msg := fmt.Sprintf("%s failed for %s", e.Op, strings.Join(e.Failed, ", "))
	if len(e.Succeeded) > 0 {
		msg += fmt.Sprintf(" (succeeded: %s)", strings.Join(e.Succeeded, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PartialFailure) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
