package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by the session, cache and tool registry layers.
// Implementations return these (possibly wrapped) so callers can classify
// with errors.Is.
var (
	// ErrNotFound indicates a missing session, cache entry or tool name.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a name was already registered.
	ErrConflict = errors.New("already registered")
	// ErrCorrupt indicates a persisted record exists but cannot be parsed.
	// Session loads surface it explicitly; it is never treated as empty.
	ErrCorrupt = errors.New("record corrupt")
)

// ValidationError reports malformed input to a stage or tool call. It is
// surfaced immediately and never retried.
type ValidationError struct {
	// Field names the offending input, when known.
	Field string
	// Reason describes the violation.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Class partitions stage failures for the runner's retry decision.
type Class int

const (
	// ClassFatal aborts the remaining pipeline for the run. Completed
	// stages keep their cache and session entries for future resume.
	ClassFatal Class = iota
	// ClassTransient is retried by the stage runner up to the configured
	// limit, then escalated to fatal.
	ClassTransient
	// ClassValidation is surfaced immediately without retry.
	ClassValidation
	// ClassCancelled maps run-scoped cancellation; never retried.
	ClassCancelled
)

// String returns the class name used in events and logs.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// StageError wraps a stage handler failure with its classification. The
// runner attaches the stage name before the error reaches the orchestrator.
type StageError struct {
	Stage Stage
	Class Class
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("stage failed (%s): %v", e.Class, e.Err)
	}
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error { return e.Err }

// Transient marks err as recoverable so the stage runner retries it with
// backoff. Handlers use it for transient failures of external model or
// service calls.
func Transient(err error) error {
	return &StageError{Class: ClassTransient, Err: err}
}

// Fatal marks err as unrecoverable for the current run.
func Fatal(err error) error {
	return &StageError{Class: ClassFatal, Err: err}
}

// Classify maps an arbitrary handler error onto the taxonomy. Unknown errors
// default to fatal so the control flow stays deterministic.
func Classify(err error) Class {
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Class
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ClassValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// A stage timeout may succeed on retry.
		return ClassTransient
	}
	return ClassFatal
}
