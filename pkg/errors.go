package pkg

import (
	"errors"
	"fmt"
)

// Error taxonomy for the workflow substrate. Task functions must report
// failures through these types; everything else the executor sees is
// treated as an internal fault.

// Sentinel errors surfaced by the substrate.
var (
	// ErrConcurrentModification means a state append lost the
	// optimistic sequence check. The session must be restarted.
	ErrConcurrentModification = errors.New("concurrent modification of session state")

	// ErrCancelled means the session was aborted on user request.
	ErrCancelled = errors.New("session cancelled")

	// ErrSessionNotFound means no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotCompleted means a result was requested before the session
	// reached COMPLETED.
	ErrNotCompleted = errors.New("session not completed")

	// ErrDuplicateSession means a session with the same idempotency key
	// already exists, running or finished.
	ErrDuplicateSession = errors.New("duplicate session id")
)

// TaskErrorKind classifies a task failure.
type TaskErrorKind string

const (
	// TaskTransient covers network faults and timeouts. The invoker
	// retries these locally before surfacing them.
	TaskTransient TaskErrorKind = "TransientTaskError"

	// TaskPermanent covers malformed input and contract violations.
	// Surfaced immediately; fails the session.
	TaskPermanent TaskErrorKind = "PermanentTaskError"
)

// TaskError is a categorized failure reported by a task function.
type TaskError struct {
	Kind TaskErrorKind
	Node string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s in node %s: %v", e.Kind, e.Node, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable task failure.
func NewTransientError(node string, err error) *TaskError {
	return &TaskError{Kind: TaskTransient, Node: node, Err: err}
}

// NewPermanentError wraps err as a non-retryable task failure.
func NewPermanentError(node string, err error) *TaskError {
	return &TaskError{Kind: TaskPermanent, Node: node, Err: err}
}

// IsTransient reports whether err is a transient task failure.
func IsTransient(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == TaskTransient
}

// IsPermanent reports whether err is a permanent task failure.
func IsPermanent(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == TaskPermanent
}

// MissingFieldError means a node required a state field that no upstream
// node produced. State completeness is a contract: the consuming node
// fails instead of substituting a default.
type MissingFieldError struct {
	Node  string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("node %s requires missing field %q", e.Node, e.Field)
}

// ErrorKind maps err to the user-visible error kind reported by
// status(). Raw internal faults are never exposed directly.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	var mf *MissingFieldError
	if errors.As(err, &mf) {
		return "MissingField"
	}
	switch {
	case errors.Is(err, ErrConcurrentModification):
		return "ConcurrentModification"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	default:
		return "Internal"
	}
}
