// Package errdefs defines the error taxonomy shared across the runtime.
//
// Errors are classified by kind, not by concrete type: the engine's
// retry and propagation decisions depend only on the kind, and the
// user-visible failure shape is always {kind, message, node_id,
// retry_count}. Stack traces stay in server logs.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind string

// The error kinds of the runtime taxonomy.
const (
	// KindValidation marks malformed configuration or input.
	KindValidation Kind = "Validation"

	// KindNotFound marks a missing execution, node, or resource.
	KindNotFound Kind = "NotFound"

	// KindPermissionDenied marks an authorisation failure from a collaborator.
	KindPermissionDenied Kind = "PermissionDenied"

	// KindTimeout marks a deadline expiry (node or execution level).
	KindTimeout Kind = "Timeout"

	// KindCancelled marks cooperative cancellation (abort requests).
	KindCancelled Kind = "Cancelled"

	// KindTransient marks retryable I/O failures: network errors,
	// 5xx responses, rate limits.
	KindTransient Kind = "Transient"

	// KindHandlerFailure marks a deterministic handler failure that
	// retrying will not fix.
	KindHandlerFailure Kind = "HandlerFailure"

	// KindDependencyUnmet marks a scheduling precondition violation.
	// It should never leak out of the engine.
	KindDependencyUnmet Kind = "DependencyUnmet"

	// KindDeadlock marks an engine-detected wedged execution.
	KindDeadlock Kind = "Deadlock"
)

// Error is the structured failure value surfaced by the runtime.
type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	NodeID     string `json:"node_id,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	Cause      error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf classifies an arbitrary error. Context errors map onto the
// Timeout and Cancelled kinds; unclassified errors are deterministic
// handler failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindHandlerFailure
}

// IsRetryable reports whether the engine may retry the failed operation.
// Only transient failures are retryable.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
