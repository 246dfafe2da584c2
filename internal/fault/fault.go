// Package fault defines the error taxonomy for the Sibyl runtime core.
// Every error that crosses a component boundary is classified into a Kind;
// retry policy and propagation behavior are derived from the Kind alone.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure with a fixed retry/propagation policy.
type Kind string

const (
	// KindConfiguration - invalid workspace or pipeline definition. Fatal to the conversation.
	KindConfiguration Kind = "configuration_error"
	// KindBudgetExhausted - a reservation would exceed the conversation budget.
	KindBudgetExhausted Kind = "budget_exhausted"
	// KindProviderRetryable - rate limit, transient network failure, provider 5xx.
	KindProviderRetryable Kind = "provider_retryable"
	// KindProviderTerminal - auth failure, invalid request, content policy. Never retried.
	KindProviderTerminal Kind = "provider_terminal"
	// KindTimeout - deadline exceeded. Retryable once if the step policy permits.
	KindTimeout Kind = "timeout"
	// KindSessionRotated - the captured session generation was stale at completion.
	KindSessionRotated Kind = "session_rotated_during_call"
	// KindRotationFailed - summarization and its fallback both failed.
	KindRotationFailed Kind = "rotation_failed"
	// KindIntegrityViolation - boot-time state inconsistency requiring repair.
	KindIntegrityViolation Kind = "integrity_violation"
	// KindCancelled - cooperative cancellation. Never retried.
	KindCancelled Kind = "cancelled"
	// KindInternal - unexpected runtime failure (recovered panic, store error).
	KindInternal Kind = "internal"
)

// Retryable reports whether the Worker Scheduler may retry an error of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindProviderRetryable, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is the taxonomy-carrying error type. It wraps an optional cause and
// records the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(string(e.Kind))
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error.
// Wrapping a nil error returns nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal; context cancellation and deadline errors are recognized even
// when they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether the scheduler retry loop may re-attempt after err.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Is supports errors.Is matching on the Kind: two *Errors match when their
// kinds are equal, regardless of message or cause.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return e.Kind == fe.Kind
	}
	return false
}
