// Package zerrors defines the error taxonomy shared by the command layer,
// the event store, and the projection runtime. Errors carry a Kind that
// callers branch on and transports map to status codes.
package zerrors

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for handling policy decisions.
type Kind string

const (
	// KindInvalidArgument marks malformed command input. Never retried.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"

	// KindPermissionDenied marks a failed authorization check.
	KindPermissionDenied Kind = "PERMISSION_DENIED"

	// KindNotFound marks a missing aggregate or read-model row.
	KindNotFound Kind = "NOT_FOUND"

	// KindPrecondition marks a violated business rule on current aggregate state.
	KindPrecondition Kind = "FAILED_PRECONDITION"

	// KindAlreadyExists marks a unique-constraint violation.
	KindAlreadyExists Kind = "ALREADY_EXISTS"

	// KindAborted marks an optimistic-concurrency conflict. Retryable after reload.
	KindAborted Kind = "ABORTED"

	// KindUnavailable marks a transient I/O failure. Retryable with backoff.
	KindUnavailable Kind = "UNAVAILABLE"

	// KindInternal marks invariant violations and schema mismatches.
	KindInternal Kind = "INTERNAL"
)

// Error is the rich error type used across the module.
type Error struct {
	Kind    Kind
	ID      string // stable identifier, e.g. "COMMAND-user-41"
	Message string
	Parent  error
}

func (e *Error) Error() string {
	if e.Parent != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.ID, e.Kind, e.Message, e.Parent)
	}
	return fmt.Sprintf("%s (%s): %s", e.ID, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Parent }

// Is matches on Kind so callers can compare against kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.ID != "" && t.ID != e.ID {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, parent error, id, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		ID:      id,
		Message: fmt.Sprintf(format, args...),
		Parent:  parent,
	}
}

// ThrowInvalidArgument creates an InvalidArgument error.
func ThrowInvalidArgument(parent error, id, format string, args ...any) *Error {
	return newError(KindInvalidArgument, parent, id, format, args...)
}

// ThrowPermissionDenied creates a PermissionDenied error.
func ThrowPermissionDenied(parent error, id, format string, args ...any) *Error {
	return newError(KindPermissionDenied, parent, id, format, args...)
}

// ThrowNotFound creates a NotFound error.
func ThrowNotFound(parent error, id, format string, args ...any) *Error {
	return newError(KindNotFound, parent, id, format, args...)
}

// ThrowPrecondition creates a FailedPrecondition error.
func ThrowPrecondition(parent error, id, format string, args ...any) *Error {
	return newError(KindPrecondition, parent, id, format, args...)
}

// ThrowAlreadyExists creates an AlreadyExists error.
func ThrowAlreadyExists(parent error, id, format string, args ...any) *Error {
	return newError(KindAlreadyExists, parent, id, format, args...)
}

// ThrowAborted creates an Aborted (concurrency conflict) error.
func ThrowAborted(parent error, id, format string, args ...any) *Error {
	return newError(KindAborted, parent, id, format, args...)
}

// ThrowUnavailable creates an Unavailable (transient) error.
func ThrowUnavailable(parent error, id, format string, args ...any) *Error {
	return newError(KindUnavailable, parent, id, format, args...)
}

// ThrowInternal creates an Internal error.
func ThrowInternal(parent error, id, format string, args ...any) *Error {
	return newError(KindInternal, parent, id, format, args...)
}

// KindOf reports the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsInvalidArgument reports whether err is an InvalidArgument error.
func IsInvalidArgument(err error) bool { return isKind(err, KindInvalidArgument) }

// IsPermissionDenied reports whether err is a PermissionDenied error.
func IsPermissionDenied(err error) bool { return isKind(err, KindPermissionDenied) }

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsPrecondition reports whether err is a FailedPrecondition error.
func IsPrecondition(err error) bool { return isKind(err, KindPrecondition) }

// IsAlreadyExists reports whether err is an AlreadyExists error.
func IsAlreadyExists(err error) bool { return isKind(err, KindAlreadyExists) }

// IsAborted reports whether err is an optimistic-concurrency conflict.
func IsAborted(err error) bool { return isKind(err, KindAborted) }

// IsUnavailable reports whether err is a transient failure.
func IsUnavailable(err error) bool { return isKind(err, KindUnavailable) }

// IsInternal reports whether err is an internal invariant violation.
func IsInternal(err error) bool { return isKind(err, KindInternal) }

func isKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
