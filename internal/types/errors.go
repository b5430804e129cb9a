package types

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind is a stable machine-readable error class. Callers branch on the
// kind, not on message text.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindResourceLimit     ErrorKind = "resource_limit"
	KindIntegrity         ErrorKind = "integrity"
	KindVersionMismatch   ErrorKind = "version_mismatch"
	KindDeadlockSuspected ErrorKind = "deadlock_suspected"
)

// Error is the package-wide error type. Details carries machine-readable
// context (limit values, versions) so callers never parse the message.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

// KindOf extracts the error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// NewValidationError flags rejected input.
func NewValidationError(msg string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

// NewResourceLimitError flags a refused mutation at a hard resource cap.
func NewResourceLimitError(resource string, current, limit int) *Error {
	return &Error{
		Kind:    KindResourceLimit,
		Message: fmt.Sprintf("resource limit exceeded: %s (%d/%d)", resource, current, limit),
		Details: map[string]any{"resource": resource, "current": current, "limit": limit},
	}
}

// NewIntegrityError flags corrupted or inconsistent persisted state.
func NewIntegrityError(msg string, details map[string]any) *Error {
	return &Error{Kind: KindIntegrity, Message: msg, Details: details}
}

// NewVersionMismatchError flags an export whose major version differs from
// the runtime's.
func NewVersionMismatchError(expected, found string) *Error {
	return &Error{
		Kind:    KindVersionMismatch,
		Message: fmt.Sprintf("version mismatch: expected %s, found %s", expected, found),
		Details: map[string]any{"expected": expected, "found": found},
	}
}

// NewDeadlockError flags a lock acquisition that exceeded its timeout.
// This is fatal for the operation; it is never retried internally.
func NewDeadlockError(op string, waited time.Duration) *Error {
	return &Error{
		Kind:    KindDeadlockSuspected,
		Message: fmt.Sprintf("possible deadlock: %q waited %s for kernel lock", op, waited),
		Details: map[string]any{"operation": op, "waited_ms": waited.Milliseconds()},
	}
}
