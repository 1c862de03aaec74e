package core

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// AuthError reports a failure of the remote authentication layer: no
// session, an invalid or expired token, remote rate limiting, or remote
// session invalidation. It is surfaced to callers and never retried
// silently.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return e.Reason
}

// NewAuthError builds an AuthError with the given reason.
func NewAuthError(reason string) *AuthError {
	return &AuthError{Reason: reason}
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ConflictError reports an operation rejected because of job state: another
// job is active, the worker is still finalizing, the requested transition is
// invalid, or a required field is missing.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// NewConflictError builds a ConflictError with the given reason.
func NewConflictError(reason string) *ConflictError {
	return &ConflictError{Reason: reason}
}

// IsConflictError reports whether err is (or wraps) a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
