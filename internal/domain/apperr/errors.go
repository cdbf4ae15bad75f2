// Package apperr defines the error kinds surfaced to callers of the engine.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any state is touched
	ErrValidation = errors.New("validation error")

	// ErrAuthorization marks an actor not allowed to perform the action
	ErrAuthorization = errors.New("authorization error")

	// ErrConflict marks an action that contradicts the authoritative state
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing expense, step, rule or employee
	ErrNotFound = errors.New("not found")

	// ErrExternal marks a failed dependency such as the ledger or directory
	ErrExternal = errors.New("external dependency error")
)

// Error carries a human-readable reason alongside its kind. The reason is the
// same text stored as approval_reason or audit memo.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Is matches against the kind sentinel
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind error, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a validation error
func Validation(op, format string, args ...interface{}) error {
	return newf(ErrValidation, op, format, args...)
}

// Authorization builds an authorization error
func Authorization(op, format string, args ...interface{}) error {
	return newf(ErrAuthorization, op, format, args...)
}

// Conflict builds a conflict error
func Conflict(op, format string, args ...interface{}) error {
	return newf(ErrConflict, op, format, args...)
}

// NotFound builds a not-found error
func NotFound(op, format string, args ...interface{}) error {
	return newf(ErrNotFound, op, format, args...)
}

// External wraps a dependency failure
func External(op string, err error, format string, args ...interface{}) error {
	e := newf(ErrExternal, op, format, args...)
	e.Err = err
	return e
}

// Reason extracts the human-readable message, falling back to err.Error()
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
