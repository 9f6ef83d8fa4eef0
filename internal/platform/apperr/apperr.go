// Package apperr defines the error taxonomy shared by the stores, the
// scheduling engine and the transport layer, and the echo error handler that
// maps it onto HTTP status codes and the JSON response envelope.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is against these, never string matching.
var (
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Error carries a taxonomy kind together with the message shown to the caller.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

func newErr(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) error {
	return newErr(ErrValidation, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newErr(ErrConflict, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newErr(ErrNotFound, format, args...)
}

func InvalidTransition(format string, args ...interface{}) error {
	return newErr(ErrInvalidTransition, format, args...)
}

func Forbidden(format string, args ...interface{}) error {
	return newErr(ErrForbidden, format, args...)
}

func Unauthorized(format string, args ...interface{}) error {
	return newErr(ErrUnauthorized, format, args...)
}

// Message returns the caller-facing message of err if it belongs to the
// taxonomy, or fallback otherwise.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
