// Package domain defines core types, interfaces, and errors for the run engine.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UnauthorizedError indicates a credential failure (401-class) against the
// remote platform. Never retried.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

// TerminalError marks a failure the job queue must not retry.
type TerminalError struct {
	Message string
}

func (e *TerminalError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrUnauthorized creates an UnauthorizedError with a formatted message.
func ErrUnauthorized(format string, args ...interface{}) *UnauthorizedError {
	return &UnauthorizedError{Message: fmt.Sprintf(format, args...)}
}

// ErrTerminal creates a TerminalError with a formatted message.
func ErrTerminal(format string, args ...interface{}) *TerminalError {
	return &TerminalError{Message: fmt.Sprintf(format, args...)}
}

// IsUnrecoverable reports whether err must not be retried by the queue:
// credential failures and explicitly flagged terminal errors.
func IsUnrecoverable(err error) bool {
	var unauthorized *UnauthorizedError
	var terminal *TerminalError
	return errors.As(err, &unauthorized) || errors.As(err, &terminal)
}
