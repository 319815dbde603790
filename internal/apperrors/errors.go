// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrMisconfigured = errors.New("misconfigured")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrInternal      = errors.New("internal error")
)

// Error provides a structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "conversation_id")
	Resource string // For not found (e.g., "conversation")
	Op       string // Operation that failed (e.g., "store.createMessage")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Unauthorized creates an error for a request with no caller identity.
func Unauthorized() error {
	return &Error{
		Sentinel: ErrUnauthorized,
		Message:  "unauthorized",
	}
}

// Misconfigured creates a deployment configuration error. Callers must not
// retry it; retrying cannot fix a missing credential.
func Misconfigured(reason string) error {
	return &Error{
		Sentinel: ErrMisconfigured,
		Message:  reason,
	}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrInvalidInput,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
