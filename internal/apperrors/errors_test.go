package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("conversation_id", "conversation_id is required")

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("expected error to match ErrInvalidInput")
	}
	if err.Error() != "conversation_id is required" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "conversation_id" {
		t.Errorf("expected field 'conversation_id', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("conversation", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "conversation abc123 not found" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestMisconfigured(t *testing.T) {
	t.Parallel()
	err := Misconfigured("store credential is not configured")

	if !errors.Is(err, ErrMisconfigured) {
		t.Error("expected error to match ErrMisconfigured")
	}
	if err.Error() != "store credential is not configured" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("database is locked")
	err := Internal("store.createMessage", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Op != "store.createMessage" {
		t.Errorf("expected op 'store.createMessage', got %q", appErr.Op)
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"unauthorized", Unauthorized(), http.StatusUnauthorized},
		{"misconfigured", Misconfigured("no credential"), http.StatusInternalServerError},
		{"validation", Validation("message", "required"), http.StatusBadRequest},
		{"not found", NotFound("conversation", "123"), http.StatusNotFound},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"sentinel unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"wrapped not found", fmt.Errorf("wrap: %w", NotFound("conversation", "c1")), http.StatusNotFound},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestErrorsIsWithWrapping(t *testing.T) {
	t.Parallel()
	original := Unauthorized()
	wrapped := fmt.Errorf("controller error: %w", original)
	doubleWrapped := fmt.Errorf("handler error: %w", wrapped)

	if !errors.Is(doubleWrapped, ErrUnauthorized) {
		t.Error("expected errors.Is to find ErrUnauthorized through multiple wraps")
	}
}
