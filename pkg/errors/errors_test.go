package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name: "error without wrapped error",
			appErr: &AppError{
				Code:    CodeNotConnected,
				Message: "not connected to database",
			},
			expected: "not connected to database",
		},
		{
			name: "error with wrapped error",
			appErr: &AppError{
				Code:    CodeHookAborted,
				Message: "save hook aborted",
				Err:     errors.New("slug already taken"),
			},
			expected: "save hook aborted: slug already taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appErr.Error(); got != tt.expected {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	appErr := &AppError{
		Code:    CodeHookAborted,
		Message: "wrapped error",
		Err:     originalErr,
	}

	if unwrapped := appErr.Unwrap(); unwrapped != originalErr {
		t.Errorf("AppError.Unwrap() = %v, want %v", unwrapped, originalErr)
	}

	appErrNoWrap := &AppError{
		Code:    CodeInvalidID,
		Message: "no wrap",
	}
	if unwrapped := appErrNoWrap.Unwrap(); unwrapped != nil {
		t.Errorf("AppError.Unwrap() = %v, want nil", unwrapped)
	}
}

func TestNew(t *testing.T) {
	appErr := New(CodeInvalidID, "bad id", http.StatusBadRequest)

	if appErr.Code != CodeInvalidID {
		t.Errorf("New() Code = %v, want %v", appErr.Code, CodeInvalidID)
	}
	if appErr.Message != "bad id" {
		t.Errorf("New() Message = %v, want %v", appErr.Message, "bad id")
	}
	if appErr.Status != http.StatusBadRequest {
		t.Errorf("New() Status = %v, want %v", appErr.Status, http.StatusBadRequest)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("server selection timeout")
	wrapped := Wrap(originalErr, ErrNotConnected)

	if wrapped.Code != ErrNotConnected.Code {
		t.Errorf("Wrap() Code = %v, want %v", wrapped.Code, ErrNotConnected.Code)
	}
	if wrapped.Err != originalErr {
		t.Errorf("Wrap() Err = %v, want %v", wrapped.Err, originalErr)
	}
	if !errors.Is(wrapped, originalErr) {
		t.Error("Wrap() result should unwrap to the original error")
	}
}

func TestAppError_WithMessage(t *testing.T) {
	original := ErrUnknownMethod
	withMsg := original.WithMessage("unknown method fullName")

	if withMsg.Message != "unknown method fullName" {
		t.Errorf("WithMessage() Message = %v", withMsg.Message)
	}
	if withMsg.Code != original.Code || withMsg.Status != original.Status {
		t.Error("WithMessage() should keep code and status")
	}
	if original.Message == withMsg.Message {
		t.Error("Original error was modified")
	}
}

func TestIs(t *testing.T) {
	hookErr := HookAborted("save", errors.New("nope"))
	wrapped := fmt.Errorf("create user: %w", hookErr)

	if !Is(wrapped, ErrHookAborted) {
		t.Error("Is() should find HOOK_ABORTED through wrapping")
	}
	if Is(wrapped, ErrNotConnected) {
		t.Error("Is() matched the wrong code")
	}
	if Is(errors.New("plain"), ErrHookAborted) {
		t.Error("Is() matched a plain error")
	}

	valErr := &ValidationError{Errors: []FieldError{{Path: "email", Code: CodeRequired}}}
	if !Is(valErr, ErrValidation) {
		t.Error("Is() should treat ValidationError as VALIDATION_ERROR")
	}
}

func TestGetStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not connected", ErrNotConnected, http.StatusServiceUnavailable},
		{"invalid id", ErrInvalidID, http.StatusBadRequest},
		{"validation", &ValidationError{}, http.StatusUnprocessableEntity},
		{"plain", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetStatus(tt.err); got != tt.want {
				t.Errorf("GetStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	valErr := &ValidationError{Errors: []FieldError{
		{Path: "email", Message: "email is required", Code: CodeRequired},
		{Path: "name", Message: "name must be at most 3 characters", Code: CodeConstraintViolation, Constraint: "maxLength"},
	}}

	want := "validation failed: email is required, name must be at most 3 characters"
	if got := valErr.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if paths := valErr.Paths(); len(paths) != 2 || paths[0] != "email" || paths[1] != "name" {
		t.Errorf("Paths() = %v", paths)
	}
	if got := valErr.For("name"); len(got) != 1 || got[0].Constraint != "maxLength" {
		t.Errorf("For(name) = %v", got)
	}

	extracted, ok := AsValidation(fmt.Errorf("save: %w", valErr))
	if !ok || extracted != valErr {
		t.Error("AsValidation() should extract the wrapped ValidationError")
	}
}

func TestNotConnected(t *testing.T) {
	if NotConnected("") != ErrNotConnected {
		t.Error("NotConnected(\"\") should return the shared error")
	}
	err := NotConnected("users")
	if err.Code != CodeNotConnected {
		t.Errorf("NotConnected() Code = %v", err.Code)
	}
}
