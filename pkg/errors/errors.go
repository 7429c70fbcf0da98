package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AppError represents an ODM error with the HTTP status a request handler
// would map it to.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	CodeRequired              = "REQUIRED"
	CodeTypeMismatch          = "TYPE_MISMATCH"
	CodeConstraintViolation   = "CONSTRAINT_VIOLATION"
	CodeCustomValidation      = "CUSTOM_VALIDATION"
	CodeValidationError       = "VALIDATION_ERROR"
	CodeNotConnected          = "NOT_CONNECTED"
	CodeDuplicateRegistration = "DUPLICATE_REGISTRATION"
	CodeSchemaMismatch        = "SCHEMA_MISMATCH"
	CodeHookAborted           = "HOOK_ABORTED"
	CodeImmutableField        = "IMMUTABLE_FIELD"
	CodeInvalidProjection     = "INVALID_PROJECTION"
	CodeInvalidID             = "INVALID_ID"
	CodeQueryExecuted         = "QUERY_EXECUTED"
	CodeUnknownMethod         = "UNKNOWN_METHOD"
)

// Common ODM errors
var (
	ErrNotConnected          = &AppError{Code: CodeNotConnected, Message: "not connected to database", Status: http.StatusServiceUnavailable}
	ErrDuplicateRegistration = &AppError{Code: CodeDuplicateRegistration, Message: "model already registered", Status: http.StatusConflict}
	ErrSchemaMismatch        = &AppError{Code: CodeSchemaMismatch, Message: "model already registered with a different schema", Status: http.StatusConflict}
	ErrHookAborted           = &AppError{Code: CodeHookAborted, Message: "hook aborted operation", Status: http.StatusInternalServerError}
	ErrImmutableField        = &AppError{Code: CodeImmutableField, Message: "field is immutable", Status: http.StatusBadRequest}
	ErrInvalidProjection     = &AppError{Code: CodeInvalidProjection, Message: "projection cannot mix inclusion and exclusion", Status: http.StatusBadRequest}
	ErrInvalidID             = &AppError{Code: CodeInvalidID, Message: "invalid object id", Status: http.StatusBadRequest}
	ErrQueryExecuted         = &AppError{Code: CodeQueryExecuted, Message: "query already executed", Status: http.StatusInternalServerError}
	ErrUnknownMethod         = &AppError{Code: CodeUnknownMethod, Message: "unknown method", Status: http.StatusNotImplemented}
	ErrValidation            = &AppError{Code: CodeValidationError, Message: "validation failed", Status: http.StatusUnprocessableEntity}
)

// New creates a new AppError
func New(code string, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Wrap wraps an error with an AppError
func Wrap(err error, appErr *AppError) *AppError {
	return &AppError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Status:  appErr.Status,
		Err:     err,
	}
}

// WithMessage returns a new AppError with a custom message
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
		Status:  e.Status,
		Err:     e.Err,
	}
}

// WithError returns a new AppError with a wrapped error
func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Status:  e.Status,
		Err:     err,
	}
}

// Is checks if the error is a specific AppError
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return target.Code == CodeValidationError
	}
	return false
}

// GetStatus returns the HTTP status from an error
func GetStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// HookAborted wraps the error returned by a hook.
func HookAborted(event string, err error) *AppError {
	return ErrHookAborted.WithMessage(fmt.Sprintf("%s hook aborted", event)).WithError(err)
}

// NotConnected reports a collection access before a live connection exists.
func NotConnected(collection string) *AppError {
	if collection == "" {
		return ErrNotConnected
	}
	return ErrNotConnected.WithMessage(fmt.Sprintf("not connected to database (collection %s)", collection))
}

// FieldError describes one failed check on one path.
type FieldError struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Constraint string `json:"constraint,omitempty"`
}

func (e FieldError) Error() string {
	return e.Message
}

// ValidationError aggregates every field error of a document.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Message
	}
	return "validation failed: " + strings.Join(msgs, ", ")
}

// Paths returns the failing paths in error order.
func (e *ValidationError) Paths() []string {
	out := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		out[i] = fe.Path
	}
	return out
}

// For returns the errors reported for path.
func (e *ValidationError) For(path string) []FieldError {
	var out []FieldError
	for _, fe := range e.Errors {
		if fe.Path == path {
			out = append(out, fe)
		}
	}
	return out
}

// AsValidation extracts a ValidationError from an error chain.
func AsValidation(err error) (*ValidationError, bool) {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return valErr, true
	}
	return nil, false
}
