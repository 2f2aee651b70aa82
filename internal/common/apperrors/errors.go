// Package apperrors defines structured application errors with codes
// suitable for HTTP responses and log correlation.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error category carried across layer boundaries.
type Code string

const (
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeSessionRunConflict Code = "SESSION_RUN_CONFLICT"
	CodeSidecarUnavailable Code = "SIDECAR_UNAVAILABLE"
	CodeBreakerOpen        Code = "BREAKER_OPEN"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeSandboxViolation   Code = "SANDBOX_VIOLATION"
	CodeNotReversible      Code = "NOT_REVERSIBLE"
	CodeInternal           Code = "INTERNAL"
)

// AppError is a structured error carrying a stable code and HTTP status.
type AppError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Err        error

	// Details carries optional structured payload data rendered into
	// the HTTP error body, such as conflict descriptors.
	Details any
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code, message, and HTTP status.
func New(code Code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates an AppError wrapping an underlying error.
func Wrap(code Code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WithDetails attaches a structured payload to the error.
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message, http.StatusBadRequest)
}

// NotFound creates a 404 error.
func NotFound(message string) *AppError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

// Conflict creates a 409 error.
func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

// SidecarUnavailable creates a 503 error.
func SidecarUnavailable(message string, err error) *AppError {
	return Wrap(CodeSidecarUnavailable, message, http.StatusServiceUnavailable, err)
}

// PermissionDenied creates a 403 error.
func PermissionDenied(message string) *AppError {
	return New(CodePermissionDenied, message, http.StatusForbidden)
}

// Internal creates a 500 error wrapping the cause.
func Internal(message string, err error) *AppError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// From extracts an *AppError from err, wrapping unknown errors as internal.
func From(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("internal error", err)
}
