// Package errors defines the structured error type shared by the HTTP API
// and the CLI, and renders it as a JSON envelope:
//
//	{"error":{"code":"NOT_FOUND","message":"...","details":{...},"request_id":"..."}}
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

// Error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeConfig             = "CONFIG_ERROR"
	CodeCancelled          = "CANCELLED"
)

// statusClientClosedRequest is recorded when the caller went away first.
const statusClientClosedRequest = 499

// Generic exit codes. Classified failures use the foundry catalog.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// StructuredError carries an error code, HTTP status and optional context.
type StructuredError struct {
	Code    string
	Status  int
	Message string
	Cause   error
	Context map[string]any
}

func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// WithContext adds a detail entry and returns e.
func (e *StructuredError) WithContext(key string, value any) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause sets the wrapped error and returns e.
func (e *StructuredError) WithCause(err error) *StructuredError {
	e.Cause = err
	return e
}

// ExitCode maps the error onto a process exit code.
func (e *StructuredError) ExitCode() int {
	switch e.Code {
	case CodeValidation:
		return int(foundry.ExitInvalidArgument)
	case CodeNotFound:
		return int(foundry.ExitFileNotFound)
	case CodeServiceUnavailable, CodeExternalService, CodeTimeout:
		return int(foundry.ExitExternalServiceUnavailable)
	case CodeConfig:
		return int(foundry.ExitFileReadError)
	case CodeCancelled:
		return int(foundry.ExitSignalInt)
	default:
		return ExitFailure
	}
}

func New(code string, status int, message string) *StructuredError {
	return &StructuredError{Code: code, Status: status, Message: message}
}

func NewValidationError(message string) *StructuredError {
	return New(CodeValidation, http.StatusBadRequest, message)
}

func NewNotFoundError(message string) *StructuredError {
	return New(CodeNotFound, http.StatusNotFound, message)
}

func NewConflictError(message string) *StructuredError {
	return New(CodeConflict, http.StatusConflict, message)
}

func NewExternalServiceError(message string) *StructuredError {
	return New(CodeExternalService, http.StatusBadGateway, message)
}

func NewServiceUnavailableError(message string) *StructuredError {
	return New(CodeServiceUnavailable, http.StatusServiceUnavailable, message)
}

// NewConfigError reports unusable configuration.
func NewConfigError(err error) *StructuredError {
	return &StructuredError{Code: CodeConfig, Status: http.StatusInternalServerError, Message: "invalid configuration", Cause: err}
}

// WrapInternal wraps err as an internal error. A context error is kept
// distinguishable as a timeout.
func WrapInternal(ctx context.Context, err error, message string) *StructuredError {
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return &StructuredError{Code: CodeTimeout, Status: http.StatusGatewayTimeout, Message: message, Cause: err}
	}
	return &StructuredError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Cause: err}
}

// FromError classifies err. Store sentinels map onto their HTTP meaning;
// anything unrecognised is internal.
func FromError(err error) *StructuredError {
	if err == nil {
		return nil
	}

	var se *StructuredError
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, snapshotstore.ErrValidation):
		return &StructuredError{Code: CodeValidation, Status: http.StatusBadRequest, Message: err.Error(), Cause: err}
	case errors.Is(err, snapshotstore.ErrNotFound):
		return &StructuredError{Code: CodeNotFound, Status: http.StatusNotFound, Message: err.Error(), Cause: err}
	case errors.Is(err, snapshotstore.ErrDuplicate):
		return &StructuredError{Code: CodeConflict, Status: http.StatusConflict, Message: err.Error(), Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &StructuredError{Code: CodeTimeout, Status: http.StatusGatewayTimeout, Message: "request timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &StructuredError{Code: CodeCancelled, Status: statusClientClosedRequest, Message: "request cancelled", Cause: err}
	default:
		return &StructuredError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal server error", Cause: err}
	}
}

// ExitCode returns the exit code for err, ExitSuccess for nil.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	return FromError(err).ExitCode()
}
