package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of command error codes. Every error surfaced
// by the command layer carries exactly one of these.
type ErrorCode string

const (
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrConflict         ErrorCode = "CONFLICT" // optimistic concurrency
	ErrStateInvalid     ErrorCode = "STATE_INVALID"
	ErrExpired          ErrorCode = "EXPIRED"
	ErrForbidden        ErrorCode = "FORBIDDEN" // entitlement
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrKillSwitchActive ErrorCode = "KILL_SWITCH_ACTIVE"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrInternal         ErrorCode = "INTERNAL"
)

// CommandError is the structured error returned by every command. It
// carries a stable code, a human-readable message, and the correlation id
// of the failed command.
type CommandError struct {
	Code          ErrorCode         `json:"code"`
	Message       string            `json:"message"`
	Field         string            `json:"field,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

func (e *CommandError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a CommandError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FieldError builds a VALIDATION_FAILED error bound to a specific field.
func FieldError(field, format string, args ...any) *CommandError {
	return &CommandError{Code: ErrValidationFailed, Field: field, Message: fmt.Sprintf(format, args...)}
}

// WithCorrelation stamps the correlation id and returns the error.
func (e *CommandError) WithCorrelation(correlationID string) *CommandError {
	e.CorrelationID = correlationID
	return e
}

// CodeOf extracts the error code from err, or INTERNAL for anything that is
// not a CommandError.
func CodeOf(err error) ErrorCode {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInternal
}

// AsCommandError converts err to a CommandError, wrapping unknown errors as
// INTERNAL so transports never leak raw error strings with no code.
func AsCommandError(err error) *CommandError {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce
	}
	return &CommandError{Code: ErrInternal, Message: err.Error()}
}
