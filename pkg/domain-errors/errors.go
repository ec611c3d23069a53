// Package domainerrors carries coded errors across package boundaries.
//
// Infrastructure layers return sentinel errors (see pkg/platform/sentinel);
// services translate them into a coded Error so callers can branch on the
// outcome without string matching:
//
//	if dErrors.Is(err, dErrors.CodeUnauthorized) { ... }
//
// The Message of the outermost coded error is what gets surfaced to users.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error outcome.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeRateLimited        Code = "rate_limited"
	CodeRejected           Code = "rejected"
	CodeUnavailable        Code = "unavailable"
	CodeTimeout            Code = "timeout"
	CodeCancelled          Code = "cancelled"
	CodeRefreshFailed      Code = "refresh_failed"
	CodeJobFailed          Code = "job_failed"
	CodeJobTimeout         Code = "job_timeout"
	CodeInvariantViolation Code = "invariant_violation"
	CodeInternal           Code = "internal_error"
)

// Error is a coded error with a user-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err still yields a coded
// error so terminal outcomes without a cause can share one constructor.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether the outermost coded error in err's chain has code.
func Is(err error, code Code) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == code
}

// HasCode reports whether any coded error in err's chain has code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the outermost code, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Message returns the user-facing message of the outermost coded error,
// falling back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
