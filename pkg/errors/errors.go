// Package errors provides standardized error types for the sandbox engine.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the engine's public error taxonomy.
const (
	// Admin gateway connection failures.
	CodeConnectionUnreachable      = "CONNECTION_UNREACHABLE"
	CodeConnectionAuthFailed       = "CONNECTION_AUTH_FAILED"
	CodeConnectionTimeout          = "CONNECTION_TIMEOUT"
	CodeConnectionPermissionDenied = "CONNECTION_PERMISSION_DENIED"

	// Sandbox provisioning failures.
	CodeProvisionNameCollision = "PROVISION_NAME_COLLISION"
	CodeProvisionQuotaExceeded = "PROVISION_QUOTA_EXCEEDED"
	CodeProvisionCompensated   = "PROVISION_COMPENSATED"
	CodeProvisionUncompensated = "PROVISION_UNCOMPENSATED"

	// Query execution failures.
	CodeForbidden         = "EXEC_FORBIDDEN"
	CodeTooManyConcurrent = "EXEC_TOO_MANY_CONCURRENT"
	CodeExecutionTimeout  = "EXEC_TIMEOUT"
	CodeStatementError    = "EXEC_STATEMENT_ERROR"

	// Shared codes.
	CodeNotFound         = "NOT_FOUND"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeInvalidStatement = "INVALID_STATEMENT"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeInternal         = "INTERNAL_ERROR"
)

// EngineError represents an engine error with code, message, and optional details.
type EngineError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors.
var (
	ErrForbidden         = &EngineError{Code: CodeForbidden, Message: "target database is outside this session's sandbox"}
	ErrTooManyConcurrent = &EngineError{Code: CodeTooManyConcurrent, Message: "concurrent query limit reached"}
	ErrQueryTimeout      = &EngineError{Code: CodeExecutionTimeout, Message: "query execution timeout"}
	ErrSandboxNotFound   = &EngineError{Code: CodeNotFound, Message: "sandbox not found"}
	ErrSessionNotFound   = &EngineError{Code: CodeNotFound, Message: "session not found"}
	ErrSessionExpired    = &EngineError{Code: CodeSessionExpired, Message: "session has expired"}
	ErrSandboxExpired    = &EngineError{Code: CodeSessionExpired, Message: "sandbox has expired"}
	ErrMultiStatement    = &EngineError{Code: CodeInvalidStatement, Message: "multi-statement batches are not supported"}
	ErrEmptyStatement    = &EngineError{Code: CodeInvalidStatement, Message: "statement is empty"}
)

// New creates a new EngineError with the given code and message.
func New(code, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new EngineError with a formatted message.
func Newf(code, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an EngineError.
func Wrap(err error, code, message string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// HasCode reports whether err carries the given engine error code.
func HasCode(err error, code string) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code == code
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsForbidden checks if an error is an isolation violation.
func IsForbidden(err error) bool {
	return HasCode(err, CodeForbidden)
}

// IsConnection checks if an error is any admin gateway connection error.
func IsConnection(err error) bool {
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		return false
	}
	switch engErr.Code {
	case CodeConnectionUnreachable, CodeConnectionAuthFailed, CodeConnectionTimeout, CodeConnectionPermissionDenied:
		return true
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Message
	}
	return err.Error()
}
