package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *EngineError
		expected string
	}{
		{
			name: "error without cause",
			err: &EngineError{
				Code:    CodeInvalidStatement,
				Message: "statement is empty",
			},
			expected: "INVALID_STATEMENT: statement is empty",
		},
		{
			name: "error with cause",
			err: &EngineError{
				Code:    CodeStatementError,
				Message: "statement failed",
				Cause:   fmt.Errorf("table does not exist"),
			},
			expected: "EXEC_STATEMENT_ERROR: statement failed (caused by: table does not exist)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("login failed")
	err := Wrap(cause, CodeConnectionAuthFailed, "admin authentication failed")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestEngineError_Is(t *testing.T) {
	err1 := &EngineError{Code: CodeNotFound, Message: "sandbox not found"}
	err2 := &EngineError{Code: CodeNotFound, Message: "different message"}
	err3 := &EngineError{Code: CodeForbidden, Message: "forbidden"}
	stdErr := fmt.Errorf("standard error")

	assert.True(t, err1.Is(err2), "errors with same code should match")
	assert.False(t, err1.Is(err3), "errors with different codes should not match")
	assert.False(t, err1.Is(stdErr), "engine error should not match standard error")
}

func TestEngineError_SentinelComparison(t *testing.T) {
	err := Wrapf(fmt.Errorf("deadline"), CodeExecutionTimeout, "query exceeded %ds", 30)
	assert.True(t, errors.Is(err, ErrQueryTimeout))
}

func TestEngineError_WithDetail(t *testing.T) {
	err := New(CodeProvisionUncompensated, "rollback failed").
		WithDetail("login_name", "sandbox_alice_20260110_120000").
		WithDetail("database_name", "SandboxDB_alice_20260110_120000")

	assert.Equal(t, "sandbox_alice_20260110_120000", err.Details["login_name"])
	assert.Equal(t, "SandboxDB_alice_20260110_120000", err.Details["database_name"])
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "ignored"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "ignored %d", 1))
}

func TestHasCodeHelpers(t *testing.T) {
	assert.True(t, IsNotFound(ErrSandboxNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("wrapped: %w", ErrSessionNotFound)))
	assert.False(t, IsNotFound(ErrForbidden))

	assert.True(t, IsForbidden(ErrForbidden))
	assert.True(t, IsConnection(New(CodeConnectionUnreachable, "host down")))
	assert.False(t, IsConnection(ErrQueryTimeout))
}

func TestGetCodeAndMessage(t *testing.T) {
	assert.Equal(t, CodeSessionExpired, GetCode(ErrSessionExpired))
	assert.Equal(t, CodeInternal, GetCode(fmt.Errorf("plain")))

	assert.Equal(t, "session has expired", GetMessage(ErrSessionExpired))
	assert.Equal(t, "plain", GetMessage(fmt.Errorf("plain")))
}
