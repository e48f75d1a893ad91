package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	engerrors "github.com/corraldb/corral/pkg/errors"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyError_DriverNumbers(t *testing.T) {
	tests := []struct {
		name   string
		number int32
		code   string
	}{
		{"login failed", 18456, engerrors.CodeConnectionAuthFailed},
		{"permission denied", 229, engerrors.CodeConnectionPermissionDenied},
		{"create database denied", 262, engerrors.CodeConnectionPermissionDenied},
		{"cannot open database", 4060, engerrors.CodeConnectionPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyError(mssql.Error{Number: tt.number, Message: tt.name})
			assert.Equal(t, tt.code, err.Code)
		})
	}
}

func TestClassifyError_Substrings(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{errors.New("Login failed for user 'sa'"), engerrors.CodeConnectionAuthFailed},
		{errors.New("connection timed out after 30s"), engerrors.CodeConnectionTimeout},
		{errors.New("The user does not have permission to perform this action"), engerrors.CodeConnectionPermissionDenied},
		{errors.New("dial tcp 10.0.0.1:1433: connection refused"), engerrors.CodeConnectionUnreachable},
		{errors.New("no such host"), engerrors.CodeConnectionUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, ClassifyError(tt.err).Code)
		})
	}
}

func TestClassifyError_ContextAndNetTimeouts(t *testing.T) {
	err := ClassifyError(fmt.Errorf("query: %w", context.DeadlineExceeded))
	assert.Equal(t, engerrors.CodeConnectionTimeout, err.Code)

	err = ClassifyError(fmt.Errorf("dial: %w", timeoutErr{}))
	assert.Equal(t, engerrors.CodeConnectionTimeout, err.Code)
}

func TestClassifyError_PreservesCause(t *testing.T) {
	cause := errors.New("Login failed for user 'sandbox_alice'")
	classified := ClassifyError(cause)

	assert.ErrorIs(t, classified, cause, "driver error stays reachable via Unwrap")
	assert.NotContains(t, classified.Message, "sandbox_alice", "classified message carries no raw driver text")
}

func TestClassifyError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyError(nil))
}

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN("db.example.com", 1433, "sa", "p@ss/word", "master", 30*time.Second)

	assert.Contains(t, dsn, "sqlserver://")
	assert.Contains(t, dsn, "db.example.com:1433")
	assert.Contains(t, dsn, "database=master")
	assert.NotContains(t, dsn, "p@ss/word", "password is URL-escaped")
}

func TestNewAppliesDefaults(t *testing.T) {
	g := New(Config{Host: "localhost"}, testLogger())

	assert.Equal(t, 1433, g.config.Port)
	assert.Equal(t, "master", g.config.Database)
	assert.Equal(t, 30*time.Second, g.config.ConnectTimeout)
	assert.Equal(t, 10, g.config.MaxOpenConns)
}
