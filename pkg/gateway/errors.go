package gateway

import (
	"context"
	"errors"
	"net"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	engerrors "github.com/corraldb/corral/pkg/errors"
)

// Server-side error numbers that map onto the gateway's error kinds. Driver
// error surfaces are not a stable enum, so numbers are matched first and
// message substrings are the fallback.
const (
	sqlErrLoginFailed        = 18456
	sqlErrCannotOpenDatabase = 4060
	sqlErrPermissionDenied   = 229
	sqlErrCreateDBDenied     = 262
	sqlErrNoObjectPermission = 297
	sqlErrCannotAccessDB     = 916
)

// ClassifyError maps a driver-level error into one of the four connection
// error kinds. Raw driver text is preserved only as the wrapped cause; callers
// see the classified kind.
func ClassifyError(err error) *engerrors.EngineError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return engerrors.Wrap(err, engerrors.CodeConnectionTimeout, "connection timed out")
	}

	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		case sqlErrLoginFailed:
			return engerrors.Wrap(err, engerrors.CodeConnectionAuthFailed, "authentication failed")
		case sqlErrPermissionDenied, sqlErrCreateDBDenied, sqlErrNoObjectPermission, sqlErrCannotAccessDB, sqlErrCannotOpenDatabase:
			return engerrors.Wrap(err, engerrors.CodeConnectionPermissionDenied, "permission denied")
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engerrors.Wrap(err, engerrors.CodeConnectionTimeout, "connection timed out")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "login failed") || strings.Contains(msg, "login error") || strings.Contains(msg, "authentication"):
		return engerrors.Wrap(err, engerrors.CodeConnectionAuthFailed, "authentication failed")
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return engerrors.Wrap(err, engerrors.CodeConnectionTimeout, "connection timed out")
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized"):
		return engerrors.Wrap(err, engerrors.CodeConnectionPermissionDenied, "permission denied")
	default:
		return engerrors.Wrap(err, engerrors.CodeConnectionUnreachable, "server unreachable")
	}
}
