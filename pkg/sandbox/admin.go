package sandbox

import (
	"context"

	"github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/gateway"
	"github.com/corraldb/corral/pkg/models"
)

// AdminClient is the slice of the privileged connection the lifecycle manager
// needs. Tests substitute a fake that records statements.
type AdminClient interface {
	// Exec runs one statement on the admin connection in its default database.
	Exec(ctx context.Context, stmt string) error
	// ExecInDatabase runs statements one at a time on a single connection
	// switched into the given database.
	ExecInDatabase(ctx context.Context, database string, stmts ...string) error
	// Permissions returns the probed admin capability set.
	Permissions(ctx context.Context) (models.Permissions, error)
	// ReleaseSandbox drops any cached connection pool for a sandbox.
	ReleaseSandbox(sandboxID string)
}

type gatewayAdmin struct {
	gw gateway.Gateway
}

// NewGatewayAdmin adapts a gateway into the manager's AdminClient.
func NewGatewayAdmin(gw gateway.Gateway) AdminClient {
	return &gatewayAdmin{gw: gw}
}

func (a *gatewayAdmin) Exec(ctx context.Context, stmt string) error {
	db, err := a.gw.Admin(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, errors.CodeStatementError, "admin statement failed")
	}
	return nil
}

func (a *gatewayAdmin) ExecInDatabase(ctx context.Context, database string, stmts ...string) error {
	db, err := a.gw.Admin(ctx)
	if err != nil {
		return err
	}

	// A dedicated connection keeps the USE scoped; it is reset before the
	// connection returns to the pool.
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CodeConnectionUnreachable, "failed to acquire admin connection")
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "USE [master]")
		_ = conn.Close()
	}()

	if _, err := conn.ExecContext(ctx, "USE "+quoteIdent(database)); err != nil {
		return errors.Wrap(err, errors.CodeStatementError, "failed to switch database context")
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.CodeStatementError, "admin statement failed")
		}
	}
	return nil
}

func (a *gatewayAdmin) Permissions(ctx context.Context) (models.Permissions, error) {
	return a.gw.Permissions(ctx)
}

func (a *gatewayAdmin) ReleaseSandbox(sandboxID string) {
	a.gw.ReleaseSandbox(sandboxID)
}
