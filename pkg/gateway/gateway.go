// Package gateway owns the privileged connection to the shared SQL Server and
// hands out per-sandbox connections bound to sandbox logins.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/models"
)

// Gateway is the single entry point for connections to the shared server.
// All admin operations route through it so permission and availability state
// stay centralized; it is injected wherever a connection is needed so tests
// can substitute a fake.
type Gateway interface {
	// Admin returns the privileged connection pool, validating it on first
	// use and revalidating after a failure.
	Admin(ctx context.Context) (*sql.DB, error)
	// Sandbox returns a connection pool authenticated as the sandbox's own
	// login, confined to the sandbox database.
	Sandbox(ctx context.Context, record *models.SandboxRecord) (*sql.DB, error)
	// ReleaseSandbox closes and forgets the cached pool for a sandbox.
	ReleaseSandbox(sandboxID string)
	// Permissions returns the probed admin capability set. The probe runs on
	// first acquisition and is cached until a connection failure.
	Permissions(ctx context.Context) (models.Permissions, error)
	// HealthCheck verifies the admin connection end to end.
	HealthCheck(ctx context.Context) error
	// Close releases all pooled connections.
	Close() error
}

// Config describes the privileged endpoint.
type Config struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	User            string        `json:"user"`
	Password        string        `json:"-"`
	Database        string        `json:"database"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// SQLGateway implements Gateway over the go-mssqldb driver.
type SQLGateway struct {
	config Config
	logger zerolog.Logger

	mu          sync.Mutex
	admin       *sql.DB
	permissions *models.Permissions

	sandboxMu sync.Mutex
	sandboxes map[string]*sql.DB
}

// New creates a gateway for the configured endpoint. No connection is opened
// until first use.
func New(config Config, logger zerolog.Logger) *SQLGateway {
	if config.Port == 0 {
		config.Port = 1433
	}
	if config.Database == "" {
		config.Database = "master"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 10
	}
	return &SQLGateway{
		config:    config,
		logger:    logger.With().Str("component", "gateway").Logger(),
		sandboxes: make(map[string]*sql.DB),
	}
}

// Admin returns the validated privileged pool.
func (g *SQLGateway) Admin(ctx context.Context) (*sql.DB, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.adminLocked(ctx)
}

func (g *SQLGateway) adminLocked(ctx context.Context) (*sql.DB, error) {
	if g.admin != nil {
		if err := g.admin.PingContext(ctx); err == nil {
			return g.admin, nil
		}
		// Stale pool: drop it, forget the probe, reconnect below.
		_ = g.admin.Close()
		g.admin = nil
		g.permissions = nil
	}

	dsn := buildDSN(g.config.Host, g.config.Port, g.config.User, g.config.Password, g.config.Database, g.config.ConnectTimeout)
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConnectionUnreachable, "failed to open admin connection")
	}
	db.SetMaxOpenConns(g.config.MaxOpenConns)
	db.SetMaxIdleConns(g.config.MaxIdleConns)
	db.SetConnMaxLifetime(g.config.ConnMaxLifetime)

	if err := validate(ctx, db); err != nil {
		_ = db.Close()
		return nil, ClassifyError(err)
	}

	g.logger.Info().Str("host", g.config.Host).Int("port", g.config.Port).Msg("admin connection established")
	g.admin = db
	return db, nil
}

// Sandbox returns a pool for the sandbox's own login, creating and caching it
// on first use.
func (g *SQLGateway) Sandbox(ctx context.Context, record *models.SandboxRecord) (*sql.DB, error) {
	g.sandboxMu.Lock()
	defer g.sandboxMu.Unlock()

	if db, ok := g.sandboxes[record.ID]; ok {
		return db, nil
	}

	dsn := buildDSN(g.config.Host, g.config.Port, record.LoginName, record.Secret, record.DatabaseName, g.config.ConnectTimeout)
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConnectionUnreachable, "failed to open sandbox connection")
	}
	// Sandbox pools are small; the worker pool bounds total load anyway.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ClassifyError(err)
	}

	g.sandboxes[record.ID] = db
	return db, nil
}

// ReleaseSandbox closes the cached pool for a sandbox, if any.
func (g *SQLGateway) ReleaseSandbox(sandboxID string) {
	g.sandboxMu.Lock()
	defer g.sandboxMu.Unlock()

	if db, ok := g.sandboxes[sandboxID]; ok {
		_ = db.Close()
		delete(g.sandboxes, sandboxID)
	}
}

// Permissions returns the cached capability set, probing on first use.
func (g *SQLGateway) Permissions(ctx context.Context) (models.Permissions, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.permissions != nil {
		return *g.permissions, nil
	}

	db, err := g.adminLocked(ctx)
	if err != nil {
		return models.Permissions{}, err
	}

	perms, err := probePermissions(ctx, db)
	if err != nil {
		// A failed probe invalidates the pool so the next call reconnects.
		_ = g.admin.Close()
		g.admin = nil
		return models.Permissions{}, ClassifyError(err)
	}
	g.permissions = &perms
	g.logger.Info().
		Bool("can_create_database", perms.CanCreateDatabase).
		Bool("can_alter_login", perms.CanAlterLogin).
		Bool("can_alter_user", perms.CanAlterUser).
		Msg("admin permissions probed")
	return perms, nil
}

// HealthCheck verifies the admin connection end to end.
func (g *SQLGateway) HealthCheck(ctx context.Context) error {
	db, err := g.Admin(ctx)
	if err != nil {
		return err
	}
	return validateErr(validate(ctx, db))
}

// Close releases the admin pool and every cached sandbox pool.
func (g *SQLGateway) Close() error {
	g.mu.Lock()
	if g.admin != nil {
		_ = g.admin.Close()
		g.admin = nil
	}
	g.mu.Unlock()

	g.sandboxMu.Lock()
	for id, db := range g.sandboxes {
		_ = db.Close()
		delete(g.sandboxes, id)
	}
	g.sandboxMu.Unlock()
	return nil
}

func validateErr(err error) error {
	if err == nil {
		return nil
	}
	return ClassifyError(err)
}

// validate pings the pool and runs a trivial query, mirroring the connection
// test the admin endpoint gets at startup.
func validate(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	if one != 1 {
		return fmt.Errorf("connection validation returned %d", one)
	}
	return nil
}

// probePermissions checks the server-level permissions provisioning needs.
func probePermissions(ctx context.Context, db *sql.DB) (models.Permissions, error) {
	const probe = `SELECT
		COALESCE(HAS_PERMS_BY_NAME(NULL, NULL, 'CREATE ANY DATABASE'), 0),
		COALESCE(HAS_PERMS_BY_NAME(NULL, NULL, 'ALTER ANY LOGIN'), 0),
		COALESCE(IS_SRVROLEMEMBER('sysadmin'), 0)`

	var canCreateDB, canAlterLogin, isSysadmin int
	if err := db.QueryRowContext(ctx, probe).Scan(&canCreateDB, &canAlterLogin, &isSysadmin); err != nil {
		return models.Permissions{}, err
	}
	return models.Permissions{
		CanCreateDatabase: canCreateDB == 1 || isSysadmin == 1,
		CanAlterLogin:     canAlterLogin == 1 || isSysadmin == 1,
		// CREATE USER inside a sandbox database needs ownership of that
		// database, which the creator of the database has.
		CanAlterUser: canCreateDB == 1 || isSysadmin == 1,
	}, nil
}

// buildDSN assembles a sqlserver:// connection URL.
func buildDSN(host string, port int, user, password, database string, connectTimeout time.Duration) string {
	query := url.Values{}
	query.Set("database", database)
	query.Set("connection timeout", fmt.Sprintf("%d", int(connectTimeout.Seconds())))

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(user, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		RawQuery: query.Encode(),
	}
	return u.String()
}
