// Package sandbox provisions, renews, and tears down per-user sandbox
// environments on the shared SQL Server.
package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/corraldb/corral/pkg/cache"
	"github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/metrics"
	"github.com/corraldb/corral/pkg/models"
	"github.com/corraldb/corral/pkg/registry"
)

// Config tunes the lifecycle manager.
type Config struct {
	// DefaultTTL is the initial sandbox lifetime.
	DefaultTTL time.Duration `json:"default_ttl"`
	// MaxLifetime caps the total lifetime from creation, renewals included.
	MaxLifetime time.Duration `json:"max_lifetime"`
	// MaxSandboxes caps the number of concurrently live sandboxes.
	MaxSandboxes int `json:"max_sandboxes"`
	// DataMaxBytes and LogMaxBytes bound each sandbox database's files.
	DataMaxBytes int64 `json:"data_max_bytes"`
	LogMaxBytes  int64 `json:"log_max_bytes"`
	// SweepSchedule is the cron spec for the expiry sweep.
	SweepSchedule string `json:"sweep_schedule"`
	// SweepParallelism bounds concurrent teardowns during a sweep.
	SweepParallelism int `json:"sweep_parallelism"`
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 4 * time.Hour
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 24 * time.Hour
	}
	if c.MaxSandboxes <= 0 {
		c.MaxSandboxes = 20
	}
	if c.DataMaxBytes <= 0 {
		c.DataMaxBytes = 100 << 20
	}
	if c.LogMaxBytes <= 0 {
		c.LogMaxBytes = 50 << 20
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
	if c.SweepParallelism <= 0 {
		c.SweepParallelism = 4
	}
}

// Manager owns the sandbox lifecycle. It is the sole writer of the registry
// and serializes work per user and per sandbox.
type Manager struct {
	admin   AdminClient
	store   registry.Store
	cache   cache.Cache
	metrics metrics.Collector
	config  Config
	logger  zerolog.Logger
	clock   func() time.Time

	locks sync.Map // key -> *sync.Mutex

	cronMu  sync.Mutex
	sweeper *cron.Cron
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a lifecycle manager. The cache may be nil when result
// caching is disabled.
func NewManager(admin AdminClient, store registry.Store, resultCache cache.Cache, collector metrics.Collector, config Config, logger zerolog.Logger, opts ...Option) *Manager {
	config.applyDefaults()
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	m := &Manager{
		admin:   admin,
		store:   store,
		cache:   resultCache,
		metrics: collector,
		config:  config,
		logger:  logger.With().Str("component", "sandbox").Logger(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lock acquires the named mutex and returns its unlock func.
func (m *Manager) lock(key string) func() {
	v, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Provision creates a sandbox for the user, or returns the existing live one.
// Failures roll back every server-side object created so far.
func (m *Manager) Provision(ctx context.Context, userID string) (*models.SandboxRecord, error) {
	unlock := m.lock("user:" + userID)
	defer unlock()

	existing, err := m.store.ActiveByUser(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	perms, err := m.admin.Permissions(ctx)
	if err != nil {
		return nil, err
	}
	if !perms.Sufficient() {
		return nil, errors.New(errors.CodeConnectionPermissionDenied, "admin connection lacks provisioning permissions").
			WithDetail("can_create_database", perms.CanCreateDatabase).
			WithDetail("can_alter_login", perms.CanAlterLogin)
	}

	active, err := m.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if active >= m.config.MaxSandboxes {
		return nil, errors.Newf(errors.CodeProvisionQuotaExceeded, "sandbox quota of %d reached", m.config.MaxSandboxes)
	}

	secret, err := generatePassword()
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	record := &models.SandboxRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		LoginName:    loginName(userID, now),
		DatabaseName: databaseName(userID, now),
		Secret:       secret,
		DataMaxBytes: m.config.DataMaxBytes,
		LogMaxBytes:  m.config.LogMaxBytes,
		State:        models.SandboxStateRequested,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.config.DefaultTTL),
	}

	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}
	if err := m.store.UpdateState(ctx, record.ID, models.SandboxStateProvisioning); err != nil {
		return nil, err
	}

	timer := m.metrics.StartTimer("sandbox_provision")
	if err := m.runSaga(ctx, record); err != nil {
		timer.Stop()
		if serr := m.store.UpdateState(ctx, record.ID, models.SandboxStateFailed); serr != nil {
			m.logger.Error().Err(serr).Str("sandbox_id", record.ID).Msg("failed to record provisioning failure")
		}
		m.metrics.IncrementCounter("sandbox_provision_failures_total")
		return nil, err
	}
	timer.Stop()

	if err := m.store.UpdateState(ctx, record.ID, models.SandboxStateActive); err != nil {
		return nil, err
	}
	record.State = models.SandboxStateActive

	m.metrics.IncrementCounter("sandbox_provisioned_total")
	m.logger.Info().
		Str("sandbox_id", record.ID).
		Str("user_id", userID).
		Str("database", record.DatabaseName).
		Time("expires_at", record.ExpiresAt).
		Msg("sandbox provisioned")
	return record, nil
}

type provisionStep struct {
	name string
	run  func(ctx context.Context) error
	undo func(ctx context.Context) error
}

func (m *Manager) provisionSteps(record *models.SandboxRecord) []provisionStep {
	login := quoteIdent(record.LoginName)
	db := quoteIdent(record.DatabaseName)
	dataMB := record.DataMaxBytes >> 20
	logMB := record.LogMaxBytes >> 20

	return []provisionStep{
		{
			name: "create login",
			run: func(ctx context.Context) error {
				return m.admin.Exec(ctx, fmt.Sprintf(
					"CREATE LOGIN %s WITH PASSWORD = %s, CHECK_EXPIRATION = OFF, CHECK_POLICY = OFF",
					login, quoteString(record.Secret)))
			},
			undo: func(ctx context.Context) error {
				return m.admin.Exec(ctx, "DROP LOGIN "+login)
			},
		},
		{
			name: "create database",
			run: func(ctx context.Context) error {
				return m.admin.Exec(ctx, "CREATE DATABASE "+db)
			},
			undo: func(ctx context.Context) error {
				return m.admin.Exec(ctx, "DROP DATABASE "+db)
			},
		},
		{
			name: "apply size limits",
			run: func(ctx context.Context) error {
				// Logical file names follow the database name for databases
				// created without an explicit file spec.
				if err := m.admin.Exec(ctx, fmt.Sprintf(
					"ALTER DATABASE %s MODIFY FILE (NAME = %s, MAXSIZE = %dMB)",
					db, quoteString(record.DatabaseName), dataMB)); err != nil {
					return err
				}
				return m.admin.Exec(ctx, fmt.Sprintf(
					"ALTER DATABASE %s MODIFY FILE (NAME = %s, MAXSIZE = %dMB)",
					db, quoteString(record.DatabaseName+"_log"), logMB))
			},
		},
		{
			name: "create user and grants",
			run: func(ctx context.Context) error {
				return m.admin.ExecInDatabase(ctx, record.DatabaseName,
					fmt.Sprintf("CREATE USER %s FOR LOGIN %s", login, login),
					"ALTER ROLE [db_datareader] ADD MEMBER "+login,
					"ALTER ROLE [db_datawriter] ADD MEMBER "+login,
					"ALTER ROLE [db_ddladmin] ADD MEMBER "+login,
					"GRANT CREATE TABLE TO "+login,
					"GRANT CREATE VIEW TO "+login,
					"GRANT CREATE PROCEDURE TO "+login,
					"GRANT CREATE FUNCTION TO "+login,
					"CREATE TABLE dbo.Welcome (Id INT IDENTITY(1,1) PRIMARY KEY, Message NVARCHAR(200) NOT NULL, CreatedAt DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME())",
					"INSERT INTO dbo.Welcome (Message) VALUES (N'Welcome to your sandbox database')",
				)
			},
		},
	}
}

// runSaga executes the provisioning steps, compensating in reverse order on
// failure.
func (m *Manager) runSaga(ctx context.Context, record *models.SandboxRecord) error {
	var undos []provisionStep
	for _, step := range m.provisionSteps(record) {
		if err := step.run(ctx); err != nil {
			m.logger.Warn().Err(err).
				Str("sandbox_id", record.ID).
				Str("step", step.name).
				Msg("provisioning step failed, compensating")
			return m.compensate(ctx, record, step.name, err, undos)
		}
		if step.undo != nil {
			undos = append(undos, step)
		}
	}
	return nil
}

func (m *Manager) compensate(ctx context.Context, record *models.SandboxRecord, failedStep string, cause error, undos []provisionStep) error {
	// Compensation must run even when the provisioning context is gone.
	undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for i := len(undos) - 1; i >= 0; i-- {
		err := undos[i].undo(undoCtx)
		if err == nil {
			continue
		}
		// An object that was never created, or is already gone, is a
		// successful rollback, not an orphan.
		if isDoesNotExist(err) {
			m.logger.Debug().
				Str("sandbox_id", record.ID).
				Str("step", undos[i].name).
				Msg("object already absent during rollback")
			continue
		}
		m.logger.Error().Err(err).
			Str("sandbox_id", record.ID).
			Str("step", undos[i].name).
			Msg("compensation failed, orphaned objects remain")
		return errors.Wrapf(cause, errors.CodeProvisionUncompensated,
			"provisioning failed at %q and rollback of %q also failed", failedStep, undos[i].name).
			WithDetail("login_name", record.LoginName).
			WithDetail("database_name", record.DatabaseName)
	}

	if isAlreadyExists(cause) {
		return errors.Wrapf(cause, errors.CodeProvisionNameCollision,
			"provisioning failed at %q: object already exists", failedStep)
	}
	return errors.Wrapf(cause, errors.CodeProvisionCompensated,
		"provisioning failed at %q, all created objects were rolled back", failedStep)
}

func isDoesNotExist(err error) bool {
	var sqlErr mssql.Error
	if stderrors.As(err, &sqlErr) {
		// 3701: cannot drop database, 15151: cannot drop login.
		if sqlErr.Number == 3701 || sqlErr.Number == 15151 {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func isAlreadyExists(err error) bool {
	var sqlErr mssql.Error
	if stderrors.As(err, &sqlErr) {
		// 1801: database exists, 15025: login exists.
		if sqlErr.Number == 1801 || sqlErr.Number == 15025 {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// Get returns the sandbox record with the given ID.
func (m *Manager) Get(ctx context.Context, sandboxID string) (*models.SandboxRecord, error) {
	return m.store.Get(ctx, sandboxID)
}

// GetByUser returns the user's live sandbox record.
func (m *Manager) GetByUser(ctx context.Context, userID string) (*models.SandboxRecord, error) {
	return m.store.ActiveByUser(ctx, userID)
}

// Renew extends a sandbox's expiry. The new expiry never exceeds MaxLifetime
// past creation and never moves backward.
func (m *Manager) Renew(ctx context.Context, sandboxID string, extension time.Duration) (*models.SandboxRecord, error) {
	unlock := m.lock("sandbox:" + sandboxID)
	defer unlock()

	record, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if record.State != models.SandboxStateActive {
		return nil, errors.Newf(errors.CodeNotFound, "sandbox is %s, not active", strings.ToLower(string(record.State)))
	}

	if extension <= 0 {
		extension = m.config.DefaultTTL
	}
	limit := record.CreatedAt.Add(m.config.MaxLifetime)
	expiry := m.clock().UTC().Add(extension)
	if expiry.After(limit) {
		expiry = limit
	}
	if !expiry.After(record.ExpiresAt) {
		if !record.ExpiresAt.Before(limit) {
			return nil, errors.Newf(errors.CodeLimitExceeded,
				"sandbox lifetime is capped at %s from creation", m.config.MaxLifetime)
		}
		// A shorter extension never moves expiry backward.
		return record, nil
	}

	if err := m.store.UpdateExpiry(ctx, sandboxID, expiry); err != nil {
		return nil, err
	}
	record.ExpiresAt = expiry
	m.logger.Info().Str("sandbox_id", sandboxID).Time("expires_at", expiry).Msg("sandbox renewed")
	return record, nil
}

// Teardown retires a sandbox. Immediate teardown drops the server-side
// objects and marks the record deleted; deferred teardown only moves it to
// Expiring and leaves the drop to the sweep. It is idempotent: missing or
// already-deleted sandboxes return nil. On a drop failure the record stays in
// Expiring so the sweep retries.
func (m *Manager) Teardown(ctx context.Context, sandboxID string, immediate bool) error {
	unlock := m.lock("sandbox:" + sandboxID)
	defer unlock()

	record, err := m.store.Get(ctx, sandboxID)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.State.Terminal() {
		return nil
	}

	if record.State == models.SandboxStateActive {
		if err := m.store.UpdateState(ctx, sandboxID, models.SandboxStateExpiring); err != nil {
			return err
		}
	}
	if !immediate {
		m.logger.Info().Str("sandbox_id", sandboxID).Msg("sandbox marked for teardown")
		return nil
	}

	m.admin.ReleaseSandbox(sandboxID)
	if m.cache != nil {
		m.cache.Invalidate(record.DatabaseName)
	}

	db := quoteIdent(record.DatabaseName)
	dbLit := quoteString(record.DatabaseName)
	login := quoteIdent(record.LoginName)
	loginLit := quoteString(record.LoginName)

	// Guarded statements keep the drop idempotent across sweep retries.
	drops := []string{
		fmt.Sprintf("IF DB_ID(%s) IS NOT NULL ALTER DATABASE %s SET SINGLE_USER WITH ROLLBACK IMMEDIATE", dbLit, db),
		fmt.Sprintf("IF DB_ID(%s) IS NOT NULL DROP DATABASE %s", dbLit, db),
		fmt.Sprintf("IF SUSER_ID(%s) IS NOT NULL DROP LOGIN %s", loginLit, login),
	}
	for _, stmt := range drops {
		if err := m.admin.Exec(ctx, stmt); err != nil {
			m.metrics.IncrementCounter("sandbox_teardown_failures_total")
			return errors.Wrap(err, errors.CodeInternal, "sandbox teardown failed").
				WithDetail("sandbox_id", sandboxID)
		}
	}

	if err := m.store.UpdateState(ctx, sandboxID, models.SandboxStateDeleted); err != nil {
		return err
	}
	m.metrics.IncrementCounter("sandbox_deleted_total")
	m.logger.Info().Str("sandbox_id", sandboxID).Str("database", record.DatabaseName).Msg("sandbox torn down")
	return nil
}

// Sweep tears down every expired sandbox, a bounded number at a time. One
// failed teardown does not stop the others; failures stay queued for the next
// sweep.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpired(ctx, m.clock().UTC())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(m.config.SweepParallelism)
	for _, record := range expired {
		record := record
		g.Go(func() error {
			if err := m.Teardown(ctx, record.ID, true); err != nil {
				m.logger.Error().Err(err).Str("sandbox_id", record.ID).Msg("sweep teardown failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	m.metrics.RecordGauge("sandbox_sweep_candidates", float64(len(expired)))
	return len(expired), nil
}

// StartSweeper schedules the expiry sweep.
func (m *Manager) StartSweeper() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.sweeper != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(m.config.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := m.Sweep(ctx); err != nil {
			m.logger.Error().Err(err).Msg("sweep failed")
		} else if n > 0 {
			m.logger.Info().Int("expired", n).Msg("sweep completed")
		}
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "invalid sweep schedule")
	}
	c.Start()
	m.sweeper = c
	m.logger.Info().Str("schedule", m.config.SweepSchedule).Msg("sweeper started")
	return nil
}

// StopSweeper stops the sweep scheduler and waits for a running sweep.
func (m *Manager) StopSweeper() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.sweeper != nil {
		<-m.sweeper.Stop().Done()
		m.sweeper = nil
	}
}

// ActiveCount returns the number of live sandboxes.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	return m.store.CountActive(ctx)
}
