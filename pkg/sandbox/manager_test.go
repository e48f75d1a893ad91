package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corraldb/corral/pkg/cache"
	engerrors "github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/models"
	"github.com/corraldb/corral/pkg/registry"
)

type fakeAdmin struct {
	mu       sync.Mutex
	execs    []string
	inDB     map[string][]string
	failOn   string
	perms    models.Permissions
	released []string
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		inDB: make(map[string][]string),
		perms: models.Permissions{
			CanCreateDatabase: true,
			CanAlterLogin:     true,
			CanAlterUser:      true,
		},
	}
}

func (f *fakeAdmin) setFailOn(substr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = substr
}

func (f *fakeAdmin) Exec(ctx context.Context, stmt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(stmt, f.failOn) {
		return fmt.Errorf("forced failure on %q", f.failOn)
	}
	f.execs = append(f.execs, stmt)
	return nil
}

func (f *fakeAdmin) ExecInDatabase(ctx context.Context, database string, stmts ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stmt := range stmts {
		if f.failOn != "" && strings.Contains(stmt, f.failOn) {
			return fmt.Errorf("forced failure on %q", f.failOn)
		}
	}
	f.inDB[database] = append(f.inDB[database], stmts...)
	return nil
}

func (f *fakeAdmin) Permissions(ctx context.Context) (models.Permissions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perms, nil
}

func (f *fakeAdmin) ReleaseSandbox(sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sandboxID)
}

func (f *fakeAdmin) statements() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.execs, "\n")
}

func (f *fakeAdmin) countExecs(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, stmt := range f.execs {
		if strings.Contains(stmt, substr) {
			n++
		}
	}
	return n
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, admin AdminClient, config Config) (*Manager, registry.Store, *fixedClock) {
	t.Helper()
	store, err := registry.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := &fixedClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	m := NewManager(admin, store, cache.New(10, time.Minute), nil, config, zerolog.Nop(), WithClock(clk.Now))
	return m, store, clk
}

func TestProvisionCreatesObjects(t *testing.T) {
	admin := newFakeAdmin()
	m, store, _ := newTestManager(t, admin, Config{})
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, models.SandboxStateActive, record.State)
	assert.True(t, strings.HasPrefix(record.LoginName, "sandbox_alice_"))
	assert.True(t, strings.HasPrefix(record.DatabaseName, "SandboxDB_alice_"))
	assert.Len(t, record.Secret, 16)

	stmts := admin.statements()
	assert.Contains(t, stmts, "CREATE LOGIN ["+record.LoginName+"]")
	assert.Contains(t, stmts, "CREATE DATABASE ["+record.DatabaseName+"]")
	assert.Equal(t, 2, admin.countExecs("MODIFY FILE"), "data and log file limits applied")

	scoped := strings.Join(admin.inDB[record.DatabaseName], "\n")
	assert.Contains(t, scoped, "CREATE USER ["+record.LoginName+"]")
	assert.Contains(t, scoped, "[db_datareader]")
	assert.Contains(t, scoped, "[db_datawriter]")
	assert.Contains(t, scoped, "[db_ddladmin]")
	assert.Contains(t, scoped, "GRANT CREATE TABLE")
	assert.Contains(t, scoped, "dbo.Welcome")

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateActive, stored.State)
}

func TestProvisionReturnsExistingSandbox(t *testing.T) {
	admin := newFakeAdmin()
	m, _, _ := newTestManager(t, admin, Config{})
	ctx := context.Background()

	first, err := m.Provision(ctx, "alice")
	require.NoError(t, err)
	second, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, admin.countExecs("CREATE DATABASE"), "no second database created")
}

func TestProvisionCompensatesOnFailure(t *testing.T) {
	admin := newFakeAdmin()
	admin.setFailOn("CREATE DATABASE")
	m, store, _ := newTestManager(t, admin, Config{})
	ctx := context.Background()

	_, err := m.Provision(ctx, "alice")
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeProvisionCompensated, engerrors.GetCode(err))
	assert.Equal(t, 1, admin.countExecs("DROP LOGIN"), "created login rolled back")

	_, err = store.ActiveByUser(ctx, "alice")
	assert.ErrorIs(t, err, engerrors.ErrSandboxNotFound, "failed sandbox is not live")
}

func TestProvisionCompensatesMidSaga(t *testing.T) {
	admin := newFakeAdmin()
	admin.setFailOn("MODIFY FILE")
	m, _, _ := newTestManager(t, admin, Config{})

	_, err := m.Provision(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeProvisionCompensated, engerrors.GetCode(err))
	assert.Equal(t, 1, admin.countExecs("DROP DATABASE"), "database rolled back in reverse order")
	assert.Equal(t, 1, admin.countExecs("DROP LOGIN"))
}

func TestProvisionUncompensatedWhenRollbackFails(t *testing.T) {
	admin := &brokenRollbackAdmin{fakeAdmin: newFakeAdmin()}
	m, _, _ := newTestManager(t, admin, Config{})

	_, err := m.Provision(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeProvisionUncompensated, engerrors.GetCode(err))

	var engErr *engerrors.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Contains(t, engErr.Details, "database_name", "orphaned object names surfaced for operators")
}

// brokenRollbackAdmin fails the size-limit step and every DROP issued during
// compensation.
type brokenRollbackAdmin struct {
	*fakeAdmin
}

func (b *brokenRollbackAdmin) Exec(ctx context.Context, stmt string) error {
	if strings.Contains(stmt, "MODIFY FILE") || strings.Contains(stmt, "DROP") {
		return fmt.Errorf("forced failure")
	}
	return b.fakeAdmin.Exec(ctx, stmt)
}

func TestProvisionCompensationToleratesMissingObjects(t *testing.T) {
	admin := &absentObjectAdmin{fakeAdmin: newFakeAdmin()}
	m, _, _ := newTestManager(t, admin, Config{})

	_, err := m.Provision(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeProvisionCompensated, engerrors.GetCode(err),
		"an already-absent object is a successful rollback, not an orphan")
	assert.Equal(t, 1, admin.countExecs("DROP LOGIN"), "remaining undos still run")
}

// absentObjectAdmin fails the size-limit step and reports the database as
// already gone when compensation tries to drop it.
type absentObjectAdmin struct {
	*fakeAdmin
}

func (a *absentObjectAdmin) Exec(ctx context.Context, stmt string) error {
	if strings.Contains(stmt, "MODIFY FILE") {
		return fmt.Errorf("forced failure")
	}
	if strings.Contains(stmt, "DROP DATABASE") {
		return fmt.Errorf("Cannot drop the database 'SandboxDB_alice', because it does not exist or you do not have permission.")
	}
	return a.fakeAdmin.Exec(ctx, stmt)
}

func TestProvisionNameCollision(t *testing.T) {
	admin := &collidingAdmin{fakeAdmin: newFakeAdmin()}
	m, _, _ := newTestManager(t, admin, Config{})

	_, err := m.Provision(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeProvisionNameCollision, engerrors.GetCode(err))
}

type collidingAdmin struct {
	*fakeAdmin
}

func (c *collidingAdmin) Exec(ctx context.Context, stmt string) error {
	if strings.Contains(stmt, "CREATE DATABASE") {
		return fmt.Errorf("Database 'SandboxDB_alice' already exists")
	}
	return c.fakeAdmin.Exec(ctx, stmt)
}

func TestProvisionQuota(t *testing.T) {
	admin := newFakeAdmin()
	m, _, _ := newTestManager(t, admin, Config{MaxSandboxes: 1})
	ctx := context.Background()

	_, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	_, err = m.Provision(ctx, "bob")
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeProvisionQuotaExceeded, engerrors.GetCode(err))
}

func TestProvisionInsufficientPermissions(t *testing.T) {
	admin := newFakeAdmin()
	admin.perms = models.Permissions{CanCreateDatabase: true}
	m, _, _ := newTestManager(t, admin, Config{})

	_, err := m.Provision(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeConnectionPermissionDenied, engerrors.GetCode(err))
	assert.Empty(t, admin.statements(), "no statements run without permissions")
}

func TestRenewCapsAtMaxLifetime(t *testing.T) {
	admin := newFakeAdmin()
	m, _, clk := newTestManager(t, admin, Config{DefaultTTL: time.Hour, MaxLifetime: 2 * time.Hour})
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)
	created := record.CreatedAt

	renewed, err := m.Renew(ctx, record.ID, 5*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, created.Add(2*time.Hour), renewed.ExpiresAt, "expiry capped at max lifetime")

	// At the cap, further renewal is refused rather than silently ignored.
	clk.Advance(time.Minute)
	_, err = m.Renew(ctx, record.ID, time.Minute)
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeLimitExceeded, engerrors.GetCode(err))
}

func TestRenewShorterNeverMovesBackward(t *testing.T) {
	admin := newFakeAdmin()
	m, _, _ := newTestManager(t, admin, Config{DefaultTTL: time.Hour, MaxLifetime: 24 * time.Hour})
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	again, err := m.Renew(ctx, record.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, record.ExpiresAt, again.ExpiresAt, "expiry unchanged below the cap")
}

func TestRenewRejectsNonActive(t *testing.T) {
	admin := newFakeAdmin()
	m, _, _ := newTestManager(t, admin, Config{})
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.Teardown(ctx, record.ID, true))

	_, err = m.Renew(ctx, record.ID, time.Hour)
	require.Error(t, err)
	assert.Equal(t, engerrors.CodeNotFound, engerrors.GetCode(err))
}

func TestTeardownIdempotent(t *testing.T) {
	admin := newFakeAdmin()
	m, store, _ := newTestManager(t, admin, Config{})
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, m.Teardown(ctx, record.ID, true))
	require.NoError(t, m.Teardown(ctx, record.ID, true), "second teardown is a no-op")
	require.NoError(t, m.Teardown(ctx, "no-such-sandbox", true), "unknown sandbox is a no-op")

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateDeleted, stored.State)
	assert.Equal(t, 1, admin.countExecs("DROP DATABASE"))
	assert.Equal(t, []string{record.ID}, admin.released)
}

func TestTeardownDeferredMarksExpiring(t *testing.T) {
	admin := newFakeAdmin()
	m, store, _ := newTestManager(t, admin, Config{})
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, m.Teardown(ctx, record.ID, false))
	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateExpiring, stored.State)
	assert.Zero(t, admin.countExecs("DROP DATABASE"), "deferred teardown leaves the drop to the sweep")
	assert.Zero(t, admin.countExecs("DROP LOGIN"))

	// Deferred teardown of an Expiring sandbox stays a no-op.
	require.NoError(t, m.Teardown(ctx, record.ID, false))

	require.NoError(t, m.Teardown(ctx, record.ID, true))
	stored, err = store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateDeleted, stored.State)
	assert.Equal(t, 1, admin.countExecs("DROP DATABASE"))
}

func TestTeardownFailureLeavesExpiring(t *testing.T) {
	admin := newFakeAdmin()
	m, store, _ := newTestManager(t, admin, Config{})
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	admin.setFailOn("DROP DATABASE")
	require.Error(t, m.Teardown(ctx, record.ID, true))

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateExpiring, stored.State, "retryable state after drop failure")

	admin.setFailOn("")
	require.NoError(t, m.Teardown(ctx, record.ID, true))
	stored, err = store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateDeleted, stored.State)
}

func TestTeardownInvalidatesCache(t *testing.T) {
	admin := newFakeAdmin()
	store, err := registry.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	resultCache := cache.New(10, time.Minute)
	m := NewManager(admin, store, resultCache, nil, Config{}, zerolog.Nop())
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	key := cache.Key("SELECT 1", record.DatabaseName)
	resultCache.Put(key, record.DatabaseName, &models.ExecuteResult{Success: true}, time.Minute)
	require.NotNil(t, resultCache.Get(key))

	require.NoError(t, m.Teardown(ctx, record.ID, true))
	assert.Nil(t, resultCache.Get(key), "cached results dropped with the sandbox")
}

func TestSweepTearsDownExpired(t *testing.T) {
	admin := newFakeAdmin()
	m, store, clk := newTestManager(t, admin, Config{DefaultTTL: time.Hour})
	ctx := context.Background()

	a, err := m.Provision(ctx, "alice")
	require.NoError(t, err)
	b, err := m.Provision(ctx, "bob")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, b.ID} {
		stored, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SandboxStateDeleted, stored.State)
	}
}

func TestSweepSkipsLive(t *testing.T) {
	admin := newFakeAdmin()
	m, store, _ := newTestManager(t, admin, Config{DefaultTTL: time.Hour})
	ctx := context.Background()

	record, err := m.Provision(ctx, "alice")
	require.NoError(t, err)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateActive, stored.State)
}
