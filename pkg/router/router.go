// Package router authorizes, classifies, and executes statements against the
// admin connection or a session's sandbox.
package router

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/corraldb/corral/pkg/cache"
	"github.com/corraldb/corral/pkg/classifier"
	"github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/gateway"
	"github.com/corraldb/corral/pkg/metrics"
	"github.com/corraldb/corral/pkg/models"
	"github.com/corraldb/corral/pkg/session"
)

// Service is the execution surface exposed to the request layer.
type Service interface {
	// Execute routes one statement for the session. Destructive statements
	// return a confirmation-required result until the caller confirms.
	Execute(ctx context.Context, sess *models.Session, req models.ExecuteRequest) (*models.ExecuteResult, error)
	// History returns the session's most recent statements, newest first.
	History(sess *models.Session, limit int) ([]models.QueryHistoryRecord, error)
}

// RecordSource resolves sandbox records for sandbox-role sessions.
type RecordSource interface {
	Get(ctx context.Context, id string) (*models.SandboxRecord, error)
}

// Config tunes the router.
type Config struct {
	// DefaultTimeout applies when a request carries none; MaxTimeout caps
	// per-request overrides.
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxTimeout     time.Duration `json:"max_timeout"`
	// MaxRows caps result sets; requests may ask for fewer, never more.
	MaxRows int `json:"max_rows"`
	// MaxWorkers bounds concurrently executing statements engine-wide.
	MaxWorkers int `json:"max_workers"`
	// CacheTTL is the lifetime of cached read results.
	CacheTTL time.Duration `json:"cache_ttl"`
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 30 * time.Second
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 10000
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
}

// Router implements Service.
type Router struct {
	gateway    gateway.Gateway
	records    RecordSource
	classifier *classifier.Classifier
	cache      cache.Cache
	tracker    *session.Tracker
	metrics    metrics.Collector
	config     Config
	logger     zerolog.Logger

	// workers bounds total in-flight statements; acquisition is fail-fast.
	workers *semaphore.Weighted

	// writeLocks serializes write statements per database so invalidation and
	// execution are not interleaved with a concurrent cache fill.
	writeLocks sync.Map

	// generations counts invalidations per database; a read snapshots the
	// generation before executing and its fill is dropped if a write landed
	// in between.
	generations sync.Map
}

// New creates a router.
func New(gw gateway.Gateway, records RecordSource, resultCache cache.Cache, tracker *session.Tracker, collector metrics.Collector, config Config, logger zerolog.Logger) *Router {
	config.applyDefaults()
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &Router{
		gateway:    gw,
		records:    records,
		classifier: classifier.New(),
		cache:      resultCache,
		tracker:    tracker,
		metrics:    collector,
		config:     config,
		logger:     logger.With().Str("component", "router").Logger(),
		workers:    semaphore.NewWeighted(int64(config.MaxWorkers)),
	}
}

// Execute routes one statement for the session.
func (r *Router) Execute(ctx context.Context, sess *models.Session, req models.ExecuteRequest) (*models.ExecuteResult, error) {
	stmt := strings.TrimSpace(req.SQL)
	if stmt == "" {
		return nil, errors.ErrEmptyStatement
	}

	database, record, err := r.authorize(ctx, sess, req.TargetDatabase)
	if err != nil {
		return nil, err
	}

	if r.classifier.HasMultipleStatements(stmt) {
		return nil, errors.ErrMultiStatement
	}

	verdict := r.classifier.Classify(stmt)

	// Destructive statements never execute without confirmation; the dry-run
	// verdict consumes no concurrency permit.
	if verdict.Destructive && !req.ConfirmDestructive {
		r.metrics.IncrementCounter("queries_confirmation_required_total")
		return &models.ExecuteResult{
			Success:              false,
			RequiresConfirmation: true,
			Operation:            verdict.Operation,
			AffectedObjects:      verdict.AffectedObjects,
		}, nil
	}

	permit, err := r.tracker.TryEnter(sess.ID)
	if err != nil {
		r.metrics.IncrementCounter("queries_rejected_total", "reason", rejectReason(err))
		return nil, err
	}
	defer permit.Release()

	if !r.workers.TryAcquire(1) {
		r.metrics.IncrementCounter("queries_rejected_total", "reason", "engine_saturated")
		return nil, errors.ErrTooManyConcurrent
	}
	defer r.workers.Release(1)

	key := cache.Key(stmt, database)
	var gen uint64
	if r.cache != nil && verdict.Cacheable {
		if entry := r.cache.Get(key); entry != nil {
			cached := *entry.Result
			cached.FromCache = true
			cached.ExecutionTime = 0
			r.metrics.IncrementCounter("queries_total", "status", "cache_hit")
			r.recordHistory(sess, stmt, database, &cached, nil)
			return &cached, nil
		}
		gen = r.generation(database)
	}

	// Writes invalidate before executing, under the database's write lock, so
	// a concurrent read cannot re-fill the cache with a pre-write result.
	if verdict.Write && r.cache != nil {
		unlock := r.lockDatabase(database)
		defer unlock()
		r.bumpGeneration(database)
		r.cache.Invalidate(database)
	}

	result, err := r.run(ctx, sess, record, database, stmt, verdict, req)
	r.recordHistory(sess, stmt, database, result, err)
	if err != nil {
		r.metrics.IncrementCounter("queries_total", "status", "error")
		return nil, err
	}

	if r.cache != nil && verdict.Cacheable && !result.Truncated {
		r.fillCache(key, database, gen, result)
	}
	r.metrics.IncrementCounter("queries_total", "status", "ok")
	return result, nil
}

// authorize resolves the target database and, for sandbox sessions, the
// backing record. Sandbox sessions may only touch their own database.
func (r *Router) authorize(ctx context.Context, sess *models.Session, target string) (string, *models.SandboxRecord, error) {
	if sess.Role == models.RoleAdmin {
		return target, nil, nil
	}

	if target != "" && !strings.EqualFold(target, sess.SandboxDatabase) {
		return "", nil, errors.ErrForbidden
	}

	record, err := r.records.Get(ctx, sess.SandboxID)
	if err != nil {
		return "", nil, err
	}
	if record.State != models.SandboxStateActive {
		return "", nil, errors.ErrSandboxNotFound
	}
	// The shorter of session and sandbox expiry governs; the sweep may not
	// have retired the record yet.
	if record.Expired(time.Now().UTC()) {
		return "", nil, errors.ErrSandboxExpired
	}
	return record.DatabaseName, record, nil
}

// run executes the statement with the effective timeout and row cap applied.
func (r *Router) run(ctx context.Context, sess *models.Session, record *models.SandboxRecord, database, stmt string, verdict models.ClassificationResult, req models.ExecuteRequest) (*models.ExecuteResult, error) {
	db, err := r.pool(ctx, sess, record)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 || timeout > r.config.MaxTimeout {
		timeout = r.config.DefaultTimeout
	}
	maxRows := req.MaxRows
	if maxRows <= 0 || maxRows > r.config.MaxRows {
		maxRows = r.config.MaxRows
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := r.metrics.StartTimer("query_execution")
	start := time.Now()

	var result *models.ExecuteResult
	if verdict.Kind == models.OpSelect {
		result, err = r.query(execCtx, db, stmt, maxRows)
	} else {
		result, err = r.exec(execCtx, db, stmt)
	}
	timer.Stop()

	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded {
			return nil, errors.ErrQueryTimeout
		}
		return nil, errors.Wrap(err, errors.CodeStatementError, "statement execution failed").
			WithDetail("database", database)
	}

	result.Success = true
	result.ExecutionTime = time.Since(start)
	result.Operation = verdict.Operation
	result.AffectedObjects = verdict.AffectedObjects
	return result, nil
}

func (r *Router) pool(ctx context.Context, sess *models.Session, record *models.SandboxRecord) (*sql.DB, error) {
	if sess.Role == models.RoleAdmin {
		return r.gateway.Admin(ctx)
	}
	return r.gateway.Sandbox(ctx, record)
}

func (r *Router) query(ctx context.Context, db *sql.DB, stmt string, maxRows int) (*models.ExecuteResult, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &models.ExecuteResult{Columns: columns}
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = int64(len(result.Rows))
	return result, nil
}

func (r *Router) exec(ctx context.Context, db *sql.DB, stmt string) (*models.ExecuteResult, error) {
	res, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Drivers may not report affected rows for DDL.
		affected = 0
	}
	return &models.ExecuteResult{RowCount: affected}, nil
}

// History returns the session's recent statements.
func (r *Router) History(sess *models.Session, limit int) ([]models.QueryHistoryRecord, error) {
	return r.tracker.History(sess.ID, limit)
}

func (r *Router) recordHistory(sess *models.Session, stmt, database string, result *models.ExecuteResult, err error) {
	record := models.QueryHistoryRecord{
		Statement: stmt,
		Database:  database,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		record.Error = errors.GetMessage(err)
	} else if result != nil {
		record.Success = result.Success
		record.RowCount = result.RowCount
		record.ExecutionTime = result.ExecutionTime
	}
	r.tracker.RecordHistory(sess.ID, record)
}

func (r *Router) lockDatabase(database string) func() {
	v, _ := r.writeLocks.LoadOrStore(database, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Router) generation(database string) uint64 {
	v, _ := r.generations.LoadOrStore(database, new(atomic.Uint64))
	return v.(*atomic.Uint64).Load()
}

func (r *Router) bumpGeneration(database string) {
	v, _ := r.generations.LoadOrStore(database, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// fillCache stores a read result unless the database was invalidated after
// the generation snapshot, in which case the rows may predate a write and the
// fill is dropped.
func (r *Router) fillCache(key, database string, gen uint64, result *models.ExecuteResult) {
	unlock := r.lockDatabase(database)
	defer unlock()
	if r.generation(database) != gen {
		return
	}
	r.cache.Put(key, database, result, r.config.CacheTTL)
}

func rejectReason(err error) string {
	switch {
	case errors.HasCode(err, errors.CodeTooManyConcurrent):
		return "session_limit"
	case errors.HasCode(err, errors.CodeSessionExpired):
		return "session_expired"
	default:
		return "session_unknown"
	}
}

// normalizeValue converts driver byte slices to strings for JSON encoding.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
