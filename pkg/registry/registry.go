// Package registry persists sandbox records in a local SQLite database so the
// engine can resume sweeping and serving after a restart.
package registry

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/models"
)

// Store is the persistence boundary for sandbox records. The lifecycle
// manager is the only writer.
type Store interface {
	Create(ctx context.Context, record *models.SandboxRecord) error
	Get(ctx context.Context, id string) (*models.SandboxRecord, error)
	// ActiveByUser returns the user's non-terminal record, or NotFound.
	ActiveByUser(ctx context.Context, userID string) (*models.SandboxRecord, error)
	UpdateState(ctx context.Context, id string, state models.SandboxState) error
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// ListExpired returns Active/Expiring records past their expiry.
	ListExpired(ctx context.Context, now time.Time) ([]*models.SandboxRecord, error)
	CountActive(ctx context.Context) (int, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS sandboxes (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	login_name     TEXT NOT NULL,
	database_name  TEXT NOT NULL,
	secret         TEXT NOT NULL,
	data_max_bytes INTEGER NOT NULL,
	log_max_bytes  INTEGER NOT NULL,
	state          TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	expires_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_user_state ON sandboxes(user_id, state);
CREATE INDEX IF NOT EXISTS idx_sandboxes_expiry ON sandboxes(state, expires_at);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and migrates) the registry at the given path. ":memory:" yields
// an ephemeral registry.
func Open(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to open sandbox registry")
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to migrate sandbox registry")
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "registry").Logger(),
	}, nil
}

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, record *models.SandboxRecord) error {
	const insert = `INSERT INTO sandboxes
		(id, user_id, login_name, database_name, secret, data_max_bytes, log_max_bytes, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, insert,
		record.ID, record.UserID, record.LoginName, record.DatabaseName, record.Secret,
		record.DataMaxBytes, record.LogMaxBytes, string(record.State), record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to persist sandbox record")
	}
	return nil
}

// Get returns the record with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.SandboxRecord, error) {
	const query = selectColumns + ` WHERE id = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// ActiveByUser returns the user's non-terminal record.
func (s *SQLiteStore) ActiveByUser(ctx context.Context, userID string) (*models.SandboxRecord, error) {
	const query = selectColumns + ` WHERE user_id = ? AND state NOT IN (?, ?) ORDER BY created_at DESC LIMIT 1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, userID,
		string(models.SandboxStateDeleted), string(models.SandboxStateFailed)))
}

// UpdateState transitions a record's state after validating the transition.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, state models.SandboxState) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.State == state {
		return nil
	}
	if !record.State.CanTransitionTo(state) {
		return errors.Newf(errors.CodeInternal, "illegal sandbox state transition %s -> %s", record.State, state)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE sandboxes SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to update sandbox state")
	}
	return nil
}

// UpdateExpiry sets a record's expiry.
func (s *SQLiteStore) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET expires_at = ? WHERE id = ?`, expiresAt, id)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to update sandbox expiry")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.ErrSandboxNotFound
	}
	return nil
}

// ListExpired returns Active/Expiring records whose expiry has passed.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]*models.SandboxRecord, error) {
	const query = selectColumns + ` WHERE state IN (?, ?) AND expires_at <= ? ORDER BY expires_at`

	rows, err := s.db.QueryContext(ctx, query,
		string(models.SandboxStateActive), string(models.SandboxStateExpiring), now)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to list expired sandboxes")
	}
	defer rows.Close()

	var records []*models.SandboxRecord
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to iterate expired sandboxes")
	}
	return records, nil
}

// CountActive returns the number of records in state Active or Expiring.
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE state IN (?, ?)`,
		string(models.SandboxStateActive), string(models.SandboxStateExpiring)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to count active sandboxes")
	}
	return count, nil
}

// Close closes the registry.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, user_id, login_name, database_name, secret,
	data_max_bytes, log_max_bytes, state, created_at, expires_at FROM sandboxes`

func (s *SQLiteStore) scanOne(row *sql.Row) (*models.SandboxRecord, error) {
	return scanRecord(row.Scan)
}

func scanRecord(scan func(dest ...interface{}) error) (*models.SandboxRecord, error) {
	var record models.SandboxRecord
	var state string
	err := scan(&record.ID, &record.UserID, &record.LoginName, &record.DatabaseName, &record.Secret,
		&record.DataMaxBytes, &record.LogMaxBytes, &state, &record.CreatedAt, &record.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrSandboxNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan sandbox record")
	}
	record.State = models.SandboxState(state)
	return &record, nil
}
