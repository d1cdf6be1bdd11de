package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

var _ store.SessionStore = (*SessionStore)(nil)

const (
	setSQL = `
		INSERT INTO sessions (id, created_at, last_activity, expires_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			created_at = excluded.created_at,
			last_activity = excluded.last_activity,
			expires_at = excluded.expires_at,
			data = excluded.data
	`
	getSQL = `
		SELECT id, created_at, last_activity, expires_at, data
		FROM sessions
		WHERE id = ? AND expires_at > ?
	`
	deleteSQL        = `DELETE FROM sessions WHERE id = ?`
	deleteExpiredSQL = `DELETE FROM sessions WHERE expires_at < ?`
	countSQL         = `SELECT COUNT(*) FROM sessions`
)

// SessionStore implements store.SessionStore using an SQLite database file in WAL mode.
type SessionStore struct {
	cfg       Config
	clock     store.Clock
	lifecycle store.Lifecycle

	db *sql.DB

	setStmt           *sql.Stmt
	getStmt           *sql.Stmt
	deleteStmt        *sql.Stmt
	deleteExpiredStmt *sql.Stmt
	countStmt         *sql.Stmt
}

// NewSessionStore creates a new SQLite-backed session store, nothing is opened until Initialize.
func NewSessionStore(cfg Config, opts ...store.Option) *SessionStore {
	o := store.NewOptions(opts...)
	return &SessionStore{
		cfg:   cfg,
		clock: o.Clock,
	}
}

// Initialize opens the database, applies migrations, prepares statements and purges
// sessions that expired while the process was down.
func (s *SessionStore) Initialize(ctx context.Context) error {
	return s.lifecycle.Open(func() error {
		db, err := openDB(ctx, &s.cfg)
		if err != nil {
			return err
		}

		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return err
		}

		s.db = db

		if err := s.prepare(ctx); err != nil {
			s.release()
			return err
		}

		removed, err := s.deleteExpired(ctx, s.clock())
		if err != nil {
			s.release()
			return fmt.Errorf("failed to purge expired sessions: %w", err)
		}

		log.Info().
			Str("path", s.cfg.Path).
			Int("purged", removed).
			Msg("Session store ready")

		return nil
	})
}

func (s *SessionStore) prepare(ctx context.Context) error {
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.setStmt, setSQL},
		{&s.getStmt, getSQL},
		{&s.deleteStmt, deleteSQL},
		{&s.deleteExpiredStmt, deleteExpiredSQL},
		{&s.countStmt, countSQL},
	}

	for _, st := range stmts {
		stmt, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return mapSQLiteError(fmt.Errorf("failed to prepare statement: %w", err))
		}
		*st.dst = stmt
	}

	return nil
}

// Set upserts the session in a single statement, readers never see a partial row.
func (s *SessionStore) Set(ctx context.Context, id string, session *models.Session) error {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := store.CheckSession(id, session); err != nil {
		return err
	}

	_, err = withRetry(ctx, s.cfg.MaxRetries, func() (sql.Result, error) {
		return s.setStmt.ExecContext(ctx,
			id,
			models.Millis(session.CreatedAt),
			models.Millis(session.LastActivity),
			models.Millis(session.ExpiresAt),
			string(session.Data),
		)
	})
	if err != nil {
		return mapSQLiteError(fmt.Errorf("failed to set session: %w", err))
	}

	return nil
}

// Get retrieves a session by ID, the expiry filter is applied in the query.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, bool, error) {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return nil, false, err
	}
	defer release()

	var (
		session                            models.Session
		createdAt, lastActivity, expiresAt int64
		data                               string
	)

	err = s.getStmt.QueryRowContext(ctx, id, models.Millis(s.clock())).Scan(
		&session.ID,
		&createdAt,
		&lastActivity,
		&expiresAt,
		&data,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, mapSQLiteError(fmt.Errorf("failed to get session: %w", err))
	}

	session.CreatedAt = models.FromMillis(createdAt)
	session.LastActivity = models.FromMillis(lastActivity)
	session.ExpiresAt = models.FromMillis(expiresAt)

	session.Data, err = decodeData(id, data)
	if err != nil {
		return nil, false, err
	}

	return &session, true, nil
}

// Delete deletes a session by ID.
func (s *SessionStore) Delete(ctx context.Context, id string) (bool, error) {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return false, err
	}
	defer release()

	result, err := withRetry(ctx, s.cfg.MaxRetries, func() (sql.Result, error) {
		return s.deleteStmt.ExecContext(ctx, id)
	})
	if err != nil {
		return false, mapSQLiteError(fmt.Errorf("failed to delete session: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, mapSQLiteError(fmt.Errorf("failed to delete session: %w", err))
	}

	if affected > 0 {
		log.Debug().Str("session_id", id).Msg("Deleted session")
	}

	return affected > 0, nil
}

// DeleteExpired deletes all sessions that expired before now (cleanup job).
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return 0, err
	}
	defer release()

	return s.deleteExpired(ctx, now)
}

func (s *SessionStore) deleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := withRetry(ctx, s.cfg.MaxRetries, func() (sql.Result, error) {
		return s.deleteExpiredStmt.ExecContext(ctx, models.Millis(now))
	})
	if err != nil {
		return 0, mapSQLiteError(fmt.Errorf("failed to delete expired sessions: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, mapSQLiteError(fmt.Errorf("failed to delete expired sessions: %w", err))
	}

	count := int(affected)
	if count > 0 {
		log.Info().
			Int("count", count).
			Msg("Deleted expired sessions")
	}

	return count, nil
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count(ctx context.Context) (int, error) {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return 0, err
	}
	defer release()

	var count int
	if err := s.countStmt.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, mapSQLiteError(fmt.Errorf("failed to count sessions: %w", err))
	}

	return count, nil
}

// Close closes the prepared statements and the database.
func (s *SessionStore) Close() error {
	return s.lifecycle.Shut(s.release)
}

func (s *SessionStore) release() error {
	var errs []error

	for _, stmt := range []*sql.Stmt{s.setStmt, s.getStmt, s.deleteStmt, s.deleteExpiredStmt, s.countStmt} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, mapSQLiteError(fmt.Errorf("failed to close database: %w", err)))
		}
	}

	return errors.Join(errs...)
}

// withRetry retries op with exponential backoff while it fails with a lock conflict.
func withRetry[T any](ctx context.Context, maxRetries uint, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isBusy(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			log.Debug().Err(err).Msg("Session database busy, retrying")
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxRetries+1))
}

// decodeData turns a stored payload back into raw JSON, corrupt rows are reported not dropped.
func decodeData(id, data string) (json.RawMessage, error) {
	if data == "" {
		return nil, nil
	}
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("%w: session %s has a corrupt data column", store.ErrSerialization, id)
	}
	return json.RawMessage(data), nil
}
