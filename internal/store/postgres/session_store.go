package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore implements store.SessionStore using PostgreSQL.
type SessionStore struct {
	cfg       PoolConfig
	clock     store.Clock
	lifecycle store.Lifecycle

	pool *pgxpool.Pool
}

// NewSessionStore creates a new PostgreSQL-backed session store, the pool is created by Initialize.
func NewSessionStore(cfg PoolConfig, opts ...store.Option) *SessionStore {
	o := store.NewOptions(opts...)
	return &SessionStore{
		cfg:   cfg,
		clock: o.Clock,
	}
}

// Initialize connects, applies migrations and purges sessions that expired while the process was down.
func (s *SessionStore) Initialize(ctx context.Context) error {
	return s.lifecycle.Open(func() error {
		pool, err := NewPool(ctx, &s.cfg)
		if err != nil {
			return err
		}

		if err := RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return err
		}

		s.pool = pool

		removed, err := s.deleteExpired(ctx, s.clock())
		if err != nil {
			pool.Close()
			return fmt.Errorf("failed to purge expired sessions: %w", err)
		}

		log.Info().Int("purged", removed).Msg("Session store ready")
		return nil
	})
}

// Set upserts the session in the database.
func (s *SessionStore) Set(ctx context.Context, id string, session *models.Session) error {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := store.CheckSession(id, session); err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, created_at, last_activity, expires_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			created_at = EXCLUDED.created_at,
			last_activity = EXCLUDED.last_activity,
			expires_at = EXCLUDED.expires_at,
			data = EXCLUDED.data
	`

	_, err = s.pool.Exec(ctx, query,
		id,
		models.Millis(session.CreatedAt),
		models.Millis(session.LastActivity),
		models.Millis(session.ExpiresAt),
		string(session.Data),
	)
	if err != nil {
		return mapPostgresError(fmt.Errorf("failed to set session: %w", err))
	}

	return nil
}

// Get retrieves a live session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, bool, error) {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return nil, false, err
	}
	defer release()

	query := `
		SELECT id, created_at, last_activity, expires_at, data
		FROM sessions
		WHERE id = $1 AND expires_at > $2
	`

	var (
		session                            models.Session
		createdAt, lastActivity, expiresAt int64
		data                               string
	)
	err = s.pool.QueryRow(ctx, query, id, models.Millis(s.clock())).Scan(
		&session.ID,
		&createdAt,
		&lastActivity,
		&expiresAt,
		&data,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, mapPostgresError(fmt.Errorf("failed to get session: %w", err))
	}

	session.CreatedAt = models.FromMillis(createdAt)
	session.LastActivity = models.FromMillis(lastActivity)
	session.ExpiresAt = models.FromMillis(expiresAt)

	if data != "" {
		if !json.Valid([]byte(data)) {
			return nil, false, fmt.Errorf("%w: session %s has a corrupt data column", store.ErrSerialization, id)
		}
		session.Data = json.RawMessage(data)
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

	result, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, mapPostgresError(fmt.Errorf("failed to delete session: %w", err))
	}

	return result.RowsAffected() > 0, nil
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
	result, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, models.Millis(now))
	if err != nil {
		return 0, mapPostgresError(fmt.Errorf("failed to delete expired sessions: %w", err))
	}

	count := int(result.RowsAffected())
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
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return 0, mapPostgresError(fmt.Errorf("failed to count sessions: %w", err))
	}

	return count, nil
}

// Close closes the connection pool.
func (s *SessionStore) Close() error {
	return s.lifecycle.Shut(func() error {
		s.pool.Close()
		return nil
	})
}
