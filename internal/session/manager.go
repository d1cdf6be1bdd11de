// Package session owns the lifecycle of chat sessions: id generation, TTL policy,
// touch-on-access and the background sweep that reclaims expired sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
	"github.com/wolfeidau/sessiond/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Manager wraps a SessionStore with TTL policy and a periodic expiry sweep.
// It is safe for concurrent use.
type Manager struct {
	store   store.SessionStore
	cfg     Config
	clock   store.Clock
	newID   func() (string, error)
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	locks *keyedMutex

	// mu is held across store initialization so Shutdown never interleaves with Start
	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, it should match the store's clock.
func WithClock(clock store.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// WithMetrics overrides the metric instruments.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager that owns st. Start must be called before use.
func NewManager(st store.SessionStore, cfg Config, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("session store is required")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	m := &Manager{
		store:   st,
		cfg:     cfg,
		clock:   time.Now,
		newID:   newUUIDv7,
		metrics: telemetry.GetMetrics(),
		logger:  log.Logger,
		locks:   newKeyedMutex(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if cfg.SweepInterval > cfg.DefaultTTL {
		m.logger.Warn().
			Dur("sweep_interval", cfg.SweepInterval).
			Dur("default_ttl", cfg.DefaultTTL).
			Msg("Sweep interval is longer than the session TTL, expired sessions will linger")
	}

	return m, nil
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return id.String(), nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start initializes the store and starts the background sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("failed to initialize session store: %w", store.ErrClosed)
	}

	if err := m.store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}

	// The sweep outlives the caller's request context, Shutdown stops it
	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.started = true

	m.wg.Add(1)
	go m.sweepLoop(sweepCtx)

	m.logger.Info().
		Dur("default_ttl", m.cfg.DefaultTTL).
		Dur("sweep_interval", m.cfg.SweepInterval).
		Str("policy", string(m.cfg.Policy)).
		Msg("Session manager started")

	return nil
}

// Create stores a new session holding data and returns it.
func (m *Manager) Create(ctx context.Context, data json.RawMessage) (*models.Session, error) {
	id, err := m.newID()
	if err != nil {
		return nil, err
	}

	now := models.TruncateMillis(m.clock())
	session := &models.Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    models.TruncateMillis(now.Add(m.cfg.DefaultTTL)),
		Data:         data,
	}

	if err := m.store.Set(ctx, id, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.metrics.SessionsCreatedTotal.Add(ctx, 1)

	m.logger.Debug().
		Str("session_id", id).
		Time("expires_at", session.ExpiresAt).
		Msg("Created session")

	return session.Clone(), nil
}

// Touch records an access to a live session and returns it.
// Under the sliding policy the expiry is pushed out to now + TTL.
func (m *Manager) Touch(ctx context.Context, id string) (*models.Session, bool, error) {
	return m.access(ctx, id, nil)
}

// Update replaces the payload of a live session, it counts as an access.
func (m *Manager) Update(ctx context.Context, id string, data json.RawMessage) (*models.Session, bool, error) {
	return m.access(ctx, id, func(s *models.Session) {
		s.Data = data
	})
}

func (m *Manager) access(ctx context.Context, id string, mutate func(*models.Session)) (*models.Session, bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	session, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session: %w", err)
	}
	if !ok {
		m.metrics.SessionsMissedTotal.Add(ctx, 1)
		return nil, false, nil
	}

	now := models.TruncateMillis(m.clock())
	session.LastActivity = now
	if m.cfg.Policy == PolicySliding {
		session.ExpiresAt = models.TruncateMillis(now.Add(m.cfg.DefaultTTL))
	}
	if mutate != nil {
		mutate(session)
	}

	if err := m.store.Set(ctx, id, session); err != nil {
		return nil, false, fmt.Errorf("failed to update session: %w", err)
	}

	m.metrics.SessionsTouchedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("update", mutate != nil),
	))

	return session.Clone(), true, nil
}

// End deletes a session and reports whether it existed.
func (m *Manager) End(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	deleted, err := m.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to end session: %w", err)
	}

	if deleted {
		m.metrics.SessionsEndedTotal.Add(ctx, 1)
		m.logger.Debug().Str("session_id", id).Msg("Ended session")
	}

	return deleted, nil
}

// Count returns the number of stored sessions, including expired ones not yet swept.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// Sweep removes expired sessions once and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	started := time.Now()

	removed, err := m.store.DeleteExpired(ctx, m.clock())

	m.metrics.SweepRunsTotal.Add(ctx, 1)
	m.metrics.SweepDuration.Record(ctx, float64(time.Since(started).Milliseconds()))

	if err != nil {
		m.metrics.SweepErrorsTotal.Add(ctx, 1)
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}

	m.metrics.SweepRemovedTotal.Add(ctx, int64(removed))

	return removed, nil
}

// sweepLoop periodically removes expired sessions until ctx is cancelled.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Session sweep stopped")
			return

		case <-ticker.C:
			// Both cases may be ready, never start a sweep once cancelled
			if ctx.Err() != nil {
				continue
			}

			// An in-flight sweep runs to completion, Shutdown waits for it
			removed, err := m.Sweep(context.WithoutCancel(ctx))
			if err != nil {
				m.logger.Error().Err(err).Msg("Session sweep failed, will retry next interval")
				continue
			}

			m.logger.Debug().Int("removed", removed).Msg("Session sweep completed")
		}
	}
}

// Shutdown stops the sweep, waits for an in-flight sweep and then closes the store.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.stopped = true
	if m.started {
		m.cancel()
		m.started = false
	}
	m.mu.Unlock()

	m.wg.Wait()

	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close session store: %w", err)
	}

	m.logger.Info().Msg("Session manager shut down")
	return nil
}
