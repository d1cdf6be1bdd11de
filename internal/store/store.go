package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/sessiond/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrNotInitialized     = errors.New("store not initialized")
	ErrAlreadyInitialized = errors.New("store already initialized")
	ErrClosed             = errors.New("store closed")
	ErrSessionIDMismatch  = errors.New("session ID mismatch")
	ErrSerialization      = errors.New("session data serialization failed")
	ErrStorageIO          = errors.New("session storage I/O failed")
)

// SessionStore defines the interface for session storage operations.
//
// Absence is not an error: Get returns ok=false and Delete returns false when
// there is no live session for the id.
type SessionStore interface {
	// Initialize prepares the backend, it must be called exactly once before any other operation.
	Initialize(ctx context.Context) error

	// Set inserts or fully replaces the session stored under id.
	Set(ctx context.Context, id string, session *models.Session) error

	// Get returns a copy of the session, expired sessions are never returned.
	Get(ctx context.Context, id string) (*models.Session, bool, error)

	// Delete removes the session and reports whether anything was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteExpired removes every session with ExpiresAt before now (cleanup job).
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Count returns the number of stored sessions, including expired ones not yet swept.
	Count(ctx context.Context) (int, error)

	// Close releases resources, every later call fails with ErrClosed.
	Close() error
}

// Clock returns the current time, backends use it to decide expiry on read.
type Clock func() time.Time

// Option configures the behaviour shared by all backends.
type Option func(*Options)

// Options holds the shared backend settings.
type Options struct {
	Clock Clock
}

// WithClock overrides the clock used for read-time expiry checks.
func WithClock(clock Clock) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) Options {
	o := Options{Clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CheckSession validates a session before it is written under id.
func CheckSession(id string, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID != id {
		return ErrSessionIDMismatch
	}
	if len(session.Data) > 0 && !json.Valid(session.Data) {
		return fmt.Errorf("%w: session %s data is not valid JSON", ErrSerialization, id)
	}
	return session.Validate()
}
