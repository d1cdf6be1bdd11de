package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore implements store.SessionStore using in-memory storage.
// Data is lost on restart.
type SessionStore struct {
	lifecycle store.Lifecycle
	clock     store.Clock

	mu       sync.RWMutex
	sessions map[string]*models.Session // session_id -> Session
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore(opts ...store.Option) *SessionStore {
	o := store.NewOptions(opts...)
	return &SessionStore{
		clock: o.Clock,
	}
}

// Initialize allocates the session map.
func (s *SessionStore) Initialize(ctx context.Context) error {
	return s.lifecycle.Open(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.sessions = make(map[string]*models.Session)
		return nil
	})
}

// Set stores a copy of the session, replacing any existing one.
func (s *SessionStore) Set(ctx context.Context, id string, session *models.Session) error {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := store.CheckSession(id, session); err != nil {
		return err
	}

	// Clone to avoid external modifications
	clone := session.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = clone
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, bool, error) {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return nil, false, err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, false, nil
	}

	// Expired sessions are absent even before the sweep removes them
	if session.IsExpired(s.clock()) {
		return nil, false, nil
	}

	return session.Clone(), true, nil
}

// Delete deletes a session by ID.
func (s *SessionStore) Delete(ctx context.Context, id string) (bool, error) {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return false, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return false, nil
	}

	delete(s.sessions, id)
	return true, nil
}

// DeleteExpired deletes all sessions that expired before now (cleanup job).
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	release, err := s.lifecycle.Enter()
	if err != nil {
		return 0, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			delete(s.sessions, id)
			count++
		}
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions), nil
}

// Close drops all sessions.
func (s *SessionStore) Close() error {
	return s.lifecycle.Shut(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.sessions = nil
		return nil
	})
}
