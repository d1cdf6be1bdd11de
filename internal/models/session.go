package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Session represents the server-side state of a single chat session.
// Data is owned by the application layer; stores persist it byte for byte and never look inside.
type Session struct {
	ID string `json:"id"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`

	Data json.RawMessage `json:"data"`
}

// IsExpired returns true if the session is expired at the given time.
// A session is expired from ExpiresAt onwards.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Validate checks the invariants every stored session must hold.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return fmt.Errorf("session %s expires at or before it was created", s.ID)
	}
	return nil
}

// Clone returns a deep copy so callers can't modify stored state.
// An empty payload is cloned as nil, the same way it reads back from a database.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Data = nil
	if len(s.Data) > 0 {
		clone.Data = bytes.Clone(s.Data)
	}
	return &clone
}

// Millis converts a timestamp to the epoch milliseconds used in persisted rows.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts persisted epoch milliseconds back to a timestamp.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// TruncateMillis drops sub-millisecond precision and the monotonic clock reading,
// so a timestamp survives a round trip through any backend unchanged.
func TruncateMillis(t time.Time) time.Time {
	return FromMillis(Millis(t))
}

// EncodeData serializes an application payload for Session.Data.
func EncodeData(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return data, nil
}

// DecodeData deserializes Session.Data into v.
func DecodeData(s *Session, v any) error {
	if len(s.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("failed to decode session %s data: %w", s.ID, err)
	}
	return nil
}
