package session

import (
	"errors"
	"fmt"
	"time"
)

// ExpiryPolicy decides whether activity extends a session.
type ExpiryPolicy string

const (
	// PolicyAbsolute fixes ExpiresAt at creation, activity only updates LastActivity.
	PolicyAbsolute ExpiryPolicy = "absolute"

	// PolicySliding resets ExpiresAt to now + TTL on every access.
	PolicySliding ExpiryPolicy = "sliding"
)

// Config holds the TTL policy and sweep schedule.
type Config struct {
	// DefaultTTL is the lifetime given to new sessions.
	// Default: 1h
	DefaultTTL time.Duration

	// SweepInterval is how often expired sessions are removed.
	// Default: 1m
	SweepInterval time.Duration

	// Policy is the expiry policy applied on access.
	// Default: absolute
	Policy ExpiryPolicy
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.Policy == "" {
		c.Policy = PolicyAbsolute
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DefaultTTL <= 0 {
		return errors.New("default TTL must be positive")
	}
	if c.DefaultTTL < time.Millisecond {
		return errors.New("default TTL must be at least 1ms")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	switch c.Policy {
	case PolicyAbsolute, PolicySliding:
	default:
		return fmt.Errorf("unknown expiry policy %q", c.Policy)
	}
	return nil
}
