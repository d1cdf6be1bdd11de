package sqlite

import (
	"fmt"
	"time"
)

// Config holds configuration for the SQLite session store.
type Config struct {
	// Path is the database file, its parent directory is created if missing.
	Path string

	// BusyTimeout is how long a connection waits on a locked database before failing.
	// Default: 5s
	BusyTimeout time.Duration

	// MaxOpenConns is the maximum number of open connections.
	// WAL mode lets readers proceed on their own connections while one writer is active.
	// Default: 8
	MaxOpenConns int

	// MaxRetries is how many times a write that still fails with a busy/locked error is retried.
	// Default: 5
	MaxRetries uint
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Path == ":memory:" {
		return fmt.Errorf("in-memory databases are not durable, use the memory store instead")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy timeout must not be negative")
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("max open connections must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 8
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
}
