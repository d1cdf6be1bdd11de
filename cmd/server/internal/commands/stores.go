package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/sessiond/internal/store"
	memorystore "github.com/wolfeidau/sessiond/internal/store/memory"
	postgresstore "github.com/wolfeidau/sessiond/internal/store/postgres"
	sqlitestore "github.com/wolfeidau/sessiond/internal/store/sqlite"
)

const (
	storeTypeMemory   = "memory"
	storeTypeSQLite   = "sqlite"
	storeTypePostgres = "postgres"
)

// StoreFlags selects and configures the session store backend.
type StoreFlags struct {
	StoreType string             `help:"store type (memory, sqlite or postgres)" default:"memory" env:"SESSIOND_STORE_TYPE" enum:"memory,sqlite,postgres"`
	SQLite    SQLiteStoreFlags   `embed:"" prefix:"sqlite-"`
	Postgres  PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type SQLiteStoreFlags struct {
	Path         string        `help:"SQLite database file" default:"./data/sessions.db" env:"SESSIOND_SQLITE_PATH"`
	BusyTimeout  time.Duration `help:"how long to wait on a locked database" default:"5s"`
	MaxOpenConns int           `help:"maximum number of open connections" default:"8"`
	MaxRetries   uint          `help:"retries for writes that fail with a busy database" default:"5"`
}

type PostgresStoreFlags struct {
	ConnString      string        `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// NewStore builds the configured, uninitialized session store.
func (s *StoreFlags) NewStore(opts ...store.Option) (store.SessionStore, error) {
	switch s.StoreType {
	case storeTypeSQLite:
		cfg := sqlitestore.Config{
			Path:         s.SQLite.Path,
			BusyTimeout:  s.SQLite.BusyTimeout,
			MaxOpenConns: s.SQLite.MaxOpenConns,
			MaxRetries:   s.SQLite.MaxRetries,
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid sqlite store config: %w", err)
		}
		return sqlitestore.NewSessionStore(cfg, opts...), nil

	case storeTypePostgres:
		if err := s.Postgres.Validate(); err != nil {
			return nil, err
		}
		cfg := postgresstore.PoolConfig{
			ConnString:      s.Postgres.ConnString,
			MaxConns:        s.Postgres.MaxConns,
			MinConns:        s.Postgres.MinConns,
			MaxConnLifetime: s.Postgres.MaxConnLifetime,
			MaxConnIdleTime: s.Postgres.MaxConnIdleTime,
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid postgres store config: %w", err)
		}
		return postgresstore.NewSessionStore(cfg, opts...), nil

	case storeTypeMemory, "":
		return memorystore.NewSessionStore(opts...), nil

	default:
		return nil, fmt.Errorf("unknown store type %q", s.StoreType)
	}
}

// Durable reports whether sessions survive a restart.
func (s *StoreFlags) Durable() bool {
	return s.StoreType == storeTypeSQLite || s.StoreType == storeTypePostgres
}
