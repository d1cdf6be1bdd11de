package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// dataSourceName builds the DSN, pragmas are applied by the driver to every new connection.
func dataSourceName(cfg *Config) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_txlock", "immediate")

	// The name is read as a URI, escape the path so '#', '?' and '%' stay part of it
	path := (&url.URL{Path: cfg.Path}).EscapedPath()

	return "file:" + path + "?" + params.Encode()
}

// openDB opens the database file and verifies it is usable in WAL mode.
func openDB(ctx context.Context, cfg *Config) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sqlite config is required")
	}

	// Apply defaults first
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sqlite config: %w", err)
	}

	// Create directory with 0700 permissions
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, mapSQLiteError(fmt.Errorf("failed to create database directory: %w", err))
	}

	db, err := sql.Open("sqlite", dataSourceName(cfg))
	if err != nil {
		return nil, mapSQLiteError(fmt.Errorf("failed to open database: %w", err))
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	// Verify connectivity
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, mapSQLiteError(fmt.Errorf("failed to ping database: %w", err))
	}

	var mode string
	if err = db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, mapSQLiteError(fmt.Errorf("failed to read journal mode: %w", err))
	}
	if !strings.EqualFold(mode, "wal") {
		db.Close()
		return nil, fmt.Errorf("database %s is in %s journal mode, WAL is required", cfg.Path, mode)
	}

	log.Debug().
		Str("path", cfg.Path).
		Str("journal_mode", mode).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("Opened session database")

	return db, nil
}
