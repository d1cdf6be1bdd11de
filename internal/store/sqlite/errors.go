package sqlite

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/wolfeidau/sessiond/internal/store"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// mapSQLiteError maps SQLite and filesystem errors to store.ErrStorageIO.
// Returns the original error if it doesn't match known patterns.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", store.ErrStorageIO, err)
	}

	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	// Extended result codes carry the primary code in the low byte
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: database locked: %w", store.ErrStorageIO, err)

	case sqlite3.SQLITE_FULL:
		return fmt.Errorf("%w: disk full: %w", store.ErrStorageIO, err)

	case sqlite3.SQLITE_IOERR:
		return fmt.Errorf("%w: disk I/O error: %w", store.ErrStorageIO, err)

	case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_CANTOPEN:
		return fmt.Errorf("%w: database not writable: %w", store.ErrStorageIO, err)

	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return fmt.Errorf("%w: database corrupt: %w", store.ErrStorageIO, err)

	case sqlite3.SQLITE_NOMEM:
		return fmt.Errorf("%w: out of memory: %w", store.ErrStorageIO, err)

	default:
		return fmt.Errorf("%w: sqlite error [%d]: %w", store.ErrStorageIO, sqliteErr.Code(), err)
	}
}

// isBusy reports whether err is a lock conflict worth retrying.
func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
