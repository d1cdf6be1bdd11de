package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/sessiond/internal/store"
)

// mapPostgresError maps PostgreSQL and connection errors to store.ErrStorageIO.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	// Network failures never reach the server so they carry no SQLSTATE
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: database connection error: %w", store.ErrStorageIO, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %w", store.ErrStorageIO, err)
	}

	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return fmt.Errorf("%w: transaction conflict (retryable): %w", store.ErrStorageIO, err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		return fmt.Errorf("%w: database connection error: %w", store.ErrStorageIO, err)

	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		return fmt.Errorf("%w: database server unavailable: %w", store.ErrStorageIO, err)

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("%w: query canceled: %w", store.ErrStorageIO, err)

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return fmt.Errorf("%w: database resource limit: %w", store.ErrStorageIO, err)

	case pgerrcode.InsufficientPrivilege:
		return fmt.Errorf("%w: permission denied: %w", store.ErrStorageIO, err)

	default:
		return fmt.Errorf("%w: postgres error [%s]: %s (detail: %s): %w",
			store.ErrStorageIO, pgErr.Code, pgErr.Message, pgErr.Detail, err)
	}
}
