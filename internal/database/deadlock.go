package database

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

// Driver error codes treated as retryable deadlocks
const (
	mysqlDeadlock           = 1213 // ER_LOCK_DEADLOCK
	pgDeadlockDetected      = "40P01"
	pgSerializationFailure  = "40001"
	sqlitePrimaryResultMask = 0xff
)

// IsDeadlock recognizes the deadlock errors of every supported driver:
// SQLite BUSY/LOCKED, MySQL 1213 and PostgreSQL 40P01/40001. Errors from other
// sources fall back to txmanager.IsDeadlock.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & sqlitePrimaryResultMask {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDeadlock
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgDeadlockDetected || pgErr.Code == pgSerializationFailure
	}

	return txmanager.IsDeadlock(err)
}
