package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB is the SQLite state store holding settings and the transaction history
// archive. Managed transactions run elsewhere; see Open and OpenPgx.
type DB struct {
	*sql.DB
	path string
	// writeMu serializes multi-statement writes so they never race for the
	// SQLite write lock
	writeMu sync.Mutex
}

// New opens (creating if needed) the state store at path
func New(path string) (*DB, error) {
	conn, err := sql.Open(DriverSQLite, stateDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	// WAL allows concurrent readers; writers queue on busy_timeout
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)

	log.Debug().Str("path", path).Msg("State database opened")
	return &DB{DB: conn, path: path}, nil
}

// stateDSN builds a modernc.org/sqlite DSN with the pragmas the store relies on
func stateDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Transaction runs fn inside a state store transaction, committing on
// success and rolling back on error
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin state transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to roll back state transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state transaction: %w", err)
	}
	return nil
}
