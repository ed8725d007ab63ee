package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

// Supported database/sql drivers
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// SQLDatabase exposes a database/sql pool as a txmanager.Database.
type SQLDatabase struct {
	db     *sql.DB
	driver string
}

// Open connects to a SQLite or MySQL database for managed transactions.
func Open(driver, dsn string) (*SQLDatabase, error) {
	switch driver {
	case DriverSQLite, DriverMySQL:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	log.Debug().Str("driver", driver).Msg("Managed database connection established")
	return NewSQLDatabase(db, driver), nil
}

// NewSQLDatabase wraps an already opened pool.
func NewSQLDatabase(db *sql.DB, driver string) *SQLDatabase {
	return &SQLDatabase{db: db, driver: driver}
}

// DB returns the underlying pool
func (d *SQLDatabase) DB() *sql.DB {
	return d.db
}

// Driver returns the database/sql driver name
func (d *SQLDatabase) Driver() string {
	return d.driver
}

// Close closes the underlying pool
func (d *SQLDatabase) Close() error {
	return d.db.Close()
}

// Begin starts a transaction. SQLite transactions are always serializable and
// the driver rejects other levels, so SQLite gets the driver defaults.
func (d *SQLDatabase) Begin(ctx context.Context, opts txmanager.BeginOptions) (txmanager.Session, error) {
	txOpts := &sql.TxOptions{}
	if d.driver != DriverSQLite {
		txOpts.Isolation = opts.IsolationLevel.SQLLevel()
		txOpts.ReadOnly = opts.ReadOnly
	}

	tx, err := d.db.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, err
	}
	return &sqlSession{tx: tx}, nil
}

// IsDeadlock implements txmanager.DeadlockDetector
func (d *SQLDatabase) IsDeadlock(err error) bool {
	return IsDeadlock(err)
}

type sqlSession struct {
	tx *sql.Tx
}

func (s *sqlSession) Commit(context.Context) error {
	return s.tx.Commit()
}

func (s *sqlSession) Rollback(context.Context) error {
	return s.tx.Rollback()
}

func (s *sqlSession) Query(ctx context.Context, query string, args ...any) (*txmanager.Result, error) {
	if !returnsRows(query) {
		res, err := s.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		return &txmanager.Result{RowsAffected: affected}, nil
	}

	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &txmanager.Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// returnsRows reports whether a statement produces a result set.
func returnsRows(query string) bool {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "PRAGMA", "SHOW", "VALUES", "EXPLAIN", "DESCRIBE", "TABLE":
		return true
	}
	return strings.Contains(strings.ToUpper(query), " RETURNING ")
}
