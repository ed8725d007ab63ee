package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

// DriverPostgres selects the pgx adapter
const DriverPostgres = "postgres"

// PgxDatabase exposes a pgx connection pool as a txmanager.Database.
type PgxDatabase struct {
	pool *pgxpool.Pool
}

// OpenPgx connects to PostgreSQL.
func OpenPgx(ctx context.Context, dsn string) (*PgxDatabase, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Debug().Str("driver", DriverPostgres).Msg("Managed database connection established")
	return &PgxDatabase{pool: pool}, nil
}

// Close closes the pool
func (d *PgxDatabase) Close() {
	d.pool.Close()
}

// Begin starts a transaction with the requested isolation and access mode
func (d *PgxDatabase) Begin(ctx context.Context, opts txmanager.BeginOptions) (txmanager.Session, error) {
	tx, err := d.pool.BeginTx(ctx, pgxTxOptions(opts))
	if err != nil {
		return nil, err
	}
	return &pgxSession{tx: tx}, nil
}

// IsDeadlock implements txmanager.DeadlockDetector
func (d *PgxDatabase) IsDeadlock(err error) bool {
	return IsDeadlock(err)
}

func pgxTxOptions(opts txmanager.BeginOptions) pgx.TxOptions {
	txOpts := pgx.TxOptions{}
	switch opts.IsolationLevel {
	case txmanager.ReadUncommitted:
		txOpts.IsoLevel = pgx.ReadUncommitted
	case txmanager.ReadCommitted:
		txOpts.IsoLevel = pgx.ReadCommitted
	case txmanager.RepeatableRead:
		txOpts.IsoLevel = pgx.RepeatableRead
	case txmanager.Serializable:
		txOpts.IsoLevel = pgx.Serializable
	}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	return txOpts
}

type pgxSession struct {
	tx pgx.Tx
}

func (s *pgxSession) Commit(ctx context.Context) error {
	return s.tx.Commit(ctx)
}

func (s *pgxSession) Rollback(ctx context.Context) error {
	return s.tx.Rollback(ctx)
}

func (s *pgxSession) Query(ctx context.Context, query string, args ...any) (*txmanager.Result, error) {
	rows, err := s.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	result := &txmanager.Result{}
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, err
		}
		result.Rows = append(result.Rows, values)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowsAffected = rows.CommandTag().RowsAffected()
	return result, nil
}
