package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

type migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrate brings the state store schema up to date
func (db *DB) Migrate() error {
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := db.SchemaVersion()
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		pending++
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying migration")

		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			for i, stmt := range splitSQLStatements(m.SQL) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s) statement %d: %w", m.Version, m.Name, i+1, err)
				}
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}

	log.Debug().Int("from_version", current).Int("applied", pending).Msg("State schema up to date")
	return nil
}

// SchemaVersion returns the highest applied migration
func (db *DB) SchemaVersion() (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// splitSQLStatements breaks a migration into statements at line-ending
// semicolons, dropping blank lines and -- comments
func splitSQLStatements(script string) []string {
	var statements []string
	var buf strings.Builder

	flush := func() {
		if stmt := strings.TrimSuffix(strings.TrimSpace(buf.String()), ";"); strings.TrimSpace(stmt) != "" {
			statements = append(statements, strings.TrimSpace(buf.String()))
		}
		buf.Reset()
	}

	for line := range strings.SplitSeq(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			-- Global settings
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			-- Finalized transaction stats archived from the manager
			CREATE TABLE transaction_history (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				isolation_level TEXT NOT NULL,
				read_only BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP NOT NULL,
				start_time TIMESTAMP NOT NULL,
				end_time TIMESTAMP NOT NULL,
				duration_ns INTEGER NOT NULL DEFAULT 0,
				queries_executed INTEGER NOT NULL DEFAULT 0,
				deadlock_retries INTEGER NOT NULL DEFAULT 0,
				rollback_reason TEXT,
				recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version: 2,
		Name:    "transaction_history_indexes",
		SQL: `
			-- Listing is newest first and pruning is by end time
			CREATE INDEX idx_transaction_history_end_time ON transaction_history(end_time);
			CREATE INDEX idx_transaction_history_status ON transaction_history(status);
		`,
	},
}
