package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/database"
	"github.com/saltyorg/txmanager/internal/txmanager"
)

const defaultSQLiteDSN = "file:txmanager-data.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// openManaged connects to the database transactions run against
func openManaged(ctx context.Context) (txmanager.Database, func(), error) {
	if dsn == "" {
		dsn = os.Getenv("TXMANAGER_DSN")
	}

	switch driver {
	case database.DriverPostgres:
		if dsn == "" {
			return nil, nil, fmt.Errorf("--dsn is required for %s", driver)
		}
		db, err := database.OpenPgx(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil

	case database.DriverSQLite, database.DriverMySQL:
		if dsn == "" {
			if driver != database.DriverSQLite {
				return nil, nil, fmt.Errorf("--dsn is required for %s", driver)
			}
			dsn = defaultSQLiteDSN
		}
		db, err := database.Open(driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close managed database")
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported driver %q (want sqlite, postgres or mysql)", driver)
	}
}
