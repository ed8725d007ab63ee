package database

import (
	"errors"
	"fmt"
)

var errNotOpen = errors.New("state database not open")

// Optimize lets SQLite refresh planner statistics after bulk deletes
func (db *DB) Optimize() error {
	return db.pragma("PRAGMA optimize", "optimize")
}

// Vacuum rebuilds the file to return pages freed by history pruning
func (db *DB) Vacuum() error {
	return db.pragma("VACUUM", "vacuum")
}

func (db *DB) pragma(stmt, name string) error {
	if db == nil || db.DB == nil {
		return errNotOpen
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to %s state database: %w", name, err)
	}
	return nil
}
