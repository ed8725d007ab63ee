package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

// HistoryEntry is an archived snapshot of a finished transaction
type HistoryEntry struct {
	ID              string        `json:"id"`
	Status          string        `json:"status"`
	IsolationLevel  string        `json:"isolation_level"`
	ReadOnly        bool          `json:"read_only"`
	CreatedAt       time.Time     `json:"created_at"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Duration        time.Duration `json:"duration_ns"`
	QueriesExecuted int           `json:"queries_executed"`
	DeadlockRetries int           `json:"deadlock_retries"`
	RollbackReason  string        `json:"rollback_reason,omitempty"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// HistoryFilter narrows ListTransactionHistory
type HistoryFilter struct {
	Status string // empty = all
	Limit  int
	Offset int
}

// HistoryStats summarizes recent outcomes
type HistoryStats struct {
	Committed       int `json:"committed"`
	RolledBack      int `json:"rolled_back"`
	Failed          int `json:"failed"`
	DeadlockRetries int `json:"deadlock_retries"`
}

// RecordTransaction archives the stats of a finished transaction. Recording
// the same transaction twice keeps the latest snapshot.
func (db *DB) RecordTransaction(s txmanager.Stats) error {
	if !s.Status.Terminal() {
		return fmt.Errorf("transaction %s is still %s", s.ID, s.Status)
	}

	_, err := db.Exec(`
		INSERT INTO transaction_history (
			id, status, isolation_level, read_only, created_at, start_time, end_time,
			duration_ns, queries_executed, deadlock_retries, rollback_reason, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			end_time = excluded.end_time,
			duration_ns = excluded.duration_ns,
			queries_executed = excluded.queries_executed,
			deadlock_retries = excluded.deadlock_retries,
			rollback_reason = excluded.rollback_reason,
			recorded_at = excluded.recorded_at
	`,
		s.ID.String(), s.Status.String(), s.IsolationLevel.String(), s.ReadOnly,
		s.CreatedAt.UTC(), s.StartTime.UTC(), s.EndTime.UTC(),
		int64(s.Duration), s.QueriesExecuted, s.DeadlockRetries,
		sql.NullString{String: s.RollbackReason, Valid: s.RollbackReason != ""}, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transaction %s: %w", s.ID, err)
	}
	return nil
}

// ListTransactionHistory returns archived transactions, most recently finished first
func (db *DB) ListTransactionHistory(filter HistoryFilter) ([]*HistoryEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(`
		SELECT id, status, isolation_level, read_only, created_at, start_time, end_time,
			duration_ns, queries_executed, deadlock_retries, rollback_reason, recorded_at
		FROM transaction_history
		WHERE (? = '' OR status = ?)
		ORDER BY end_time DESC
		LIMIT ? OFFSET ?
	`, filter.Status, filter.Status, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetTransactionHistory returns one archived transaction, or nil if unknown
func (db *DB) GetTransactionHistory(id string) (*HistoryEntry, error) {
	row := db.QueryRow(`
		SELECT id, status, isolation_level, read_only, created_at, start_time, end_time,
			duration_ns, queries_executed, deadlock_retries, rollback_reason, recorded_at
		FROM transaction_history
		WHERE id = ?
	`, id)
	e, err := scanHistoryEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// PruneHistory deletes archived transactions that finished more than
// olderThan ago
func (db *DB) PruneHistory(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	result, err := db.Exec("DELETE FROM transaction_history WHERE end_time < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transaction history: %w", err)
	}
	return result.RowsAffected()
}

// GetHistoryStats summarizes transactions that finished within the window
func (db *DB) GetHistoryStats(window time.Duration) (*HistoryStats, error) {
	cutoff := time.Now().Add(-window).UTC()
	stats := &HistoryStats{}
	err := db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(deadlock_retries), 0)
		FROM transaction_history
		WHERE end_time >= ?
	`, txmanager.StatusCommitted.String(), txmanager.StatusRolledBack.String(), txmanager.StatusFailed.String(), cutoff).
		Scan(&stats.Committed, &stats.RolledBack, &stats.Failed, &stats.DeadlockRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to get history stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistoryEntry(row rowScanner) (*HistoryEntry, error) {
	e := &HistoryEntry{}
	var durationNS int64
	var reason sql.NullString
	err := row.Scan(&e.ID, &e.Status, &e.IsolationLevel, &e.ReadOnly, &e.CreatedAt, &e.StartTime, &e.EndTime,
		&durationNS, &e.QueriesExecuted, &e.DeadlockRetries, &reason, &e.RecordedAt)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationNS)
	e.RollbackReason = reason.String
	return e, nil
}
