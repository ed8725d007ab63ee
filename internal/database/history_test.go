package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func finishedStats(id string, status txmanager.Status, end time.Time) txmanager.Stats {
	start := end.Add(-50 * time.Millisecond)
	return txmanager.Stats{
		ID:              txmanager.ID(id),
		Status:          status,
		StatusName:      status.String(),
		IsolationLevel:  txmanager.Serializable,
		Isolation:       txmanager.Serializable.String(),
		CreatedAt:       start,
		StartTime:       start,
		EndTime:         end,
		Duration:        50 * time.Millisecond,
		QueriesExecuted: 3,
		DeadlockRetries: 1,
	}
}

func TestRecordTransaction_RoundTrip(t *testing.T) {
	db := newTestDB(t)

	stats := finishedStats("tx-1", txmanager.StatusRolledBack, time.Now())
	stats.RollbackReason = txmanager.ReasonTimeout
	if err := db.RecordTransaction(stats); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := db.GetTransactionHistory("tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected history entry")
	}
	if got.Status != "rolled_back" {
		t.Fatalf("expected status rolled_back, got %q", got.Status)
	}
	if got.IsolationLevel != "serializable" {
		t.Fatalf("expected serializable, got %q", got.IsolationLevel)
	}
	if got.Duration != 50*time.Millisecond {
		t.Fatalf("expected duration 50ms, got %s", got.Duration)
	}
	if got.QueriesExecuted != 3 || got.DeadlockRetries != 1 {
		t.Fatalf("unexpected counters: queries=%d retries=%d", got.QueriesExecuted, got.DeadlockRetries)
	}
	if got.RollbackReason != txmanager.ReasonTimeout {
		t.Fatalf("expected rollback reason %q, got %q", txmanager.ReasonTimeout, got.RollbackReason)
	}
}

func TestRecordTransaction_RejectsActive(t *testing.T) {
	db := newTestDB(t)

	stats := finishedStats("tx-active", txmanager.StatusActive, time.Time{})
	if err := db.RecordTransaction(stats); err == nil {
		t.Fatalf("expected error recording an active transaction")
	}
}

func TestGetTransactionHistory_Unknown(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetTransactionHistory("missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil entry, got %+v", got)
	}
}

func TestListTransactionHistory_FilterAndOrder(t *testing.T) {
	db := newTestDB(t)

	now := time.Now()
	records := []txmanager.Stats{
		finishedStats("a", txmanager.StatusCommitted, now.Add(-3*time.Second)),
		finishedStats("b", txmanager.StatusFailed, now.Add(-2*time.Second)),
		finishedStats("c", txmanager.StatusCommitted, now.Add(-1*time.Second)),
	}
	for _, s := range records {
		if err := db.RecordTransaction(s); err != nil {
			t.Fatalf("record %s: %v", s.ID, err)
		}
	}

	all, err := db.ListTransactionHistory(HistoryFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	committed, err := db.ListTransactionHistory(HistoryFilter{Status: "committed", Limit: 1})
	if err != nil {
		t.Fatalf("list committed: %v", err)
	}
	if len(committed) != 1 || committed[0].ID != "c" {
		t.Fatalf("expected only c, got %+v", committed)
	}
}

func TestPruneHistory_RemovesOldEntries(t *testing.T) {
	db := newTestDB(t)

	now := time.Now()
	if err := db.RecordTransaction(finishedStats("old", txmanager.StatusCommitted, now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := db.RecordTransaction(finishedStats("new", txmanager.StatusCommitted, now)); err != nil {
		t.Fatalf("record new: %v", err)
	}

	removed, err := db.PruneHistory(time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if got, _ := db.GetTransactionHistory("old"); got != nil {
		t.Fatalf("expected old entry pruned")
	}
	if got, _ := db.GetTransactionHistory("new"); got == nil {
		t.Fatalf("expected new entry kept")
	}
}

func TestGetHistoryStats_CountsByStatus(t *testing.T) {
	db := newTestDB(t)

	now := time.Now()
	for i, status := range []txmanager.Status{txmanager.StatusCommitted, txmanager.StatusCommitted, txmanager.StatusRolledBack, txmanager.StatusFailed} {
		id := string(rune('a' + i))
		if err := db.RecordTransaction(finishedStats(id, status, now)); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	stats, err := db.GetHistoryStats(time.Hour)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Committed != 2 || stats.RolledBack != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.DeadlockRetries != 4 {
		t.Fatalf("expected 4 deadlock retries, got %d", stats.DeadlockRetries)
	}
}
