package txmanager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTransaction_DoubleCommit(t *testing.T) {
	m := newTestManager(t, &fakeDB{}, testConfig())
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	err = tx.Commit(ctx)
	var ie *InactiveTransactionError
	if !errors.Is(err, ErrInactiveTransaction) || !errors.As(err, &ie) {
		t.Fatalf("expected inactive transaction error, got %v", err)
	}
	if ie.Op != "commit" || ie.Status != StatusCommitted {
		t.Fatalf("unexpected error details %+v", ie)
	}
	if err := tx.Rollback(ctx); !errors.Is(err, ErrInactiveTransaction) {
		t.Fatalf("expected rollback after commit to fail, got %v", err)
	}
	if _, err := tx.Query(ctx, "SELECT 1"); !errors.Is(err, ErrInactiveTransaction) {
		t.Fatalf("expected query after commit to fail, got %v", err)
	}
	if tx.Stats().QueriesExecuted != 0 {
		t.Fatalf("rejected queries must not be counted")
	}
}

func TestTransaction_QueryErrorsPassThrough(t *testing.T) {
	m := newTestManager(t, &fakeDB{}, testConfig())
	ctx := context.Background()

	tx, _ := m.Begin(ctx)
	if _, err := tx.Query(ctx, "SELECT FAIL"); err == nil || !strings.Contains(err.Error(), "syntax error") {
		t.Fatalf("expected database error, got %v", err)
	}
	if !tx.IsActive() {
		t.Fatalf("a failed query must not end the transaction")
	}
	if got := tx.Stats().QueriesExecuted; got != 1 {
		t.Fatalf("expected failed query counted, got %d", got)
	}
	_ = tx.Rollback(ctx)
}

func TestTransaction_ManualRollback(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(t, db, testConfig())
	ctx := context.Background()

	tx, _ := m.Begin(ctx)
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	s := tx.Stats()
	if s.Status != StatusRolledBack || s.RollbackReason != ReasonManual {
		t.Fatalf("expected manual rollback, got %s (%q)", s.Status, s.RollbackReason)
	}
	if s.EndTime.IsZero() {
		t.Fatalf("expected end time recorded")
	}
}

func TestTransaction_RollbackFailureMarksFailed(t *testing.T) {
	broken := errors.New("connection lost")
	m := newTestManager(t, &fakeDB{rollbackErr: broken}, testConfig())
	ctx := context.Background()

	tx, _ := m.Begin(ctx)
	if err := tx.Rollback(ctx); !errors.Is(err, broken) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	if tx.Status() != StatusFailed {
		t.Fatalf("expected failed, got %s", tx.Status())
	}
	if len(m.ActiveTransactions()) != 0 {
		t.Fatalf("failed transaction must leave the active table")
	}
}

func TestTransaction_CommitFailureMarksFailed(t *testing.T) {
	broken := errors.New("disk full")
	m := newTestManager(t, &fakeDB{commitErr: broken}, testConfig())
	ctx := context.Background()

	tx, _ := m.Begin(ctx)
	if err := tx.Commit(ctx); !errors.Is(err, broken) {
		t.Fatalf("expected commit error, got %v", err)
	}
	s := tx.Stats()
	if s.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", s.Status)
	}
	if !strings.Contains(s.RollbackReason, "disk full") {
		t.Fatalf("expected failure reason recorded, got %q", s.RollbackReason)
	}
}

func TestTransaction_DurationFreezesOnFinish(t *testing.T) {
	m := newTestManager(t, &fakeDB{}, testConfig())
	ctx := context.Background()

	tx, _ := m.Begin(ctx)
	first := tx.Stats().Duration
	time.Sleep(5 * time.Millisecond)
	second := tx.Stats().Duration
	if second <= first {
		t.Fatalf("expected duration to grow while active: %s then %s", first, second)
	}

	_ = tx.Commit(ctx)
	frozen := tx.Stats().Duration
	time.Sleep(5 * time.Millisecond)
	if again := tx.Stats().Duration; again != frozen {
		t.Fatalf("expected frozen duration, got %s then %s", frozen, again)
	}
	if frozen < second {
		t.Fatalf("final duration %s shorter than an earlier reading %s", frozen, second)
	}

	stored, _ := m.TransactionStats(tx.ID())
	if stored.Duration != frozen {
		t.Fatalf("expected stored stats to match, got %s vs %s", stored.Duration, frozen)
	}
}

func TestTransaction_TimerRollsBackManualTransaction(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(t, db, testConfig())
	ctx := context.Background()

	tx, err := m.Begin(ctx, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	waitFor(t, func() bool { return !tx.IsActive() })

	s := tx.Stats()
	if s.Status != StatusRolledBack || s.RollbackReason != ReasonTimeout {
		t.Fatalf("expected timeout rollback, got %s (%q)", s.Status, s.RollbackReason)
	}
	if err := tx.Commit(ctx); !errors.Is(err, ErrInactiveTransaction) {
		t.Fatalf("expected commit after timeout to fail, got %v", err)
	}
}

func TestTransaction_CommitStopsTimer(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(t, db, testConfig())
	ctx := context.Background()

	tx, _ := m.Begin(ctx, WithTimeout(20*time.Millisecond))
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if tx.Status() != StatusCommitted {
		t.Fatalf("expected committed, got %s", tx.Status())
	}
	if _, _, rollbacks := db.counts(); rollbacks != 0 {
		t.Fatalf("expected no rollback after commit, got %d", rollbacks)
	}
}

func TestTransaction_IncrementDeadlockRetries(t *testing.T) {
	m := newTestManager(t, &fakeDB{}, testConfig())
	tx, _ := m.Begin(context.Background())

	tx.IncrementDeadlockRetries()
	tx.IncrementDeadlockRetries()
	if got := tx.Stats().DeadlockRetries; got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
}

func TestTransaction_SavepointStatements(t *testing.T) {
	db := &fakeDB{}
	m := newTestManager(t, db, testConfig())
	ctx := context.Background()

	tx, _ := m.Begin(ctx)
	if err := tx.Savepoint(ctx, "sp1"); err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	if err := tx.RollbackToSavepoint(ctx, "sp1"); err != nil {
		t.Fatalf("rollback to savepoint: %v", err)
	}
	if err := tx.ReleaseSavepoint(ctx, "sp1"); err != nil {
		t.Fatalf("release savepoint: %v", err)
	}
	if err := tx.Savepoint(ctx, "sp1; DROP TABLE x"); err == nil {
		t.Fatalf("expected invalid name rejected")
	}
	if !tx.IsActive() {
		t.Fatalf("savepoint rollback must keep the transaction active")
	}

	want := []string{"SAVEPOINT sp1", "ROLLBACK TO SAVEPOINT sp1", "RELEASE SAVEPOINT sp1"}
	got := db.statements()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statement %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
