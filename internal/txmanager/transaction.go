package txmanager

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Rollback reasons recorded in Stats
const (
	ReasonManual  = "Manual rollback"
	ReasonTimeout = "Transaction timeout"
)

var savepointNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// finisher owns a transaction's bookkeeping. The manager implements it; a
// transaction calls it exactly once when it reaches a terminal status.
type finisher interface {
	finish(tx *Transaction)
}

// Transaction is a single unit of work against the database. All mutating
// operations require the transaction to be active.
type Transaction struct {
	id        ID
	session   Session
	isolation IsolationLevel
	readOnly  bool
	createdAt time.Time
	startTime time.Time
	timeout   time.Duration
	owner     finisher

	mu              sync.Mutex
	status          Status
	closing         bool // a terminal transition is in flight
	endTime         time.Time
	queries         int
	deadlockRetries int
	rollbackReason  string
	timedOut        bool
	timer           *time.Timer

	finishOnce sync.Once
}

type transactionParams struct {
	id        ID
	session   Session
	isolation IsolationLevel
	readOnly  bool
	createdAt time.Time
	timeout   time.Duration
	owner     finisher
}

func newTransaction(p transactionParams) *Transaction {
	tx := &Transaction{
		id:        p.id,
		session:   p.session,
		isolation: p.isolation,
		readOnly:  p.readOnly,
		createdAt: p.createdAt,
		startTime: time.Now(),
		timeout:   p.timeout,
		owner:     p.owner,
		status:    StatusActive,
	}
	if tx.createdAt.IsZero() {
		tx.createdAt = tx.startTime
	}
	return tx
}

// arm starts the timeout timer. It is called once the owner has registered
// the transaction so an early expiry cannot outrun the bookkeeping.
func (tx *Transaction) arm() {
	if tx.timeout <= 0 {
		return
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status == StatusActive && tx.timer == nil {
		tx.timer = time.AfterFunc(tx.timeout, tx.expire)
	}
}

// ID returns the transaction identifier
func (tx *Transaction) ID() ID { return tx.id }

// IsolationLevel returns the level the transaction was started with
func (tx *Transaction) IsolationLevel() IsolationLevel { return tx.isolation }

// ReadOnly reports whether the transaction was started read-only
func (tx *Transaction) ReadOnly() bool { return tx.readOnly }

// CreatedAt returns when the transaction was requested
func (tx *Transaction) CreatedAt() time.Time { return tx.createdAt }

// Status returns the current lifecycle status
func (tx *Transaction) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// IsActive reports whether the transaction still accepts operations
func (tx *Transaction) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status == StatusActive && !tx.closing
}

// Query runs a statement inside the transaction. Database errors, including
// deadlocks, are returned unchanged.
func (tx *Transaction) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	tx.mu.Lock()
	if err := tx.checkActiveLocked("query"); err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	tx.queries++
	tx.mu.Unlock()

	return tx.session.Query(ctx, query, args...)
}

// Commit makes the transaction's changes permanent. A failed commit leaves
// the transaction Failed and returns the database error as is.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if err := tx.checkActiveLocked("commit"); err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.closing = true
	tx.mu.Unlock()

	if err := tx.session.Commit(ctx); err != nil {
		tx.complete(StatusFailed, fmt.Sprintf("commit failed: %v", err))
		return err
	}

	tx.complete(StatusCommitted, "")
	log.Debug().Str("tx_id", tx.id.String()).Msg("Transaction committed")
	return nil
}

// Rollback discards the transaction's changes.
func (tx *Transaction) Rollback(ctx context.Context) error {
	return tx.rollback(ctx, ReasonManual, false)
}

func (tx *Transaction) rollback(ctx context.Context, reason string, timeout bool) error {
	tx.mu.Lock()
	if err := tx.checkActiveLocked("rollback"); err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.closing = true
	if timeout {
		tx.timedOut = true
	}
	if tx.rollbackReason == "" {
		tx.rollbackReason = reason
	}
	tx.mu.Unlock()

	if err := tx.session.Rollback(ctx); err != nil {
		tx.complete(StatusFailed, "")
		return err
	}

	tx.complete(StatusRolledBack, "")
	log.Debug().Str("tx_id", tx.id.String()).Str("reason", reason).Msg("Transaction rolled back")
	return nil
}

// expire runs on the timeout timer.
func (tx *Transaction) expire() {
	if !tx.IsActive() {
		return
	}

	log.Warn().
		Str("tx_id", tx.id.String()).
		Dur("timeout", tx.timeout).
		Msg("Transaction timed out; rolling back")

	if err := tx.rollback(context.Background(), ReasonTimeout, true); err != nil {
		log.Error().Err(err).Str("tx_id", tx.id.String()).Msg("Failed to roll back timed out transaction")
	}
}

// complete performs the single terminal transition.
func (tx *Transaction) complete(status Status, reason string) {
	tx.mu.Lock()
	tx.status = status
	tx.closing = false
	tx.endTime = time.Now()
	if reason != "" && tx.rollbackReason == "" {
		tx.rollbackReason = reason
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}
	tx.mu.Unlock()

	tx.finishOnce.Do(func() {
		if tx.owner != nil {
			tx.owner.finish(tx)
		}
	})
}

func (tx *Transaction) checkActiveLocked(op string) error {
	if tx.status != StatusActive || tx.closing {
		return &InactiveTransactionError{ID: tx.id, Op: op, Status: tx.status}
	}
	return nil
}

// IncrementDeadlockRetries records one more deadlock retry against this
// transaction.
func (tx *Transaction) IncrementDeadlockRetries() {
	tx.mu.Lock()
	tx.deadlockRetries++
	tx.mu.Unlock()
}

func (tx *Transaction) setDeadlockRetries(n int) {
	tx.mu.Lock()
	tx.deadlockRetries = n
	tx.mu.Unlock()
}

func (tx *Transaction) wasTimedOut() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.timedOut
}

// Stats returns a snapshot of the transaction's bookkeeping
func (tx *Transaction) Stats() Stats {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	s := Stats{
		ID:              tx.id,
		Status:          tx.status,
		StatusName:      tx.status.String(),
		IsolationLevel:  tx.isolation,
		Isolation:       tx.isolation.String(),
		ReadOnly:        tx.readOnly,
		CreatedAt:       tx.createdAt,
		StartTime:       tx.startTime,
		EndTime:         tx.endTime,
		QueriesExecuted: tx.queries,
		DeadlockRetries: tx.deadlockRetries,
		RollbackReason:  tx.rollbackReason,
	}
	if tx.status == StatusActive {
		s.Duration = time.Since(tx.startTime)
	} else {
		s.Duration = tx.endTime.Sub(tx.startTime)
	}
	return s
}

// Savepoint creates a named savepoint inside the transaction.
func (tx *Transaction) Savepoint(ctx context.Context, name string) error {
	return tx.savepointStatement(ctx, "SAVEPOINT ", name)
}

// RollbackToSavepoint undoes work done since the named savepoint. The
// transaction stays active.
func (tx *Transaction) RollbackToSavepoint(ctx context.Context, name string) error {
	return tx.savepointStatement(ctx, "ROLLBACK TO SAVEPOINT ", name)
}

// ReleaseSavepoint forgets the named savepoint, keeping its work.
func (tx *Transaction) ReleaseSavepoint(ctx context.Context, name string) error {
	return tx.savepointStatement(ctx, "RELEASE SAVEPOINT ", name)
}

func (tx *Transaction) savepointStatement(ctx context.Context, stmt, name string) error {
	if !savepointNamePattern.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	if _, err := tx.Query(ctx, stmt+name); err != nil {
		return fmt.Errorf("%s%s: %w", stmt, name, err)
	}
	return nil
}
