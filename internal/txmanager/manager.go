package txmanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ReasonManagerClosed is recorded for transactions rolled back by Close.
const ReasonManagerClosed = "Manager closed"

// Manager coordinates transactions against a single Database. It bounds how
// many run at once, retries deadlocked work and keeps per-transaction stats.
type Manager struct {
	db     Database
	config Config
	pool   *slotPool
	hooks  hookSet

	mu         sync.RWMutex
	active     map[ID]*Transaction
	stats      map[ID]Stats // finished transactions only
	statsOrder []ID
	statsHead  int // statsOrder[:statsHead] are evicted and awaiting compaction
	current    *Transaction
	closed     bool
}

// ManagerOption customizes a Manager at construction.
type ManagerOption func(*Manager)

// WithHooks registers lifecycle hooks. It may be given more than once.
func WithHooks(h Hooks) ManagerOption {
	return func(m *Manager) { m.hooks = append(m.hooks, h) }
}

// New creates a transaction manager
func New(db Database, cfg Config, opts ...ManagerOption) (*Manager, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		db:     db,
		config: cfg,
		pool:   newSlotPool(cfg.MaxConcurrentTransactions),
		active: make(map[ID]*Transaction),
		stats:  make(map[ID]Stats),
	}
	for _, opt := range opts {
		opt(m)
	}

	log.Info().
		Int("pool_size", cfg.MaxConcurrentTransactions).
		Str("isolation", cfg.DefaultIsolationLevel.String()).
		Dur("default_timeout", cfg.DefaultTimeout).
		Int("retry_attempts", cfg.RetryAttempts).
		Msg("Transaction manager created")

	return m, nil
}

// Config returns the manager configuration
func (m *Manager) Config() Config {
	return m.config
}

// Begin starts a transaction outside the admission pool. The caller owns the
// returned transaction and must commit or roll it back. Begin refuses to
// start a transaction once as many are active as the pool allows.
func (m *Manager) Begin(ctx context.Context, opts ...Option) (*Transaction, error) {
	return m.begin(ctx, m.resolveOptions(opts), true)
}

func (m *Manager) begin(ctx context.Context, o txOptions, checkCapacity bool) (*Transaction, error) {
	createdAt := time.Now()

	m.mu.RLock()
	closed, activeCount := m.closed, len(m.active)
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if checkCapacity && activeCount >= m.config.MaxConcurrentTransactions {
		return nil, &AdmissionError{Active: activeCount, Limit: m.config.MaxConcurrentTransactions}
	}

	session, err := m.db.Begin(ctx, BeginOptions{IsolationLevel: o.isolation, ReadOnly: o.readOnly})
	if err != nil {
		return nil, &BeginError{Err: err}
	}

	tx := newTransaction(transactionParams{
		id:        newID(),
		session:   session,
		isolation: o.isolation,
		readOnly:  o.readOnly,
		createdAt: createdAt,
		timeout:   o.timeout,
		owner:     m,
	})

	m.mu.Lock()
	if m.closed || (checkCapacity && len(m.active) >= m.config.MaxConcurrentTransactions) {
		activeCount := len(m.active)
		closed := m.closed
		m.mu.Unlock()
		if rbErr := session.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to roll back rejected transaction")
		}
		if closed {
			return nil, ErrManagerClosed
		}
		return nil, &AdmissionError{Active: activeCount, Limit: m.config.MaxConcurrentTransactions}
	}
	m.active[tx.id] = tx
	m.current = tx
	m.mu.Unlock()

	tx.arm()
	m.hooks.begin(tx)

	log.Debug().
		Str("tx_id", tx.id.String()).
		Str("isolation", o.isolation.String()).
		Bool("read_only", o.readOnly).
		Dur("timeout", o.timeout).
		Msg("Transaction started")

	if o.savepoint != "" {
		if err := tx.Savepoint(ctx, o.savepoint); err != nil {
			if rbErr := tx.rollback(context.WithoutCancel(ctx), err.Error(), false); rbErr != nil {
				log.Error().Err(rbErr).Str("tx_id", tx.id.String()).Msg("Failed to roll back transaction")
			}
			return nil, err
		}
	}

	return tx, nil
}

// finish moves a terminated transaction from the live table to the stats
// history. Transactions call it exactly once.
func (m *Manager) finish(tx *Transaction) {
	stats := tx.Stats()

	m.mu.Lock()
	delete(m.active, tx.id)
	if m.current == tx {
		m.current = nil
	}
	m.stats[tx.id] = stats
	m.statsOrder = append(m.statsOrder, tx.id)
	m.evictStatsLocked()
	m.mu.Unlock()

	if stats.RollbackReason == ReasonTimeout {
		m.hooks.timeout(tx.id)
	}
	m.hooks.finish(stats)

	log.Debug().
		Str("tx_id", tx.id.String()).
		Str("status", stats.Status.String()).
		Dur("duration", stats.Duration).
		Int("queries", stats.QueriesExecuted).
		Int("deadlock_retries", stats.DeadlockRetries).
		Msg("Transaction finished")
}

// WithTransaction runs fn inside a transaction. It waits for a pool slot,
// commits when fn succeeds and rolls back when it fails. Deadlocks are retried
// with a fresh transaction after an exponential backoff; any other error is
// returned unchanged after a single rollback attempt.
func WithTransaction[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, tx *Transaction) (T, error), opts ...Option) (T, error) {
	var zero T
	if m.isClosed() {
		return zero, ErrManagerClosed
	}
	o := m.resolveOptions(opts)

	waitStart := time.Now()
	if err := m.pool.acquire(ctx); err != nil {
		return zero, err
	}
	defer m.pool.release()
	m.hooks.acquire(time.Since(waitStart))

	retries := 0
	for attempt := 0; ; attempt++ {
		tx, err := m.begin(ctx, o, false)
		if err != nil {
			return zero, err
		}
		if retries > 0 {
			tx.setDeadlockRetries(retries)
		}

		result, err := runCallback(ctx, tx, o.timeout, fn)
		if err == nil {
			if err = tx.Commit(ctx); err == nil {
				return result, nil
			}
		} else {
			reason := err.Error()
			if IsTimeout(err) {
				reason = ReasonTimeout
			}
			if rbErr := tx.rollback(context.WithoutCancel(ctx), reason, IsTimeout(err)); rbErr != nil && !errors.Is(rbErr, ErrInactiveTransaction) {
				log.Error().Err(rbErr).Str("tx_id", tx.id.String()).Msg("Failed to roll back transaction")
			}
		}

		if tx.wasTimedOut() && !IsTimeout(err) && timeoutSymptom(err) {
			err = &TimeoutError{ID: tx.id, Timeout: o.timeout}
		}

		if attempt >= o.retryAttempts || !m.isDeadlock(err) {
			return zero, err
		}

		retries++
		wait := m.backoff(attempt)
		log.Warn().
			Err(err).
			Str("tx_id", tx.id.String()).
			Int("attempt", attempt+1).
			Int("max_retries", o.retryAttempts).
			Dur("backoff", wait).
			Msg("Transaction deadlocked; retrying")
		m.hooks.retry(tx.id, retries, wait, err)

		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

// Run is WithTransaction for callbacks without a result.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error, opts ...Option) error {
	_, err := WithTransaction(ctx, m, func(ctx context.Context, tx *Transaction) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	}, opts...)
	return err
}

// timeoutSymptom reports errors a callback typically returns after its
// transaction was rolled back underneath it by the timeout timer.
func timeoutSymptom(err error) bool {
	return errors.Is(err, ErrInactiveTransaction) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// runCallback executes fn. With a timeout, fn runs on its own goroutine and
// races a timer; the loser's result is discarded. fn's context is cancelled
// when the race is lost so cooperative callbacks can stop early.
func runCallback[T any](ctx context.Context, tx *Transaction, timeout time.Duration, fn func(context.Context, *Transaction) (T, error)) (T, error) {
	if timeout <= 0 {
		return callSafely(ctx, tx, fn)
	}

	var zero T
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := callSafely(callCtx, tx, fn)
		done <- outcome{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, &TimeoutError{ID: tx.id, Timeout: timeout}
		}
		return out.value, out.err
	case <-timer.C:
		return zero, &TimeoutError{ID: tx.id, Timeout: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func callSafely[T any](ctx context.Context, tx *Transaction, fn func(context.Context, *Transaction) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tx_id", tx.id.String()).Msg("Transaction callback panicked")
			err = fmt.Errorf("transaction callback panicked: %v", r)
		}
	}()
	return fn(ctx, tx)
}

// CurrentTransaction returns the most recently started transaction that is
// still active, or nil. With concurrent transactions this is only a hint;
// pass the *Transaction explicitly instead.
func (m *Manager) CurrentTransaction() *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ActiveTransactions returns the live transactions, oldest first
func (m *Manager) ActiveTransactions() []*Transaction {
	m.mu.RLock()
	txs := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		txs = append(txs, tx)
	}
	m.mu.RUnlock()

	slices.SortFunc(txs, func(a, b *Transaction) int {
		return a.createdAt.Compare(b.createdAt)
	})
	return txs
}

// TransactionStats returns live stats for an active transaction or the frozen
// snapshot of a finished one.
func (m *Manager) TransactionStats(id ID) (Stats, bool) {
	m.mu.RLock()
	tx, active := m.active[id]
	stats, finished := m.stats[id]
	m.mu.RUnlock()

	if active {
		return tx.Stats(), true
	}
	return stats, finished
}

// FinishedStats returns retained stats of finished transactions, oldest first
func (m *Manager) FinishedStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	retained := m.statsOrder[m.statsHead:]
	out := make([]Stats, 0, len(retained))
	for _, id := range retained {
		out = append(out, m.stats[id])
	}
	return out
}

// PruneStats drops stats of transactions that finished more than olderThan
// ago and returns how many were removed.
func (m *Manager) PruneStats(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.statsOrder[:0]
	removed := 0
	for _, id := range m.statsOrder[m.statsHead:] {
		if m.stats[id].EndTime.Before(cutoff) {
			delete(m.stats, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	clear(m.statsOrder[len(kept):])
	m.statsOrder = kept
	m.statsHead = 0
	return removed
}

// evictStatsLocked drops the oldest snapshots beyond MaxStatsEntries. The
// order slice is compacted once at least half of it is evicted.
func (m *Manager) evictStatsLocked() {
	limit := m.config.MaxStatsEntries
	if limit <= 0 {
		return
	}
	for len(m.statsOrder)-m.statsHead > limit {
		delete(m.stats, m.statsOrder[m.statsHead])
		m.statsOrder[m.statsHead] = ""
		m.statsHead++
	}
	if m.statsHead > 0 && m.statsHead*2 >= len(m.statsOrder) {
		n := copy(m.statsOrder, m.statsOrder[m.statsHead:])
		clear(m.statsOrder[n:])
		m.statsOrder = m.statsOrder[:n]
		m.statsHead = 0
	}
}

// PoolSize returns the maximum number of concurrent transactions
func (m *Manager) PoolSize() int {
	return m.pool.size
}

// AvailableSlots returns how many pool slots are free
func (m *Manager) AvailableSlots() int {
	return m.pool.availableSlots()
}

// Waiting returns how many callers are queued for a slot
func (m *Manager) Waiting() int {
	return m.pool.waiting()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close stops admitting transactions and rolls back any still active.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	rolledBack := 0
	for _, tx := range m.ActiveTransactions() {
		err := tx.rollback(ctx, ReasonManagerClosed, false)
		switch {
		case err == nil:
			rolledBack++
		case !errors.Is(err, ErrInactiveTransaction):
			errs = append(errs, fmt.Errorf("roll back %s: %w", tx.id, err))
		}
	}

	log.Info().Int("rolled_back", rolledBack).Int("failed", len(errs)).Msg("Transaction manager closed")
	return errors.Join(errs...)
}
