package sse

import (
	"time"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

// slowAcquire is the slot wait above which a pool_wait event is published
const slowAcquire = 100 * time.Millisecond

// TransactionHooks returns manager hooks that publish lifecycle events
func (b *Broker) TransactionHooks() txmanager.Hooks {
	return txmanager.Hooks{
		OnBegin: func(tx *txmanager.Transaction) {
			b.Broadcast(Event{Type: EventTransactionStarted, Data: map[string]any{
				"id":              tx.ID(),
				"isolation_level": tx.IsolationLevel().String(),
				"read_only":       tx.ReadOnly(),
			}})
		},
		OnFinish: func(s txmanager.Stats) {
			b.Broadcast(Event{Type: EventTransactionFinished, Data: s})
		},
		OnRetry: func(id txmanager.ID, attempt int, backoff time.Duration, err error) {
			b.Broadcast(Event{Type: EventDeadlockRetry, Data: map[string]any{
				"id":         id,
				"attempt":    attempt,
				"backoff_ms": backoff.Milliseconds(),
				"error":      err.Error(),
			}})
		},
		OnAcquire: func(wait time.Duration) {
			if wait < slowAcquire {
				return
			}
			b.Broadcast(Event{Type: EventPoolWait, Data: map[string]any{"wait_ms": wait.Milliseconds()}})
		},
		OnTimeout: func(id txmanager.ID) {
			b.Broadcast(Event{Type: EventTransactionTimeout, Data: map[string]any{"id": id}})
		},
	}
}
