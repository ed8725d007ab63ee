package txmanager

import "time"

// Hooks observe the manager's lifecycle events. Any field may be nil. Hooks
// run synchronously on the goroutine that triggered the event and must not
// block for long.
type Hooks struct {
	// OnBegin is called after a transaction is registered
	OnBegin func(tx *Transaction)

	// OnFinish receives the frozen stats of every transaction, exactly once
	OnFinish func(stats Stats)

	// OnRetry is called before sleeping ahead of a deadlock retry
	OnRetry func(id ID, attempt int, backoff time.Duration, err error)

	// OnAcquire reports how long a caller waited for a pool slot
	OnAcquire func(wait time.Duration)

	// OnTimeout is called when a transaction exceeds its timeout
	OnTimeout func(id ID)
}

type hookSet []Hooks

func (hs hookSet) begin(tx *Transaction) {
	for _, h := range hs {
		if h.OnBegin != nil {
			h.OnBegin(tx)
		}
	}
}

func (hs hookSet) finish(stats Stats) {
	for _, h := range hs {
		if h.OnFinish != nil {
			h.OnFinish(stats)
		}
	}
}

func (hs hookSet) retry(id ID, attempt int, backoff time.Duration, err error) {
	for _, h := range hs {
		if h.OnRetry != nil {
			h.OnRetry(id, attempt, backoff, err)
		}
	}
}

func (hs hookSet) acquire(wait time.Duration) {
	for _, h := range hs {
		if h.OnAcquire != nil {
			h.OnAcquire(wait)
		}
	}
}

func (hs hookSet) timeout(id ID) {
	for _, h := range hs {
		if h.OnTimeout != nil {
			h.OnTimeout(id)
		}
	}
}
