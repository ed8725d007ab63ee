package txmanager

import (
	"context"
	"errors"
	"math"
	"time"
)

// isDeadlock classifies err. A database that can recognize its own deadlocks
// is trusted over the message heuristics.
func (m *Manager) isDeadlock(err error) bool {
	if err == nil {
		return false
	}
	if detector, ok := m.db.(DeadlockDetector); ok {
		return detector.IsDeadlock(err) || errors.Is(err, ErrDeadlock)
	}
	return IsDeadlock(err)
}

// backoff returns BaseBackoff * 2^attempt, capped at MaxBackoff.
func (m *Manager) backoff(attempt int) time.Duration {
	base := m.config.BaseBackoff
	if base <= 0 {
		return 0
	}

	wait := base
	for range attempt {
		if wait > math.MaxInt64/2 {
			break
		}
		wait *= 2
	}
	if m.config.MaxBackoff > 0 && wait > m.config.MaxBackoff {
		return m.config.MaxBackoff
	}
	return wait
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
