// Package workload drives concurrent transactions through a manager to
// measure pool throughput and retry behaviour.
package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

// CounterTable is the table the workload increments
const CounterTable = "txbench_counter"

// Config describes a benchmark run
type Config struct {
	// Transactions is how many transactions to run in total
	Transactions int
	// Concurrency bounds how many submit at once (0 = all at once)
	Concurrency int
	// Rate paces submissions per second (0 = unpaced)
	Rate float64
	// DeadlockRate is the chance [0,1] that a transaction's first attempt
	// fails with an injected deadlock
	DeadlockRate float64
	// Latency is simulated work held inside each transaction
	Latency time.Duration
}

// Summary reports the outcome of a run
type Summary struct {
	Completed    int
	Failed       int
	Retries      int
	Elapsed      time.Duration
	CounterValue int64
}

func (s Summary) String() string {
	return fmt.Sprintf("completed=%d failed=%d retries=%d elapsed=%s counter=%d",
		s.Completed, s.Failed, s.Retries, s.Elapsed.Round(time.Millisecond), s.CounterValue)
}

// Prepare creates and resets the counter table
func Prepare(ctx context.Context, m *txmanager.Manager) error {
	return m.Run(ctx, func(ctx context.Context, tx *txmanager.Transaction) error {
		stmts := []string{
			"CREATE TABLE IF NOT EXISTS " + CounterTable + " (id INTEGER PRIMARY KEY, hits INTEGER NOT NULL)",
			"DELETE FROM " + CounterTable,
			"INSERT INTO " + CounterTable + " (id, hits) VALUES (1, 0)",
		}
		for _, stmt := range stmts {
			if _, err := tx.Query(ctx, stmt); err != nil {
				return fmt.Errorf("failed to prepare %s: %w", CounterTable, err)
			}
		}
		return nil
	})
}

// Run executes the workload. Individual transaction failures are counted,
// not returned; the error is non-nil only when ctx ends or the final
// counter read fails.
func Run(ctx context.Context, m *txmanager.Manager, cfg Config) (Summary, error) {
	if cfg.Transactions <= 0 {
		return Summary{}, errors.New("transactions must be positive")
	}
	if cfg.DeadlockRate < 0 || cfg.DeadlockRate > 1 {
		return Summary{}, fmt.Errorf("deadlock rate %v outside [0,1]", cfg.DeadlockRate)
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var completed, failed, retries atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Concurrency > 0 {
		g.SetLimit(cfg.Concurrency)
	}

	start := time.Now()
	for i := range cfg.Transactions {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		inject := cfg.DeadlockRate > 0 && rand.Float64() < cfg.DeadlockRate

		g.Go(func() error {
			// written on the callback goroutine, which may outlive a timed-out Run
			var attemptRetries atomic.Int64
			err := m.Run(gctx, func(ctx context.Context, tx *txmanager.Transaction) error {
				n := tx.Stats().DeadlockRetries
				attemptRetries.Store(int64(n))
				if inject && n == 0 {
					return fmt.Errorf("injected: %w", txmanager.ErrDeadlock)
				}
				if _, err := tx.Query(ctx, "UPDATE "+CounterTable+" SET hits = hits + 1 WHERE id = 1"); err != nil {
					return err
				}
				if cfg.Latency > 0 {
					t := time.NewTimer(cfg.Latency)
					defer t.Stop()
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-t.C:
					}
				}
				return nil
			})
			retries.Add(attemptRetries.Load())

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				log.Debug().Err(err).Int("n", i).Msg("Benchmark transaction failed")
				return nil
			}
			completed.Add(1)
			return nil
		})
	}

	waitErr := g.Wait()
	summary := Summary{
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		Retries:   int(retries.Load()),
		Elapsed:   time.Since(start),
	}
	if waitErr != nil {
		return summary, waitErr
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	value, err := readCounter(ctx, m)
	if err != nil {
		return summary, err
	}
	summary.CounterValue = value

	log.Info().
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("retries", summary.Retries).
		Dur("elapsed", summary.Elapsed).
		Msg("Benchmark finished")
	return summary, nil
}

func readCounter(ctx context.Context, m *txmanager.Manager) (int64, error) {
	return txmanager.WithTransaction(ctx, m, func(ctx context.Context, tx *txmanager.Transaction) (int64, error) {
		res, err := tx.Query(ctx, "SELECT hits FROM "+CounterTable+" WHERE id = 1")
		if err != nil {
			return 0, err
		}
		if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
			return 0, fmt.Errorf("%s has no counter row", CounterTable)
		}
		return toInt64(res.Rows[0][0])
	}, txmanager.WithReadOnly())
}

// toInt64 normalizes the integer types the supported drivers return
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
}
