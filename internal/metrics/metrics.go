package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

// PoolSource reports slot usage. *txmanager.Manager satisfies it.
type PoolSource interface {
	PoolSize() int
	AvailableSlots() int
	Waiting() int
}

// Hooks returns manager hooks that feed the transaction metrics
func (r *Registry) Hooks() txmanager.Hooks {
	return txmanager.Hooks{
		OnBegin: func(*txmanager.Transaction) {
			r.TransactionsStartedTotal.Inc()
		},
		OnFinish: r.RecordTransaction,
		OnRetry: func(txmanager.ID, int, time.Duration, error) {
			r.DeadlockRetriesTotal.Inc()
		},
		OnAcquire: func(wait time.Duration) {
			r.SlotWaitDuration.Observe(wait.Seconds())
		},
		OnTimeout: func(txmanager.ID) {
			r.TimeoutsTotal.Inc()
		},
	}
}

// RecordTransaction records the outcome of a finished transaction
func (r *Registry) RecordTransaction(s txmanager.Stats) {
	status := s.Status.String()
	r.TransactionsFinishedTotal.WithLabelValues(status).Inc()
	r.TransactionDuration.WithLabelValues(status).Observe(s.Duration.Seconds())
	r.TransactionQueries.Observe(float64(s.QueriesExecuted))
}

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RegisterPool exposes pool occupancy as gauges read at scrape time. Only
// the first call has an effect.
func (r *Registry) RegisterPool(pool PoolSource) {
	r.poolOnce.Do(func() {
		promauto.With(r.registry).NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "txmanager_pool_size",
				Help: "Maximum number of concurrent transactions",
			},
			func() float64 { return float64(pool.PoolSize()) },
		)
		promauto.With(r.registry).NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "txmanager_pool_available_slots",
				Help: "Free pool slots",
			},
			func() float64 { return float64(pool.AvailableSlots()) },
		)
		promauto.With(r.registry).NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "txmanager_pool_waiting",
				Help: "Callers queued for a pool slot",
			},
			func() float64 { return float64(pool.Waiting()) },
		)
	})
}
