package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTransactionMetrics() {
	r.TransactionsStartedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txmanager_transactions_started_total",
			Help: "Total number of transactions started",
		},
	)

	r.TransactionsFinishedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "txmanager_transactions_finished_total",
			Help: "Total number of transactions that reached a terminal status",
		},
		[]string{"status"}, // committed, rolled_back, failed
	)

	r.TransactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txmanager_transaction_duration_seconds",
			Help:    "Transaction duration from start to terminal status in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"status"},
	)

	r.TransactionQueries = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txmanager_transaction_queries",
			Help:    "Queries executed per finished transaction",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100},
		},
	)

	r.DeadlockRetriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txmanager_deadlock_retries_total",
			Help: "Total number of deadlock retries",
		},
	)

	r.TimeoutsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "txmanager_timeouts_total",
			Help: "Total number of transactions rolled back by their timeout",
		},
	)

	r.SlotWaitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txmanager_slot_wait_seconds",
			Help:    "Time spent queued for a pool slot in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
		},
	)
}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "txmanager_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txmanager_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
}
