package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics for the application
type Registry struct {
	// Transaction Metrics
	TransactionsStartedTotal  prometheus.Counter
	TransactionsFinishedTotal *prometheus.CounterVec
	TransactionDuration       *prometheus.HistogramVec
	TransactionQueries        prometheus.Histogram
	DeadlockRetriesTotal      prometheus.Counter
	TimeoutsTotal             prometheus.Counter
	SlotWaitDuration          prometheus.Histogram

	// HTTP Metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	poolOnce sync.Once
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
	}

	r.initTransactionMetrics()
	r.initHTTPMetrics()

	return r
}

// Gatherer exposes the underlying registry for scraping and tests
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
