package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the enrichment job engine.
// Counters and histograms are registered via promauto with the default
// Prometheus registry.
type Metrics struct {
	// JobsStarted counts jobs that entered the running state, labeled by kind.
	JobsStarted *prometheus.CounterVec

	// JobsCompleted counts jobs that reached a terminal state, labeled by kind and status.
	JobsCompleted *prometheus.CounterVec

	// JobDuration observes end-to-end job duration in seconds, labeled by kind.
	JobDuration *prometheus.HistogramVec

	// BatchesExecuted counts batches sent to an external provider, labeled by kind.
	BatchesExecuted *prometheus.CounterVec

	// BatchesFailed counts batches whose provider call failed, labeled by kind.
	BatchesFailed *prometheus.CounterVec

	// ItemsProcessed counts work items enriched successfully, labeled by kind.
	ItemsProcessed *prometheus.CounterVec

	// ItemsErrored counts work items counted toward the error counter, labeled by kind.
	ItemsErrored *prometheus.CounterVec

	// ExternalRequestsTotal counts requests to external services, labeled by source.
	ExternalRequestsTotal *prometheus.CounterVec

	// ExternalRequestsFailed counts failed requests to external services, labeled by source.
	ExternalRequestsFailed *prometheus.CounterVec

	// ExternalRequestDuration observes external request duration in seconds, labeled by source.
	ExternalRequestDuration *prometheus.HistogramVec

	// CacheHits counts graph metadata cache hits.
	CacheHits prometheus.Counter

	// CacheMisses counts graph metadata cache misses.
	CacheMisses prometheus.Counter

	// ProgressEventsPublished counts progress events published to the event channel.
	ProgressEventsPublished *prometheus.CounterVec

	// WatchdogReclassified counts stuck running jobs reclassified to timeout.
	WatchdogReclassified prometheus.Counter
}

// NewMetrics creates and registers all metrics under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		JobsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of enrichment jobs started.",
		}, []string{"kind"}),

		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of enrichment jobs that reached a terminal state.",
		}, []string{"kind", "status"}),

		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "End-to-end duration of enrichment jobs in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"kind"}),

		BatchesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_executed_total",
			Help:      "Total number of batches sent to external providers.",
		}, []string{"kind"}),

		BatchesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Total number of batches whose provider call failed.",
		}, []string{"kind"}),

		ItemsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Total number of work items enriched successfully.",
		}, []string{"kind"}),

		ItemsErrored: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_errored_total",
			Help:      "Total number of work items counted as errors.",
		}, []string{"kind"}),

		ExternalRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_requests_total",
			Help:      "Total number of requests to external services.",
		}, []string{"source"}),

		ExternalRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_requests_failed_total",
			Help:      "Total number of failed requests to external services.",
		}, []string{"source"}),

		ExternalRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_request_duration_seconds",
			Help:      "Duration of external service requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_cache_hits_total",
			Help:      "Total number of graph metadata cache hits.",
		}),

		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_cache_misses_total",
			Help:      "Total number of graph metadata cache misses.",
		}),

		ProgressEventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_published_total",
			Help:      "Total number of job events published to the event channel.",
		}, []string{"type"}),

		WatchdogReclassified: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_reclassified_total",
			Help:      "Total number of stuck running jobs reclassified to timeout.",
		}),
	}
}
