package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for ruleflow
type Metrics struct {
	// API metrics
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	APIErrorsTotal       *prometheus.CounterVec
	APIActiveConnections prometheus.Gauge

	// Storage metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	RouteCacheHits           prometheus.Counter
	RouteCacheMisses         prometheus.Counter

	// Router metrics
	RouterEventsTotal    *prometheus.CounterVec
	RouterResultsTotal   *prometheus.CounterVec
	RouterRuleFaults     *prometheus.CounterVec
	RouterEventDuration  prometheus.Histogram
	RouterDefinitions    prometheus.Gauge
	RouterDispatchErrors *prometheus.CounterVec

	// Timeout metrics
	TimeoutsRegistered   prometheus.Counter
	TimeoutsFired        prometheus.Counter
	TimeoutsCancelled    prometheus.Counter
	TimeoutsUnregistered prometheus.Counter
	TimeoutsLive         prometheus.Gauge

	// Adaptor metrics
	AdaptorDispatchTotal    *prometheus.CounterVec
	AdaptorDispatchDuration *prometheus.HistogramVec

	// Distribution metrics
	DistributionSubmitted  *prometheus.CounterVec
	DistributionRejected   *prometheus.CounterVec
	DistributionCompleted  *prometheus.CounterVec
	DistributionInFlight   prometheus.Gauge
	DistributionBytes      *prometheus.CounterVec
	DistributionDuration   *prometheus.HistogramVec
	DistributionClaimsHeld prometheus.Gauge

	// Notifier metrics
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventsDropped     prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruleflow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_api_errors_total",
			Help: "Total number of API errors",
		},
		[]string{"method", "path", "code"},
	)

	m.APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleflow_api_active_connections",
			Help: "Number of in-flight API requests",
		},
	)

	// Storage metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_storage_operations_total",
			Help: "Total number of route store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruleflow_storage_operation_duration_seconds",
			Help:    "Route store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"backend", "operation"},
	)

	m.RouteCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruleflow_storage_cache_hits_total",
			Help: "Total number of route cache hits",
		},
	)

	m.RouteCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruleflow_storage_cache_misses_total",
			Help: "Total number of route cache misses",
		},
	)

	// Router metrics
	m.RouterEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_router_events_total",
			Help: "Total number of events evaluated by the router",
		},
		[]string{"event_type"},
	)

	m.RouterResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_router_results_total",
			Help: "Total number of result events produced by rules",
		},
		[]string{"route", "source"}, // source: sync, timeout
	)

	m.RouterRuleFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_router_rule_faults_total",
			Help: "Total number of rule evaluation faults",
		},
		[]string{"rule_type", "severity"},
	)

	m.RouterEventDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ruleflow_router_event_duration_seconds",
			Help:    "Time taken to evaluate one event against all routes",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
	)

	m.RouterDefinitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleflow_router_definitions",
			Help: "Number of currently loaded route definitions",
		},
	)

	m.RouterDispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_router_dispatch_errors_total",
			Help: "Total number of results that could not be handed to an adaptor",
		},
		[]string{"route"},
	)

	// Timeout metrics
	m.TimeoutsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruleflow_timeouts_registered_total",
			Help: "Total number of timeout tasks registered",
		},
	)

	m.TimeoutsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruleflow_timeouts_fired_total",
			Help: "Total number of timeout tasks that expired",
		},
	)

	m.TimeoutsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruleflow_timeouts_cancelled_total",
			Help: "Total number of timeout tasks cancelled before expiry",
		},
	)

	m.TimeoutsUnregistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruleflow_timeouts_unregistered_total",
			Help: "Total number of timeout tasks removed without notification",
		},
	)

	m.TimeoutsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleflow_timeouts_live",
			Help: "Number of currently scheduled timeout tasks",
		},
	)

	// Adaptor metrics
	m.AdaptorDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_adaptor_dispatch_total",
			Help: "Total number of adaptor dispatch outcomes",
		},
		[]string{"adaptor", "outcome"},
	)

	m.AdaptorDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruleflow_adaptor_dispatch_duration_seconds",
			Help:    "Time from dispatch to outcome in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adaptor"},
	)

	// Distribution metrics
	m.DistributionSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_distribution_submitted_total",
			Help: "Total number of accepted distribution jobs",
		},
		[]string{"scheme"},
	)

	m.DistributionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_distribution_rejected_total",
			Help: "Total number of rejected distribution jobs",
		},
		[]string{"reason"}, // busy, unsupported_scheme, queue_full, closed
	)

	m.DistributionCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_distribution_completed_total",
			Help: "Total number of finished distribution jobs",
		},
		[]string{"scheme", "outcome"},
	)

	m.DistributionInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleflow_distribution_in_flight",
			Help: "Number of distribution jobs currently transferring",
		},
	)

	m.DistributionBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_distribution_bytes_total",
			Help: "Total number of bytes transferred",
		},
		[]string{"scheme"},
	)

	m.DistributionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruleflow_distribution_duration_seconds",
			Help:    "Distribution transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"scheme"},
	)

	m.DistributionClaimsHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleflow_distribution_claims_held",
			Help: "Number of destination keys currently claimed",
		},
	)

	// Notifier metrics
	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruleflow_notifier_connections_active",
			Help: "Number of active outcome stream connections",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruleflow_notifier_events_published_total",
			Help: "Total number of notifications published",
		},
		[]string{"kind"},
	)

	m.NotifierEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruleflow_notifier_events_dropped_total",
			Help: "Total number of notifications dropped for slow subscribers",
		},
	)

	return m
}
