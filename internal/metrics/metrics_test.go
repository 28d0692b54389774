package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	metrics := GetMetrics()
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	assert.NotNil(t, m.APIRequestsTotal)
	assert.NotNil(t, m.APIRequestDuration)
	assert.NotNil(t, m.APIErrorsTotal)
	assert.NotNil(t, m.APIActiveConnections)

	assert.NotNil(t, m.StorageOperations)
	assert.NotNil(t, m.StorageOperationDuration)
	assert.NotNil(t, m.RouteCacheHits)
	assert.NotNil(t, m.RouteCacheMisses)

	assert.NotNil(t, m.RouterEventsTotal)
	assert.NotNil(t, m.RouterResultsTotal)
	assert.NotNil(t, m.RouterRuleFaults)
	assert.NotNil(t, m.RouterEventDuration)
	assert.NotNil(t, m.RouterDefinitions)
	assert.NotNil(t, m.RouterDispatchErrors)

	assert.NotNil(t, m.TimeoutsRegistered)
	assert.NotNil(t, m.TimeoutsFired)
	assert.NotNil(t, m.TimeoutsCancelled)
	assert.NotNil(t, m.TimeoutsUnregistered)
	assert.NotNil(t, m.TimeoutsLive)

	assert.NotNil(t, m.AdaptorDispatchTotal)
	assert.NotNil(t, m.AdaptorDispatchDuration)

	assert.NotNil(t, m.DistributionSubmitted)
	assert.NotNil(t, m.DistributionRejected)
	assert.NotNil(t, m.DistributionCompleted)
	assert.NotNil(t, m.DistributionInFlight)
	assert.NotNil(t, m.DistributionBytes)
	assert.NotNil(t, m.DistributionDuration)
	assert.NotNil(t, m.DistributionClaimsHeld)

	assert.NotNil(t, m.NotifierConnectionsActive)
	assert.NotNil(t, m.NotifierEventsPublished)
	assert.NotNil(t, m.NotifierEventsDropped)
}

func TestMetricsOperations(t *testing.T) {
	// Isolated registry so the test does not depend on global state
	registry := prometheus.NewRegistry()

	rejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_distribution_rejected_total",
			Help: "Test metric",
		},
		[]string{"reason"},
	)
	registry.MustRegister(rejected)

	live := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "test_timeouts_live",
			Help: "Test metric",
		},
	)
	registry.MustRegister(live)

	rejected.WithLabelValues("busy").Inc()
	rejected.WithLabelValues("busy").Add(2)
	rejected.WithLabelValues("queue_full").Inc()

	live.Inc()
	live.Inc()
	live.Dec()

	assert.Equal(t, float64(3), counterValue(t, rejected.WithLabelValues("busy")))
	assert.Equal(t, float64(1), counterValue(t, rejected.WithLabelValues("queue_full")))

	var g dto.Metric
	assert.NoError(t, live.Write(&g))
	assert.Equal(t, float64(1), g.GetGauge().GetValue())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	assert.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func BenchmarkMetricsOperations(b *testing.B) {
	registry := prometheus.NewRegistry()

	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_counter_vec",
			Help: "Benchmark counter vec",
		},
		[]string{"adaptor", "outcome"},
	)
	registry.MustRegister(counterVec)

	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchmark_histogram",
			Help:    "Benchmark histogram",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
	)
	registry.MustRegister(histogram)

	b.Run("CounterVec.WithLabelValues", func(b *testing.B) {
		outcomes := []string{"success", "error", "timeout"}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			counterVec.WithLabelValues("rpc", outcomes[i%len(outcomes)]).Inc()
		}
	})

	b.Run("Histogram.Observe", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			histogram.Observe(float64(i) / 1000.0)
		}
	})
}
