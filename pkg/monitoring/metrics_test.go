package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistry_NewCounter(t *testing.T) {
	registry := NewMetricsRegistry(DefaultMetricsConfig())

	counter, err := registry.NewCounter("test_counter", "Test counter metric", "label1", "label2")
	require.NoError(t, err)
	assert.Equal(t, "wt_test_counter", counter.name)
	assert.Equal(t, []string{"label1", "label2"}, counter.labels)

	_, err = registry.NewCounter("test_counter", "Duplicate counter", "label1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestMetricsRegistry_NoNamespace(t *testing.T) {
	registry := NewMetricsRegistry(&MetricsConfig{Enabled: true})

	gauge, err := registry.NewGauge("plain", "No namespace")
	require.NoError(t, err)
	assert.Equal(t, "plain", gauge.name)
}

func TestMetricsRegistry_NewHistogramSortsBuckets(t *testing.T) {
	registry := NewMetricsRegistry(nil)

	histogram, err := registry.NewHistogram("test_histogram", "Test histogram", []float64{5, 0.1, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 1, 5}, histogram.buckets)

	defaults, err := registry.NewHistogram("test_histogram_default", "Defaults", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, defaults.buckets)
}

func TestCounter_Operations(t *testing.T) {
	registry := NewMetricsRegistry(nil)
	counter, err := registry.NewCounter("requests", "Requests", "resource_id")
	require.NoError(t, err)

	counter.Inc("r1")
	counter.Add(4, "r1")
	counter.Inc("r2")

	assert.Equal(t, float64(5), counter.Get("r1"))
	assert.Equal(t, float64(1), counter.Get("r2"))
	assert.Equal(t, float64(0), counter.Get("r3"))

	assert.Panics(t, func() { counter.Add(-1, "r1") })
	assert.Panics(t, func() { counter.Inc("r1", "extra") })
}

func TestGauge_Operations(t *testing.T) {
	registry := NewMetricsRegistry(nil)
	gauge, err := registry.NewGauge("open", "Open", "resource_id")
	require.NoError(t, err)

	gauge.Set(3, "r1")
	gauge.Inc("r1")
	gauge.Dec("r1")
	gauge.Dec("r1")
	assert.Equal(t, float64(2), gauge.Get("r1"))

	gauge.SetToCurrentTime("r2")
	assert.Greater(t, gauge.Get("r2"), float64(0))
}

func TestHistogram_CumulativeBuckets(t *testing.T) {
	registry := NewMetricsRegistry(nil)
	histogram, err := registry.NewHistogram("latency", "Latency", []float64{0.1, 1, 10}, "resource_id")
	require.NoError(t, err)

	histogram.Observe(0.0625, "r1")
	histogram.Observe(0.5, "r1")
	histogram.Observe(50, "r1")
	assert.Equal(t, uint64(3), histogram.Count("r1"))

	output, err := registry.GatherPrometheusFormat()
	require.NoError(t, err)
	assert.Contains(t, output, "# TYPE wt_latency histogram")
	assert.Contains(t, output, `wt_latency_bucket{resource_id="r1",le="0.1"} 1`)
	assert.Contains(t, output, `wt_latency_bucket{resource_id="r1",le="1"} 2`)
	assert.Contains(t, output, `wt_latency_bucket{resource_id="r1",le="10"} 2`)
	assert.Contains(t, output, `wt_latency_bucket{resource_id="r1",le="+Inf"} 3`)
	assert.Contains(t, output, `wt_latency_sum{resource_id="r1"} 50.5625`)
	assert.Contains(t, output, `wt_latency_count{resource_id="r1"} 3`)
}

func TestHistogram_InitExportsEmptySeries(t *testing.T) {
	registry := NewMetricsRegistry(nil)
	histogram, err := registry.NewHistogram("latency", "Latency", []float64{1}, "resource_id")
	require.NoError(t, err)

	histogram.Init("r1")
	assert.Equal(t, uint64(0), histogram.Count("r1"))
	output, err := registry.GatherPrometheusFormat()
	require.NoError(t, err)
	assert.Contains(t, output, `wt_latency_count{resource_id="r1"} 0`)
}

func TestMetricsRegistry_CustomLabels(t *testing.T) {
	config := DefaultMetricsConfig()
	config.CustomLabels["host"] = "gw1"
	registry := NewMetricsRegistry(config)

	counter, err := registry.NewCounter("hits", "Hits")
	require.NoError(t, err)
	counter.Inc()

	output, err := registry.GatherPrometheusFormat()
	require.NoError(t, err)
	assert.Contains(t, output, `wt_hits{host="gw1"} 1`)
}

func TestMetricsRegistry_GatherSortsFamilies(t *testing.T) {
	registry := NewMetricsRegistry(nil)
	_, err := registry.NewGauge("b", "B")
	require.NoError(t, err)
	a, err := registry.NewCounter("a", "A")
	require.NoError(t, err)
	a.Inc()

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1, "vectors without series are not exported")
	assert.Equal(t, "wt_a", families[0].GetName())
	assert.Equal(t, float64(1), families[0].GetMetric()[0].GetCounter().GetValue())
}

func TestMetricsRegistry_CustomLabelCollision(t *testing.T) {
	config := DefaultMetricsConfig()
	config.CustomLabels["resource_id"] = "fixed"
	registry := NewMetricsRegistry(config)

	_, err := registry.NewCounter("hits", "Hits", "resource_id")
	assert.Error(t, err)
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry(nil)
	counter, err := registry.NewCounter("hits", "Hits", "endpoint")
	require.NoError(t, err)
	counter.Inc("/health")

	t.Run("prometheus", func(t *testing.T) {
		rec := httptest.NewRecorder()
		registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
		assert.Contains(t, rec.Body.String(), `wt_hits{endpoint="/health"} 1`)
	})

	t.Run("gzip", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		registry.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	})
}

func TestGatewayMetrics_InitResource(t *testing.T) {
	m, err := NewGatewayMetrics(nil)
	require.NoError(t, err)

	m.InitResource("r1")
	m.InitEndpoint("/queries/{name}")

	output, err := m.Registry.GatherPrometheusFormat()
	require.NoError(t, err)
	assert.Contains(t, output, `wt_created_connections_total{resource_id="r1"} 0`)
	assert.Contains(t, output, `wt_conn_creation_errors_total{error_type="timeout",resource_id="r1"} 0`)
	assert.Contains(t, output, `wt_request_slot_errors_total{error_type="overload",resource_id="r1"} 0`)
	assert.Contains(t, output, `wt_open_connections{resource_id="r1"} 0`)
	assert.Contains(t, output, `wt_query_rows_count{resource_id="r1"} 0`)
	assert.Contains(t, output, `wt_requests_total{endpoint="/queries/{name}"} 0`)
}

func TestGatewayMetrics_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry(nil)
	_, err := NewGatewayMetrics(registry)
	require.NoError(t, err)

	_, err = NewGatewayMetrics(registry)
	assert.Error(t, err)
}
