package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_IncrementCounter(t *testing.T) {
	collector := NewPrometheusCollector("corral")
	collector.IncrementCounter("queries_total", "operation", "select")
	collector.IncrementCounter("queries_total", "operation", "select")

	counter := collector.counters["queries_total"]
	require.NotNil(t, counter, "counter should be created")

	value := testutil.ToFloat64(counter.WithLabelValues("select"))
	assert.Equal(t, float64(2), value)
}

func TestPrometheusCollector_RecordHistogram(t *testing.T) {
	collector := NewPrometheusCollector("corral")
	collector.RecordHistogram("query_duration", 0.42, "operation", "select")

	histogram := collector.histograms["query_duration"]
	require.NotNil(t, histogram, "histogram should be created")
	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestPrometheusCollector_RecordGauge(t *testing.T) {
	collector := NewPrometheusCollector("corral")
	collector.RecordGauge("active_sandboxes", 7)
	collector.RecordGauge("active_sandboxes", 5)

	gauge := collector.gauges["active_sandboxes"]
	require.NotNil(t, gauge, "gauge should be created")
	assert.Equal(t, 5.0, testutil.ToFloat64(gauge.WithLabelValues()))
}

func TestPrometheusCollector_StartTimer(t *testing.T) {
	collector := NewPrometheusCollector("corral")
	timer := collector.StartTimer("provision")
	seconds := timer.Stop()

	assert.GreaterOrEqual(t, seconds, 0.0)
	assert.NotNil(t, collector.histograms["provision_seconds"])
}

func TestPrometheusCollector_PrivateRegistries(t *testing.T) {
	// Two collectors registering the same metric name must not collide.
	a := NewPrometheusCollector("corral")
	b := NewPrometheusCollector("corral")
	assert.NotPanics(t, func() {
		a.IncrementCounter("queries_total", "operation", "select")
		b.IncrementCounter("queries_total", "operation", "select")
	})
}

func TestPrometheusCollector_Handler(t *testing.T) {
	collector := NewPrometheusCollector("corral")
	collector.IncrementCounter("queries_total", "operation", "select")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "corral_queries_total")
}

func TestNoOpCollector(t *testing.T) {
	collector := NewNoOpCollector()
	assert.NotPanics(t, func() {
		collector.IncrementCounter("anything", "k", "v")
		collector.RecordHistogram("anything", 1.0)
		collector.RecordGauge("anything", 1.0)
	})
	assert.GreaterOrEqual(t, collector.StartTimer("anything").Stop(), 0.0)
}
