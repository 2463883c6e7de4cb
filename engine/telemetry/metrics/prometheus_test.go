package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusProviderCounterIncrementsAndRejectsNonPositiveDelta(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "enose", Subsystem: "test", Name: "widgets_total", Help: "widgets"}})

	c.Inc(1)
	c.Inc(2)
	c.Inc(-5) // must be ignored; counters never decrease

	metrics, err := p.reg.Gather()
	require.NoError(t, err)
	m := findMetric(t, metrics, "enose_test_widgets_total")
	assert.Equal(t, 3.0, m.GetCounter().GetValue())
}

func TestPrometheusProviderGaugeSetAndAdd(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "enose", Subsystem: "test", Name: "queue_depth", Help: "depth"}})

	g.Set(10)
	g.Add(-3)

	metrics, err := p.reg.Gather()
	require.NoError(t, err)
	m := findMetric(t, metrics, "enose_test_queue_depth")
	assert.Equal(t, 7.0, m.GetGauge().GetValue())
}

func TestPrometheusProviderHistogramObserve(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "enose", Subsystem: "test", Name: "step_seconds", Help: "duration"}})

	h.Observe(0.5)
	h.Observe(1.5)

	metrics, err := p.reg.Gather()
	require.NoError(t, err)
	m := findMetric(t, metrics, "enose_test_step_seconds")
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
}

func TestPrometheusProviderInvalidMetricNameFallsBackToNoop(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "0-not-a-valid-name"}})
	// A noop counter silently discards rather than panicking.
	c.Inc(1)

	assert.NoError(t, p.Health(context.Background()))
}

func TestPrometheusProviderReturnsSameCollectorOnRepeatedRegistration(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	opts := CounterOpts{CommonOpts: CommonOpts{Namespace: "enose", Subsystem: "test", Name: "repeat_total", Help: "x"}}

	c1 := p.NewCounter(opts)
	c2 := p.NewCounter(opts)

	c1.Inc(1)
	c2.Inc(1)

	metrics, err := p.reg.Gather()
	require.NoError(t, err)
	m := findMetric(t, metrics, "enose_test_repeat_total")
	assert.Equal(t, 2.0, m.GetCounter().GetValue(), "both handles must refer to the same underlying collector")
}

func TestPrometheusProviderCardinalityWarningFiresOncePastLimit(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{CardinalityLimit: 2})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "enose", Subsystem: "test", Name: "labeled_total", Help: "x", Labels: []string{"id"}}})

	c.Inc(1, "a")
	c.Inc(1, "b")
	c.Inc(1, "c") // exceeds the limit of 2 distinct label sets
	c.Inc(1, "d") // must not double-count the warning

	metrics, err := p.reg.Gather()
	require.NoError(t, err)
	m := findMetric(t, metrics, "enose_internal_cardinality_exceeded_total")
	assert.Equal(t, 1.0, m.GetCounter().GetValue(), "the warning counter must increment exactly once for this metric id")
}

func TestMetricsHandlerServesRegisteredMetrics(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "enose", Subsystem: "test", Name: "served_total", Help: "x"}})
	c.Inc(1)
	assert.NotNil(t, p.MetricsHandler())

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "enose_test_served_total 1")
}

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.Metric {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() == name {
			require.NotEmpty(t, fam.Metric)
			return fam.Metric[0]
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}
