package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		namespace string
	}{
		{name: "default namespace", namespace: ""},
		{name: "custom namespace", namespace: "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := NewMetrics(tt.namespace)
			require.NotNil(t, m)
			assert.NotNil(t, m.Registry())
			assert.NotNil(t, m.Handler())
		})
	}
}

func TestMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.RecordRequest("GET", "status", 200, 10*time.Millisecond, 128)
	m.RecordRequest("GET", "status", 200, 20*time.Millisecond, 128)
	m.RecordRequest("GET", "", 404, time.Millisecond, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "status", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", UnmatchedRule, "404")))
}

func TestMetrics_InFlight(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.InFlight().Inc()
	m.InFlight().Inc()
	m.InFlight().Dec()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight()))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.SetBuildInfo("1.0.0", "abc", "now")
	m.RecordRequest("GET", "status", 200, time.Millisecond, 10)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "avaserve_requests_total")
	assert.Contains(t, rec.Body.String(), "avaserve_build_info")
}

func TestMetrics_RegisterCollector(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "extra_total", Help: "extra"})

	require.NoError(t, m.RegisterCollector(c))
	assert.Error(t, m.RegisterCollector(c))
}

func TestMetrics_RequestDurationHistogram(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.RecordRequest("GET", "status", 200, 10*time.Millisecond, 128)
	m.RecordRequest("GET", "status", 500, 30*time.Millisecond, 64)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var family *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "avaserve_request_duration_seconds" {
			family = mf
		}
	}
	require.NotNil(t, family)
	assert.Equal(t, dto.MetricType_HISTOGRAM, family.GetType())
	require.Len(t, family.GetMetric(), 1)

	h := family.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 0.04, h.GetSampleSum(), 1e-9)
}
