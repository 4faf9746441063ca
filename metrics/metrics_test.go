package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.IncTransition("sign", "applied")
		m.ObserveDelivery("SUCCESS", time.Second)
		m.IncOutboxDispatch("broadcast:partner", "processed")
		m.AddSweepProcessed("obsolescence", 3)
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	m.Instrument(func(*http.Request) string { return "/" }, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncTransition("sign", "applied")
	m.IncTransition("sign", "applied")
	m.IncTransition("validate", "refused")
	m.ObserveDelivery("ERROR", 20*time.Millisecond)
	m.AddSweepProcessed("broadcast-retry", 0)
	m.AddSweepProcessed("broadcast-retry", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("sign", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("validate", "refused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ERROR")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sweepProcessed.WithLabelValues("broadcast-retry")))
}

func TestInstrumentAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	h := m.Instrument(func(*http.Request) string { return "/conventions/{id}" }, next)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conventions/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/conventions/{id}", "404")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}
