package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of the service. A nil *Metrics is valid and
// records nothing, so packages can be used without a registry.
type Metrics struct {
	transitions      *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryLatency  prometheus.Histogram
	outboxDispatched *prometheus.CounterVec
	sweepProcessed   *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	gatherer         prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convention_transitions_total",
				Help: "Requested convention transitions by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_deliveries_total",
				Help: "Partner delivery attempts by resulting ledger status.",
			},
			[]string{"status"},
		),
		deliveryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broadcast_delivery_duration_seconds",
				Help:    "Partner delivery latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		outboxDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_events_dispatched_total",
				Help: "Outbox events handed to a consumer, by consumer and outcome.",
			},
			[]string{"consumer", "outcome"},
		),
		sweepProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_items_processed_total",
				Help: "Items handled by periodic sweeps.",
			},
			[]string{"sweep"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.transitions, m.deliveries, m.deliveryLatency, m.outboxDispatched, m.sweepProcessed, m.httpRequests, m.httpLatency)
	return m
}

func (m *Metrics) IncTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveDelivery(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
	m.deliveryLatency.Observe(d.Seconds())
}

func (m *Metrics) IncOutboxDispatch(consumer, outcome string) {
	if m == nil {
		return
	}
	m.outboxDispatched.WithLabelValues(consumer, outcome).Inc()
}

func (m *Metrics) AddSweepProcessed(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepProcessed.WithLabelValues(sweep).Add(float64(n))
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Instrument records count and latency of requests. route labels the request
// so ids in paths do not explode cardinality.
func (m *Metrics) Instrument(route func(*http.Request) string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(srw, r)
		status := strconv.Itoa(srw.statusCode)
		label := route(r)
		m.httpRequests.WithLabelValues(r.Method, label, status).Inc()
		m.httpLatency.WithLabelValues(r.Method, label, status).Observe(time.Since(start).Seconds())
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
