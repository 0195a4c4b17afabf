package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "joatu"

// Metrics holds the collectors of one process on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	matchRuns       *prometheus.CounterVec
	matchCandidates prometheus.Histogram
	responseLinks   *prometheus.CounterVec
	recordStatus    *prometheus.CounterVec
	agreementStatus *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	searches        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		matchRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matchmaker", Name: "runs_total",
			Help: "Matchmaker invocations by source kind.",
		}, []string{"kind"}),
		matchCandidates: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "matchmaker", Name: "candidates",
			Help:    "Number of candidates returned per match.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		responseLinks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "responses", Name: "links_total",
			Help: "Response links created by source kind.",
		}, []string{"source_kind"}),
		recordStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "records", Name: "transitions_total",
			Help: "Offer and request status transitions.",
		}, []string{"kind", "status"}),
		agreementStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agreements", Name: "transitions_total",
			Help: "Agreement status transitions.",
		}, []string{"status"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "deliveries_total",
			Help: "Notification deliveries by dispatcher and result.",
		}, []string{"dispatcher", "result"}),
		searches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search", Name: "queries_total",
			Help: "Search/filter queries by kind.",
		}, []string{"kind"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

// All recorders accept a nil receiver so metrics stay optional.

func (m *Metrics) MatchComputed(kind string, candidates int) {
	if m == nil {
		return
	}
	m.matchRuns.WithLabelValues(kind).Inc()
	m.matchCandidates.Observe(float64(candidates))
}

func (m *Metrics) ResponseLinkCreated(sourceKind string) {
	if m == nil {
		return
	}
	m.responseLinks.WithLabelValues(sourceKind).Inc()
}

func (m *Metrics) RecordTransition(kind, status string) {
	if m == nil {
		return
	}
	m.recordStatus.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) AgreementTransition(status string) {
	if m == nil {
		return
	}
	m.agreementStatus.WithLabelValues(status).Inc()
}

func (m *Metrics) NotificationDelivered(dispatcher string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(dispatcher, result).Inc()
}

func (m *Metrics) SearchPerformed(kind string) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(kind).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency labelled by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
