// Package metrics exposes Prometheus instruments for the incident lifecycle,
// the realtime hub and the HTTP layer.
//
// All methods are safe on a nil *Metrics so components can be built without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gangaguard"

// Transition results.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	incidentsSubmitted  *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	pointsAwarded       prometheus.Counter
	nearbyResults       prometheus.Histogram
	realtimeConnections prometheus.Gauge
	notifyFailures      *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New registers every instrument on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		incidentsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_submitted_total",
			Help:      "Incidents created, by whether coordinates were supplied or defaulted.",
		}, []string{"location"}),

		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Claim and complete attempts by outcome.",
		}, []string{"transition", "result"}),

		pointsAwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Points written to the reward ledger.",
		}),

		nearbyResults: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "nearby_results",
			Help:      "Incidents returned per nearby query.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 200},
		}),

		realtimeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Connected websocket clients.",
		}),

		notifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_publish_failures_total",
			Help:      "Events that could not be published.",
		}, []string{"event"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"method", "route", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) IncidentSubmitted(defaulted bool) {
	if m == nil {
		return
	}
	label := "supplied"
	if defaulted {
		label = "default"
	}
	m.incidentsSubmitted.WithLabelValues(label).Inc()
}

// Transition counts a claim or complete attempt.
func (m *Metrics) Transition(transition, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition, result).Inc()
}

func (m *Metrics) PointsAwarded(points int64) {
	if m == nil {
		return
	}
	m.pointsAwarded.Add(float64(points))
}

func (m *Metrics) NearbyReturned(n int) {
	if m == nil {
		return
	}
	m.nearbyResults.Observe(float64(n))
}

// SetConnections satisfies realtime.ConnectionObserver.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.realtimeConnections.Set(float64(n))
}

func (m *Metrics) PublishFailed(event string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(event).Inc()
}

// ObserveHTTP records one finished request. route is the router pattern
// ("/api/incidents/{id}/accept"), never the raw path, to bound cardinality.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
