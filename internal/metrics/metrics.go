// Package metrics exposes Prometheus metrics for the service.
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

// Codec stages and outcomes.
const (
	StageDecode = "decode"
	StageEncode = "encode"

	OutcomeOK              = "ok"
	OutcomeInvalid         = "invalid"
	OutcomeTransformFailed = "transform_failed"

	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	codecResults *prometheus.CounterVec
	cacheResults *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegisterer(reg)
}

// NewWithRegisterer registers the collectors on r.
func NewWithRegisterer(r prometheus.Registerer) *Metrics {
	f := promauto.With(r)
	m := &Metrics{
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gis_polygon_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gis_polygon_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		),
		codecResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gis_polygon_codec_results_total",
				Help: "Geometry codec results by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		cacheResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gis_polygon_cache_results_total",
				Help: "Read cache results by outcome.",
			},
			[]string{"outcome"},
		),
	}
	if g, ok := r.(prometheus.Gatherer); ok {
		m.reg = g
	}
	return m
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	st := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, st).Inc()
	m.httpDuration.WithLabelValues(method, route, st).Observe(d.Seconds())
}

func (m *Metrics) Codec(stage, outcome string) {
	if m == nil {
		return
	}
	m.codecResults.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) Cache(outcome string) {
	if m == nil {
		return
	}
	m.cacheResults.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
