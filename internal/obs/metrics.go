// Package obs holds the Prometheus instrumentation for the service.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder registers and exposes the service's metrics. It satisfies the
// market data layer's Observer interface.
type Recorder struct {
	providerRequests *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	backtestRuns     *prometheus.CounterVec
	backtestDuration prometheus.Histogram
	rebalanceCalcs   *prometheus.CounterVec
	cacheEvents      *prometheus.CounterVec
}

// NewRecorder creates a recorder with all collectors registered on reg.
// Tests pass a fresh registry to avoid duplicate registration panics.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		providerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_provider_requests_total",
				Help: "Market data provider requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rebalancer_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"route", "method"},
		),
		backtestRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_backtest_runs_total",
				Help: "Backtest runs by final status",
			},
			[]string{"status"},
		),
		backtestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rebalancer_backtest_duration_seconds",
				Help:    "Wall-clock duration of backtest runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		rebalanceCalcs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_rebalance_calculations_total",
				Help: "Rebalance calculations by outcome",
			},
			[]string{"outcome"},
		),
		cacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_cache_events_total",
				Help: "Market data cache hits and misses by key prefix",
			},
			[]string{"prefix", "event"},
		),
	}
}

// RecordProviderRequest counts an upstream provider request.
func (r *Recorder) RecordProviderRequest(endpoint, outcome string) {
	r.providerRequests.WithLabelValues(endpoint, outcome).Inc()
}

// RecordBacktest counts a completed backtest run.
func (r *Recorder) RecordBacktest(status string, duration time.Duration) {
	r.backtestRuns.WithLabelValues(status).Inc()
	if status == "completed" {
		r.backtestDuration.Observe(duration.Seconds())
	}
}

// RecordRebalance counts a rebalance calculation.
func (r *Recorder) RecordRebalance(outcome string) {
	r.rebalanceCalcs.WithLabelValues(outcome).Inc()
}

// RecordCacheEvent counts a cache hit or miss.
func (r *Recorder) RecordCacheEvent(prefix, event string) {
	r.cacheEvents.WithLabelValues(prefix, event).Inc()
}

// Middleware instruments HTTP handlers. The mux route template keeps label
// cardinality low; requests outside the router fall back to the raw path.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route := req.URL.Path
		if current := mux.CurrentRoute(req); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}

		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, req)

		r.httpRequests.WithLabelValues(route, req.Method, strconv.Itoa(rw.status)).Inc()
		r.httpDuration.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
