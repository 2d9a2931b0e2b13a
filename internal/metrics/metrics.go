// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchRequestsTotal         *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	fetchFailuresTotal         *prometheus.CounterVec
	fetchPacingWaitSeconds     prometheus.Histogram
	navigationWaitSeconds      *prometheus.HistogramVec
	sitemapEntriesTotal        *prometheus.CounterVec
	imageCacheLookupsTotal     *prometheus.CounterVec
	writerOpsTotal             *prometheus.CounterVec
	flowItemsTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetch_requests_total",
				Help: "Total fetch attempts dispatched, labeled by status class.",
			},
			[]string{"class"},
		)
		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetch_retries_total",
				Help: "Total retries scheduled, labeled by failure class.",
			},
			[]string{"class"},
		)
		fetchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetch_failures_total",
				Help: "Fetches that failed after exhausting retries, labeled by failure class.",
			},
			[]string{"class"},
		)
		fetchPacingWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalog_fetch_pacing_wait_seconds",
				Help:    "Time spent waiting for the global pacing slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)
		navigationWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_headless_navigation_wait_seconds",
				Help:    "Time page navigations waited for their host's rate limit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
		sitemapEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_sitemap_entries_total",
				Help: "Sitemap entries parsed, labeled by kind (product, image, fallback).",
			},
			[]string{"kind"},
		)
		imageCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_image_cache_lookups_total",
				Help: "Image cache lookups labeled by result (hit, fallback, empty).",
			},
			[]string{"result"},
		)
		writerOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_writer_ops_total",
				Help: "Upserts flushed by the ingestion writer, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		flowItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_flow_items_total",
				Help: "Items handled per flow, labeled by flow and outcome.",
			},
			[]string{"flow", "outcome"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass buckets an HTTP status code ("2xx", "4xx", ...); 0 means a transport error.
func StatusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveFetch counts one dispatched attempt.
func ObserveFetch(statusCode int) {
	Init()
	fetchRequestsTotal.WithLabelValues(StatusClass(statusCode)).Inc()
}

// ObserveRetry counts one scheduled retry.
func ObserveRetry(class string) {
	Init()
	fetchRetriesTotal.WithLabelValues(class).Inc()
}

// ObserveFetchFailure counts a fetch that exhausted its retries.
func ObserveFetchFailure(class string) {
	Init()
	fetchFailuresTotal.WithLabelValues(class).Inc()
}

// ObservePacingWait records how long a request waited for its dispatch slot.
func ObservePacingWait(d time.Duration) {
	Init()
	fetchPacingWaitSeconds.Observe(d.Seconds())
}

// ObserveNavigationWait records a rate limit wait before navigating to host.
func ObserveNavigationWait(host string, d time.Duration) {
	Init()
	navigationWaitSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveSitemapEntries adds n parsed entries of kind.
func ObserveSitemapEntries(kind string, n int) {
	if n <= 0 {
		return
	}
	Init()
	sitemapEntriesTotal.WithLabelValues(kind).Add(float64(n))
}

// ObserveImageLookup counts an image cache lookup result.
func ObserveImageLookup(result string) {
	Init()
	imageCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveWriterOps adds n flushed operations with outcome.
func ObserveWriterOps(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	writerOpsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveFlowItems adds n items for flow with outcome.
func ObserveFlowItems(flow, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	flowItemsTotal.WithLabelValues(flow, outcome).Add(float64(n))
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
