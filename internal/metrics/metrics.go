// Package metrics exposes Prometheus collectors for the activity scout.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal      *prometheus.CounterVec
	fetchDurationSeconds    *prometheus.HistogramVec
	rateLimitDelaysSeconds  *prometheus.HistogramVec
	rateLimitBackoffSeconds *prometheus.HistogramVec
	renderSlotsInUse        prometheus.Gauge
	robotsLookupsTotal      *prometheus.CounterVec
	activeURLWorkers        prometheus.Gauge
	httpRequestsTotal       *prometheus.CounterVec
	httpDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors on the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_fetch_attempts_total",
				Help: "Fetch attempts partitioned by site, method and result.",
			},
			[]string{"site", "method", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scout_fetch_duration_seconds",
				Help:    "Latency of individual fetch attempts.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scout_rate_limit_delays_seconds",
				Help:    "Histogram of per-origin politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		rateLimitBackoffSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scout_rate_limit_backoff_seconds",
				Help:    "Backoff applied after failed fetch attempts.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"site"},
		)

		renderSlotsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scout_render_slots_in_use",
				Help: "Headless browser pages currently open.",
			},
		)

		robotsLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_robots_lookups_total",
				Help: "robots.txt fetches partitioned by verdict.",
			},
			[]string{"verdict"},
		)

		activeURLWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scout_active_url_workers",
				Help: "URL candidates currently moving through the pipeline.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_http_requests_total",
				Help: "Requests served by the ops listener.",
			},
			[]string{"method", "route", "status"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scout_http_request_duration_seconds",
				Help:    "Latency of requests served by the ops listener.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt records one fetch attempt and its latency.
func ObserveFetchAttempt(site, method, result string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(SanitizeSite(site), method, result).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
	}
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveBackoff records a failure-driven backoff window.
func ObserveBackoff(site string, duration time.Duration) {
	Init()
	rateLimitBackoffSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveRobotsLookup counts a robots.txt fetch by verdict.
func ObserveRobotsLookup(verdict string) {
	Init()
	robotsLookupsTotal.WithLabelValues(verdict).Inc()
}

// IncRenderSlots increments the render slots gauge.
func IncRenderSlots() {
	Init()
	renderSlotsInUse.Inc()
}

// DecRenderSlots decrements the render slots gauge.
func DecRenderSlots() {
	Init()
	renderSlotsInUse.Dec()
}

// IncActiveWorkers increments the active URL workers gauge.
func IncActiveWorkers() {
	Init()
	activeURLWorkers.Inc()
}

// DecActiveWorkers decrements the active URL workers gauge.
func DecActiveWorkers() {
	Init()
	activeURLWorkers.Dec()
}

// ObserveHTTPRequest records one request served by the ops listener.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
