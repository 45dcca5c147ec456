// Package metrics exposes process-wide Prometheus collectors for the ingest
// service. Per-run progress metrics live in progress/sinks.PrometheusSink.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	fetchersActive             prometheus.Gauge

	queueDepthFn atomic.Pointer[func() int]

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestd_http_requests_total",
				Help: "Total number of status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestd_http_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestd_robots_fallback_total",
				Help: "robots.txt probes that timed out and were treated as allow-all, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestd_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by limiter key.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"key"},
		)

		fetchersActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestd_fetchers_active",
				Help: "Number of fetchers currently pulling from their source.",
			},
		)

		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ingestd_queue_depth",
				Help: "Items waiting in the current run's queue.",
			},
			func() float64 {
				fn := queueDepthFn.Load()
				if fn == nil {
					return 0
				}
				return float64((*fn)())
			},
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

// TrackQueueDepth makes the queue depth gauge read from fn. Passing nil resets
// the gauge to zero.
func TrackQueueDepth(fn func() int) {
	if fn == nil {
		queueDepthFn.Store(nil)
		return
	}
	queueDepthFn.Store(&fn)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback(site string) {
	Init()
	robotsFallbackTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// IncFetchers increments the active fetchers gauge.
func IncFetchers() {
	Init()
	fetchersActive.Inc()
}

// DecFetchers decrements the active fetchers gauge.
func DecFetchers() {
	Init()
	fetchersActive.Dec()
}
