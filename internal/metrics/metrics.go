// Package metrics exposes Prometheus collectors for the sync service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_fetch_total",
			Help: "Page fetches, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_fetch_bytes_total",
			Help: "Bytes received from page fetches and downloads, labeled by site.",
		},
		[]string{"site"},
	)

	downloadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_download_total",
			Help: "Attachment download attempts, labeled by response code.",
		},
		[]string{"code"},
	)

	authRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_auth_refresh_total",
			Help: "Session cookie refreshes, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	geocodeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_geocode_total",
			Help: "Geocoding lookups, labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_sync_runs_total",
			Help: "Completed sync runs, labeled by status.",
		},
		[]string{"status"},
	)

	syncTopicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geosync_sync_topics_total",
			Help: "Topics processed by sync runs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	syncPostsUpsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geosync_sync_posts_upserted_total",
			Help: "Posts upserted by sync runs.",
		},
	)

	syncRunDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geosync_sync_run_duration_seconds",
			Help:    "Histogram of sync run durations.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geosync_rate_limit_delay_seconds",
			Help:    "Histogram of rate limiter wait durations.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"key"},
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
)

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

// ObserveFetch records a page fetch outcome.
func ObserveFetch(rawURL, outcome string, bytesFetched int) {
	site := SanitizeSite(rawURL)
	fetchTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveDownload records an attachment download response code (0 for transport errors).
func ObserveDownload(rawURL string, code int, bytesFetched int) {
	downloadTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveAuthRefresh records a login attempt outcome.
func ObserveAuthRefresh(outcome string) {
	authRefreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveGeocode records a geocoding lookup outcome.
func ObserveGeocode(provider, outcome string) {
	geocodeTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveTopic records the outcome of one topic sync.
func ObserveTopic(outcome string) {
	syncTopicsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun records a finished sync run.
func ObserveRun(status string, postsUpserted int, duration time.Duration) {
	syncRunsTotal.WithLabelValues(status).Inc()
	if postsUpserted > 0 {
		syncPostsUpsertedTotal.Add(float64(postsUpserted))
	}
	syncRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
