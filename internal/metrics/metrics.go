// Package metrics exposes Prometheus collectors for the provider pipeline.
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
	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_documents_total",
			Help: "Documents fetched and classified, labeled by sport, document type and shape.",
		},
		[]string{"sport", "document_type", "shape"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_fetch_duration_seconds",
			Help:    "Histogram of provider fetch latencies, labeled by site and outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"site", "outcome"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_fetch_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	fanOutChildrenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_fanout_children_total",
			Help: "Child DocumentRequested events emitted, labeled by child document type.",
		},
		[]string{"document_type"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_retries_total",
			Help: "Requests republished after a transient failure.",
		},
		[]string{"document_type"},
	)

	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_dead_letters_total",
			Help: "Requests that exhausted their attempt budget.",
		},
		[]string{"document_type"},
	)

	busPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_bus_published_total",
			Help: "Messages published, labeled by delivery mode and message type.",
		},
		[]string{"mode", "message_type"},
	)

	outboxRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provider_outbox_relayed_total",
			Help: "Outbox rows delivered to the transport.",
		},
	)

	outboxFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provider_outbox_failures_total",
			Help: "Outbox relay sends that failed and were left for the next poll.",
		},
	)

	tierTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_tier_transitions_total",
			Help: "Historical sourcing saga transitions, labeled by resulting status.",
		},
		[]string{"status"},
	)

	inFlightMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_inflight_messages",
			Help: "Number of bus messages currently being handled.",
		},
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

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
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

// ObserveDocument counts a classified document.
func ObserveDocument(sport, documentType, shape string) {
	documentsTotal.WithLabelValues(sport, documentType, shape).Inc()
}

// ObserveFetch records a provider fetch.
func ObserveFetch(site, outcome string, bytesFetched int, duration time.Duration) {
	sanitized := SanitizeSite(site)
	fetchDurationSeconds.WithLabelValues(sanitized, outcome).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveFanOut counts emitted children.
func ObserveFanOut(documentType string, children int) {
	if children > 0 {
		fanOutChildrenTotal.WithLabelValues(documentType).Add(float64(children))
	}
}

// ObserveRetry counts a republished request.
func ObserveRetry(documentType string) {
	retriesTotal.WithLabelValues(documentType).Inc()
}

// ObserveDeadLetter counts an exhausted request.
func ObserveDeadLetter(documentType string) {
	deadLettersTotal.WithLabelValues(documentType).Inc()
}

// ObservePublished counts published messages.
func ObservePublished(mode, messageType string, count int) {
	busPublishedTotal.WithLabelValues(mode, messageType).Add(float64(count))
}

// ObserveOutboxRelayed counts relayed outbox rows.
func ObserveOutboxRelayed(count int) {
	outboxRelayedTotal.Add(float64(count))
}

// ObserveOutboxFailure counts a failed relay send.
func ObserveOutboxFailure() {
	outboxFailuresTotal.Inc()
}

// ObserveTierTransition counts a saga transition into status.
func ObserveTierTransition(status string) {
	tierTransitionsTotal.WithLabelValues(status).Inc()
}

// IncInFlight increments the in-flight message gauge.
func IncInFlight() {
	inFlightMessages.Inc()
}

// DecInFlight decrements the in-flight message gauge.
func DecInFlight() {
	inFlightMessages.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
