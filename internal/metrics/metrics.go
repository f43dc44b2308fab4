// Package metrics exposes Prometheus collectors for the clipbrief service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webhookEventsTotal         *prometheus.CounterVec
	webhookDroppedTotal        prometheus.Counter
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	analysisAttemptsTotal      *prometheus.CounterVec
	credentialSelectionsTotal  *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	artifactMergesTotal        *prometheus.CounterVec
	statusEditsTotal           *prometheus.CounterVec
	rateLimitedTotal           *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		webhookEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_webhook_events_total",
				Help: "Inbound webhook updates, labeled by event kind.",
			},
			[]string{"kind"},
		)

		webhookDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clipbrief_webhook_dropped_total",
				Help: "Inbound updates dropped because the work queue was full.",
			},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_downloads_total",
				Help: "Video downloads, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_download_bytes_total",
				Help: "Bytes written by successful downloads, labeled by site.",
			},
			[]string{"site"},
		)

		analysisAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_analysis_attempts_total",
				Help: "Calls to the analysis service, labeled by model and outcome.",
			},
			[]string{"model", "outcome"},
		)

		credentialSelectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_credential_selections_total",
				Help: "Credential selections, labeled by key fingerprint.",
			},
			[]string{"fingerprint"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_jobs_total",
				Help: "Jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		artifactMergesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_artifact_merges_total",
				Help: "Re-run artifact merges, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		statusEditsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_status_edits_total",
				Help: "Status message sends and edits, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipbrief_rate_limited_total",
				Help: "Requests refused or delayed by a rate limiter, labeled by scope.",
			},
			[]string{"scope"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipbrief_active_workers",
				Help: "Number of workers currently processing an event.",
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
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveWebhookEvent counts an accepted webhook update of the given kind.
func ObserveWebhookEvent(kind string) {
	Init()
	webhookEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveWebhookDropped counts an update that could not be queued.
func ObserveWebhookDropped() {
	Init()
	webhookDroppedTotal.Inc()
}

// ObserveDownload records a download outcome for the URL's site.
func ObserveDownload(rawURL string, status string, bytes int64) {
	Init()
	site := SanitizeSite(rawURL)
	downloadsTotal.WithLabelValues(site, status).Inc()
	if bytes > 0 {
		downloadBytesTotal.WithLabelValues(site).Add(float64(bytes))
	}
}

// ObserveAnalysisAttempt records one call to the analysis service.
func ObserveAnalysisAttempt(model, outcome string) {
	Init()
	analysisAttemptsTotal.WithLabelValues(model, outcome).Inc()
}

// ObserveCredentialSelection records that the key with fingerprint was handed out.
func ObserveCredentialSelection(fingerprint string) {
	Init()
	credentialSelectionsTotal.WithLabelValues(fingerprint).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveArtifactMerge records a re-run merge outcome.
func ObserveArtifactMerge(outcome string) {
	Init()
	artifactMergesTotal.WithLabelValues(outcome).Inc()
}

// ObserveStatusEdit records a status message send or edit.
func ObserveStatusEdit(outcome string) {
	Init()
	statusEditsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited records a refusal or delay by the limiter for scope.
func ObserveRateLimited(scope string) {
	Init()
	rateLimitedTotal.WithLabelValues(scope).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
