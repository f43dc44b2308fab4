package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://X.com/user/status/1", "x.com"},
		{"no scheme", "youtube.com/watch?v=1", "youtube.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	ObserveDownload("https://x.com/a/status/1", "ok", 1024)
	ObserveDownload("https://x.com/a/status/2", "error", 0)
	require.Equal(t, float64(1), testutil.ToFloat64(downloadsTotal.WithLabelValues("x.com", "ok")))
	require.Equal(t, float64(1024), testutil.ToFloat64(downloadBytesTotal.WithLabelValues("x.com")))

	ObserveAnalysisAttempt("gemini-2.5-flash", "quota")
	ObserveAnalysisAttempt("gemini-2.5-flash", "quota")
	require.Equal(t, float64(2), testutil.ToFloat64(analysisAttemptsTotal.WithLabelValues("gemini-2.5-flash", "quota")))

	before := testutil.ToFloat64(webhookDroppedTotal)
	ObserveWebhookDropped()
	require.Equal(t, before+1, testutil.ToFloat64(webhookDroppedTotal))

	IncActiveWorkers()
	DecActiveWorkers()
	require.Equal(t, float64(0), testutil.ToFloat64(activeWorkers))
}

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/healthz", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), float64(1))
	require.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), float64(1))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
