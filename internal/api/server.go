package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
)

// Intake accepts decoded events without blocking the webhook response.
type Intake interface {
	TryEnqueue(item clip.QueueItem) error
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Config controls routing and request handling.
type Config struct {
	WebhookPath    string
	WebhookSecret  string
	RequestTimeout time.Duration
	// ArtifactsDir enables /artifacts/* when non-empty.
	ArtifactsDir string
}

// Deps are the collaborators used by handlers.
type Deps struct {
	Jobs   clip.JobStore
	Intake Intake
	IDs    clip.IDGenerator
	Clock  clip.Clock
	Ready  map[string]ReadyCheck
}

// Server wires HTTP handlers to the queue and stores.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

const maxWebhookBody = 1 << 20

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(deps.IDs))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Get("/readyz", s.readyz)
		r.Post(cfg.WebhookPath, s.webhook)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Get("/", s.findJobByURL)
			r.Get("/{message_id}", s.getJob)
		})
		if cfg.ArtifactsDir != "" {
			r.Get("/artifacts/*", s.artifacts())
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// artifacts serves files from the artifact directory without listings.
func (s *Server) artifacts() http.HandlerFunc {
	files := http.StripPrefix("/artifacts/", http.FileServer(http.Dir(s.cfg.ArtifactsDir)))
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "*")
		if name == "" || strings.HasSuffix(name, "/") {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		files.ServeHTTP(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isNotFound(err error) bool {
	return errors.Is(err, clip.ErrJobNotFound)
}
