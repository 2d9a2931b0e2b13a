package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/config"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-ingest-crawler/internal/pipeline"
)

const (
	requestTimeout = 60 * time.Second
	readyTimeout   = 3 * time.Second
)

// Runner starts pipeline runs in the background.
type Runner interface {
	Start(ctx context.Context, opts pipeline.Options) (string, error)
	Status() pipeline.Status
}

// DescriptionBackfill starts description backfills in the background.
type DescriptionBackfill interface {
	Start(ctx context.Context) error
	Status() pipeline.BackfillStatus
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators behind the HTTP routes. Backfill, Runs and
// Checks may be nil.
type Deps struct {
	Runner   Runner
	Backfill DescriptionBackfill
	Runs     catalog.RunStore
	Checks   map[string]ReadinessCheck
}

// Server wires HTTP handlers to the orchestrator and the run log.
type Server struct {
	router  chi.Router
	baseCtx context.Context
	deps    Deps
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Runs started over
// HTTP inherit baseCtx, not the request context, so they outlive the request.
func NewServer(baseCtx context.Context, deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		baseCtx: baseCtx,
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
	history := NewRunHistoryHandler(deps.Runs, cfg.Source.Name, s.logger)

	r := chi.NewRouter()
	r.Use(otelhttp.NewMiddleware("catalog-api"))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/", history.ListRuns)
			r.Get("/status", s.runStatus)
			r.Get("/{run_id}", history.GetRun)
		})
		r.Route("/descriptions", func(r chi.Router) {
			r.Post("/backfill", s.startBackfill)
			r.Get("/status", s.backfillStatus)
		})
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
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Flows        []string `json:"flows"`
	Descriptions bool     `json:"descriptions"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts := pipeline.Options{Descriptions: req.Descriptions}
	for _, raw := range req.Flows {
		if raw == "all" {
			opts.Flows = nil
			break
		}
		flow, err := catalog.ParseFlow(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Flows = append(opts.Flows, flow)
	}

	runID, err := s.deps.Runner.Start(s.baseCtx, opts)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "accepted"})
}

func (s *Server) runStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Runner.Status())
}

func (s *Server) startBackfill(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "description backfill is not configured")
		return
	}
	if err := s.deps.Backfill.Start(s.baseCtx); err != nil {
		if errors.Is(err, pipeline.ErrRunActive) {
			writeError(w, http.StatusConflict, "a backfill is already in progress")
			return
		}
		s.logger.Error("start backfill failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start backfill")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) backfillStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "description backfill is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Backfill.Status())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
