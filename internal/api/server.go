// Package api provides the HTTP status API of the sync engine.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/kbsync/internal/api/common"
	"github.com/stacklok/kbsync/internal/versions"
)

var errTriggerRejected = errors.New("sync triggers are only accepted while serving")

// ServerOption configures the status API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler mounts h at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// NewServer creates and configures the HTTP router with the given service and options
func NewServer(svc Service, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	h := &handlers{svc: svc}

	r.Get("/health", h.health)
	r.Get("/readiness", h.readiness)
	r.Get("/version", h.version)

	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/targets", h.listTargets)
		r.Get("/targets/{id}", h.getTarget)
		r.Post("/sync", h.triggerSync)
	})

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type handlers struct {
	svc Service
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *handlers) readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CheckReadiness(r.Context()); err != nil {
		common.WriteError(w, http.StatusServiceUnavailable, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, ReadinessResponse{Status: "ready"})
}

func (*handlers) version(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSON(w, http.StatusOK, versions.GetInfo())
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	common.WriteJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handlers) listTargets(w http.ResponseWriter, r *http.Request) {
	common.WriteJSON(w, http.StatusOK, h.svc.Targets(r.Context()))
}

func (h *handlers) getTarget(w http.ResponseWriter, r *http.Request) {
	id, err := common.TargetID(r)
	if err != nil {
		common.WriteError(w, http.StatusBadRequest, err)
		return
	}

	for _, t := range h.svc.Targets(r.Context()) {
		if t.ID == id {
			common.WriteJSON(w, http.StatusOK, t)
			return
		}
	}
	common.WriteError(w, http.StatusNotFound, fmt.Errorf("target not found: %s", id))
}

func (h *handlers) triggerSync(w http.ResponseWriter, _ *http.Request) {
	if !h.svc.TriggerSync("api") {
		common.WriteError(w, http.StatusConflict, errTriggerRejected)
		return
	}
	common.WriteJSON(w, http.StatusAccepted, TriggerResponse{Status: "accepted"})
}
