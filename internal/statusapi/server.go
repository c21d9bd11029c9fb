// Package statusapi serves the monitoring surface: the per-provider
// capacity summary as JSON, Prometheus text metrics, and a health check.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/modelgate/internal/metrics"
	"github.com/allaspectsdev/modelgate/internal/registry"
	"github.com/allaspectsdev/modelgate/internal/router"
	"github.com/allaspectsdev/modelgate/internal/version"
)

// Server exposes the status endpoints over HTTP.
type Server struct {
	router    chi.Router
	reg       *registry.Registry
	rtr       *router.Router
	collector *metrics.Collector
	addr      string
	logger    zerolog.Logger
	server    *http.Server
}

// summaryResponse is the /status/summary payload.
type summaryResponse struct {
	Version     string                        `json:"version"`
	Providers   []registry.ProviderStatus     `json:"providers"`
	Assignments map[string]string             `json:"assignments,omitempty"`
	Switches    map[string]router.SwitchStats `json:"switches,omitempty"`
	Stats       *metrics.Stats                `json:"stats"`
}

// New creates a status Server. rtr may be nil when only the rotation
// wrapper is in use; the switches section is then zero.
func New(reg *registry.Registry, rtr *router.Router, collector *metrics.Collector, addr string, logger zerolog.Logger) *Server {
	s := &Server{
		reg:       reg,
		rtr:       rtr,
		collector: collector,
		addr:      addr,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/status/summary", s.handleSummary)
	r.Get("/metrics", metrics.PrometheusHandler(collector, reg.Summary))

	s.router = r
	return s
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("status server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the status server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	resp := summaryResponse{
		Version:   version.Version,
		Providers: s.reg.Summary(),
		Stats:     s.collector.Stats(),
	}
	if s.rtr != nil {
		resp.Assignments = s.rtr.Assignments()
		resp.Switches = s.rtr.Switches()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}
