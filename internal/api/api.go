// Package api exposes the engine over HTTP.
//
// It provides endpoints for registering workflows, managing leads and
// enrollments, ingesting engagement events from provider webhooks and
// reading workflow outcome statistics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/engine"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/tracker"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/workflow"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server handles HTTP requests against the engine.
type Server struct {
	store    store.Store
	registry *workflow.Registry
	engine   *engine.Engine
	tracker  *tracker.Tracker
	addr     string
	mux      *http.ServeMux
	srv      *http.Server
}

// NewServer creates an API server over the engine's collaborators.
func NewServer(st store.Store, reg *workflow.Registry, eng *engine.Engine, tr *tracker.Tracker, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		store:    st,
		registry: reg,
		engine:   eng,
		tracker:  tr,
		addr:     cfg.Addr,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)

	s.mux.HandleFunc("POST /workflows", s.registerWorkflowHandler)
	s.mux.HandleFunc("GET /workflows", s.listWorkflowsHandler)
	s.mux.HandleFunc("GET /workflows/{id}/stats", s.workflowStatsHandler)

	s.mux.HandleFunc("POST /leads", s.createLeadHandler)
	s.mux.HandleFunc("GET /leads/{id}", s.getLeadHandler)

	s.mux.HandleFunc("POST /enrollments", s.enrollHandler)
	s.mux.HandleFunc("GET /enrollments/{id}", s.getEnrollmentHandler)
	s.mux.HandleFunc("GET /enrollments/{id}/events", s.enrollmentEventsHandler)
	s.mux.HandleFunc("POST /enrollments/{id}/stop", s.stopEnrollmentHandler)
	s.mux.HandleFunc("POST /enrollments/{id}/pause", s.pauseEnrollmentHandler)
	s.mux.HandleFunc("POST /enrollments/{id}/resume", s.resumeEnrollmentHandler)

	s.mux.HandleFunc("POST /events", s.ingestEventHandler)
}

// Handle registers an extra handler, e.g. a channel service webhook.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Handler returns the server's routing handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("API server shutting down")
		return s.srv.Shutdown(shutdownCtx)
	}
}
