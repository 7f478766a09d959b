// Package api provides the REST, SSE, and websocket surface of provd.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/wifientist/rtools2-sub001/internal/config"
	"github.com/wifientist/rtools2-sub001/internal/engine"
	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/state"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

// Server is the provd API server.
type Server struct {
	addr      string
	mux       *http.ServeMux
	logger    *slog.Logger
	cfg       *config.Config
	engine    *engine.Engine
	store     *state.Manager
	publisher events.Publisher
	workflows *workflow.Registry
	wsHandler *WSHandler

	httpServer *http.Server
}

// New creates the API server and registers its routes.
func New(cfg *config.Config, eng *engine.Engine, store *state.Manager,
	publisher events.Publisher, workflows *workflow.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      cfg.Addr,
		mux:       http.NewServeMux(),
		logger:    logger,
		cfg:       cfg,
		engine:    eng,
		store:     store,
		publisher: publisher,
		workflows: workflows,
	}
	s.wsHandler = NewWSHandler(publisher, logger)
	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes. Literal segments ("jobs",
// "healthz") take precedence over the {workflow} wildcards.
func (s *Server) registerRoutes() {
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID, X-Admin")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			h(w, r)
		}
	}

	s.mux.HandleFunc("GET /healthz", cors(s.handleHealth))
	s.mux.HandleFunc("GET /ws", s.wsHandler.ServeHTTP)

	// Generic job endpoints
	s.mux.HandleFunc("GET /jobs", cors(s.handleListJobs))
	s.mux.HandleFunc("DELETE /jobs", cors(s.handleDeleteJobs))
	s.mux.HandleFunc("GET /jobs/{id}/status", cors(s.handleJobStatus))
	s.mux.HandleFunc("GET /jobs/{id}/stream", cors(s.handleStream))
	s.mux.HandleFunc("POST /jobs/{id}/cancel", cors(s.handleCancel))

	// Per-workflow endpoints
	s.mux.HandleFunc("POST /{workflow}/plan", cors(s.handlePlan))
	s.mux.HandleFunc("GET /{workflow}/{job_id}/plan", cors(s.handleGetPlan))
	s.mux.HandleFunc("POST /{workflow}/{job_id}/confirm", cors(s.handleConfirm))
	s.mux.HandleFunc("GET /{workflow}/{job_id}/graph", cors(s.handleGraph))
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
