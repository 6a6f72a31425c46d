// Package server exposes the HTTP surface of the orchestrator: instance
// creation and status polling, the instance ready callback and the billing
// event webhook. Provisioning runs off the request path on a bounded
// worker pool; callers get 202 Accepted and poll for status.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"vpsforge/internal/config"
	"vpsforge/internal/logging"
	"vpsforge/internal/orchestrator"
)

// Server wraps the HTTP server and the provisioning worker pool
type Server struct {
	http *http.Server
	orch *orchestrator.Orchestrator
	pool pond.Pool
}

// New builds the HTTP server with its routes and middleware
func New(cfg *config.Config, orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		orch: orch,
		pool: pond.NewPool(cfg.Server.ProvisionWorkers),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger())

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/instances", s.handleCreateInstance)
		r.Get("/instances/{id}", s.handleGetInstance)
		r.Post("/instances/{id}/ready", s.handleReadyCallback)
		r.Post("/billing/events", s.handleBillingEvent)
	})

	s.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start runs the HTTP server, blocking until shutdown or error
func (s *Server) Start() error {
	logging.Logger().Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the listener and drains the worker pool
func (s *Server) Stop(ctx context.Context) error {
	logging.Logger().Info("HTTP server shutting down")
	err := s.http.Shutdown(ctx)
	s.pool.StopAndWait()
	return err
}
