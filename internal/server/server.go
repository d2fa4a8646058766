// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/debug"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/remote"
	"github.com/lazyaf/lazyaf/internal/engine/scheduler"
)

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer *http.Server
	streamer   *EventStreamer
}

// New creates and wires up the API server. It does NOT start listening;
// call Run() for that.
func New(
	cfg *config.ServerConfig,
	db *database.GormDB,
	bus *events.Bus,
	sched *scheduler.Scheduler,
	ctl *control.Service,
	tokens *control.TokenManager,
	dbg *debug.Service,
	runnerSocket *remote.SocketServer,
) *Server {
	registry := NewClientRegistry()
	streamer := NewEventStreamer(bus, registry)
	handlers := NewHandlers(db, sched, ctl, tokens, dbg)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	r.Route("/api", func(r chi.Router) {
		// Pipeline definitions and triggering
		r.Get("/pipelines", handlers.GetPipelines)
		r.Post("/pipelines", handlers.CreatePipeline)
		r.Get("/pipelines/{pipeline_id}", handlers.GetPipeline)
		r.Post("/pipelines/{pipeline_id}/trigger", handlers.TriggerPipeline)
		r.Post("/webhooks/push", handlers.PushWebhook)

		// Run inspection and control
		r.Get("/pipeline-runs/{run_id}", handlers.GetPipelineRun)
		r.Get("/pipeline-runs/{run_id}/steps", handlers.GetPipelineRunSteps)
		r.Post("/pipeline-runs/{run_id}/cancel", handlers.CancelPipelineRun)
		r.Post("/pipeline-runs/{run_id}/debug-rerun", handlers.DebugRerun)

		// Runners
		r.Get("/runners", handlers.GetRunners)

		// Step control plane (token-authenticated, scoped to step_id)
		r.Route("/steps/{step_id}", func(r chi.Router) {
			r.Use(handlers.StepAuth)
			r.Get("/", handlers.StepState)
			r.Post("/status", handlers.StepStatus)
			r.Post("/logs", handlers.StepLogs)
			r.Post("/heartbeat", handlers.StepHeartbeat)
		})

		// Debug sessions
		r.Route("/debug/{session_id}", func(r chi.Router) {
			r.Get("/", handlers.GetDebugSession)
			r.Post("/resume", handlers.ResumeDebugSession)
			r.Post("/abort", handlers.AbortDebugSession)
			r.Post("/extend", handlers.ExtendDebugSession)
			r.Get("/terminal", handlers.DebugTerminal(cfg.AllowedOrigins))
		})
	})

	// WebSockets
	r.Get("/ws", HandleWebSocket(registry, cfg.AllowedOrigins))
	r.Get("/ws/runner", runnerSocket.ServeHTTP)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		streamer: streamer,
	}
}

// Run starts the event streamer goroutine and the HTTP server. Blocks until
// the server is shut down.
func (s *Server) Run(ctx context.Context) error {
	go s.streamer.Run(ctx)

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
