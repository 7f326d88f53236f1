package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the HTTP surface for starting/cancelling chases and momentum
// instances and the event WebSocket.
type Server struct {
	handlers *Handlers
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the HTTP server. Call Run to begin serving; Run also
// starts the hub's event fan-out.
func NewServer(addr string, handlers *Handlers, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("POST /v1/chases", handlers.HandleStartChase)
	mux.HandleFunc("DELETE /v1/chases/{id}", handlers.HandleCancelChase)
	mux.HandleFunc("POST /v1/momentum", handlers.HandleStartMomentum)
	mux.HandleFunc("DELETE /v1/momentum/{id}", handlers.HandleCancelMomentum)
	mux.HandleFunc("GET /v1/events", handlers.HandleEvents)

	return &Server{
		handlers: handlers,
		hub:      hub,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api_server"),
	}
}

// Run starts the event hub and blocks serving HTTP until ctx is cancelled
// or the server errors. The caller is expected to run this in its own
// goroutine and call Stop on shutdown.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping api server")
	return s.server.Shutdown(ctx)
}
