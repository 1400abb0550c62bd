package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"activequoter/internal/config"
)

// Server runs the operator's JSON status HTTP API — /health and
// /api/snapshot only. The teacher's WebSocket push hub and static dashboard
// mount are dropped; §6 calls for a JSON status surface, not a web UI.
type Server struct {
	cfg      config.StatusConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server bound to cfg.Port.
func NewServer(cfg config.StatusConfig, provider Provider, logger *slog.Logger) *Server {
	handlers := NewHandlers(provider, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the HTTP server until Stop is called or it fails.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
