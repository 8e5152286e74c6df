// Package web provides the HTTP API for the data analysis chat service.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/bridge"
	"github.com/haasonsaas/datachat/internal/mcp"
	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/internal/prompts"
	"github.com/haasonsaas/datachat/internal/session"
)

// TurnProcessor runs one conversation turn against the model and the
// analysis server.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, st agent.TurnState, systemPrompt, userText string) (*agent.TurnResult, error)
}

// ToolDirectory connects to the analysis server and reports its tool list.
type ToolDirectory interface {
	Connect(ctx context.Context) ([]*mcp.ToolSchema, error)
	Info() mcp.ConnectionInfo
}

// Config holds the server's collaborators.
type Config struct {
	// Sessions is the session registry.
	Sessions *session.Manager

	// Turns processes chat turns.
	Turns TurnProcessor

	// Tools lists the analysis server's tools.
	Tools ToolDirectory

	// Prompts renders the system prompt for each turn.
	Prompts *prompts.Renderer

	// Model is the model identifier surfaced in prompts and responses.
	Model string

	// ToolsCacheTTL bounds how long a cached tools listing is served.
	ToolsCacheTTL time.Duration

	// Registry serves /metrics when non-nil.
	Registry *prometheus.Registry

	// Logger for request logging.
	Logger *slog.Logger

	// Metrics for request instrumentation (optional).
	Metrics *observability.Metrics
}

// Server is the HTTP API handler.
type Server struct {
	cfg   *Config
	mux   *http.ServeMux
	cache *bridge.ResultCache
	start time.Time
}

// NewServer wires the routes.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("web: config is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("web: session manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ToolsCacheTTL <= 0 {
		cfg.ToolsCacheTTL = 5 * time.Minute
	}

	s := &Server{
		cfg:   cfg,
		mux:   http.NewServeMux(),
		cache: bridge.NewResultCache(),
		start: time.Now(),
	}

	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/", s.handleSession)
	s.mux.HandleFunc("/api/tools", s.handleTools)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if cfg.Registry != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	return s, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = MetricsMiddleware(s.cfg.Metrics)(h)
	h = LoggingMiddleware(s.cfg.Logger)(h)
	h = RequestIDMiddleware()(h)
	return h
}

// ListenAndServe serves until ctx is cancelled, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.cfg.Logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]string{"error": message})
}
