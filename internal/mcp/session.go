package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/datachat/internal/retry"
)

// Invocation is the normalized result of one tool call: a success variant
// carrying textual output or a failure variant carrying an error description.
// Binary payloads are never embedded; servers reference files by path or
// accept hex-encoded content.
type Invocation struct {
	Tool     string
	Output   string
	Err      string
	Duration time.Duration
	OK       bool
}

// Text returns the payload that goes into the conversation: the output on
// success, the error description on failure.
func (inv Invocation) Text() string {
	if inv.OK {
		return inv.Output
	}
	return "Error: " + inv.Err
}

// ConnectionInfo is a snapshot of session connectivity for UI display.
type ConnectionInfo struct {
	Connected   bool      `json:"connected"`
	ToolCount   int       `json:"tools_count"`
	ConnectedAt time.Time `json:"connection_time,omitzero"`
	ServerURL   string    `json:"server_url"`
}

// ToolSession executes tool calls against the analysis server. Every call
// opens a fresh session: handshake, one invocation, teardown. Holding a
// streaming connection across user interactions is what the per-call model
// deliberately avoids; the request handler that owns this session is created
// and torn down per action, and a long-lived stream would desynchronize.
type ToolSession struct {
	config    *ServerConfig
	logger    *slog.Logger
	newClient func() *Client
	retryCfg  retry.Config

	mu          sync.Mutex
	tools       []*ToolSchema
	connectedAt time.Time
}

// NewToolSession creates a session manager for the configured server.
func NewToolSession(cfg *ServerConfig, logger *slog.Logger) *ToolSession {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	s := &ToolSession{
		config:   cfg,
		logger:   logger.With("component", "tool_session"),
		retryCfg: retry.Exponential(maxAttempts, 250*time.Millisecond, 5*time.Second),
	}
	s.newClient = func() *Client { return NewClient(cfg, logger) }
	return s
}

// Connect opens a session, performs the handshake, and returns the server's
// tool schemas. Handshake failures are retried with bounded backoff; the
// last error propagates so the caller can surface it.
func (s *ToolSession) Connect(ctx context.Context) ([]*ToolSchema, error) {
	tools, result := retry.DoWithValue(ctx, s.retryCfg, func() ([]*ToolSchema, error) {
		client := s.newClient()
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		defer client.Close()
		return client.Tools(), nil
	})
	if result.Err != nil {
		s.logger.Error("handshake failed",
			"attempts", result.Attempts,
			"error", result.Err)
		return nil, fmt.Errorf("connect to analysis server: %w", result.Err)
	}

	s.mu.Lock()
	s.tools = tools
	s.connectedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("connected to analysis server", "tools", len(tools))
	return tools, nil
}

// Call opens a fresh session and invokes the named tool. Errors during setup
// or invocation are captured in the failure variant, never propagated; the
// orchestration loop must always receive something to hand back to the model.
func (s *ToolSession) Call(ctx context.Context, name string, arguments map[string]any) Invocation {
	start := time.Now()

	result, err := s.callOnce(ctx, name, arguments)
	duration := time.Since(start)

	if err != nil {
		s.logger.Warn("tool call failed",
			"tool", name,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return Invocation{Tool: name, Err: err.Error(), Duration: duration}
	}

	text := result.Text()
	if result.IsError {
		s.logger.Warn("tool reported error",
			"tool", name,
			"duration_ms", duration.Milliseconds())
		return Invocation{Tool: name, Err: text, Duration: duration}
	}

	s.logger.Debug("tool call succeeded",
		"tool", name,
		"duration_ms", duration.Milliseconds(),
		"output_bytes", len(text))
	return Invocation{Tool: name, Output: text, Duration: duration, OK: true}
}

func (s *ToolSession) callOnce(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	client := s.newClient()
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	defer client.Close()
	return client.CallTool(ctx, name, arguments)
}

// Tools returns the schemas cached by the last successful Connect.
func (s *ToolSession) Tools() []*ToolSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// Info returns a connectivity snapshot.
func (s *ToolSession) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionInfo{
		Connected:   !s.connectedAt.IsZero(),
		ToolCount:   len(s.tools),
		ConnectedAt: s.connectedAt,
		ServerURL:   s.config.URL,
	}
}
