package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const protocolVersion = "2024-11-05"

// Client performs the capability handshake and tool calls over a Transport.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	tools      []*ToolSchema
	serverInfo ServerInfo
}

// NewClient creates a client for the configured server.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewSSETransport(cfg, logger),
		logger:    logger.With("mcp_server", cfg.URL),
	}
}

// newClientWithTransport is used by tests to substitute a fake transport.
func newClientWithTransport(cfg *ServerConfig, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: cfg, transport: transport, logger: logger}
}

// Connect establishes the connection, performs the initialize handshake, and
// caches the server's tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "datachat",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.refreshTools(ctx); err != nil {
		c.transport.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	c.logger.Debug("connected to analysis server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"tools", len(c.tools))
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Tools returns the tool list retrieved during the handshake.
func (c *Client) Tools() []*ToolSchema {
	return c.tools
}

func (c *Client) refreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools list: %w", err)
	}
	for _, tool := range resp.Tools {
		tool.Normalize()
	}
	c.tools = resp.Tools
	return nil
}

// CallTool invokes the named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}
