// Package mcp provides a Model Context Protocol (MCP) client for the remote
// pandas analysis server, speaking JSON-RPC over the HTTP+SSE transport.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ServerConfig holds configuration for the remote analysis server.
type ServerConfig struct {
	// URL is the SSE endpoint of the analysis server.
	URL string `yaml:"url" json:"url"`

	// Headers are added to every HTTP request.
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// Timeout bounds connection setup and individual calls.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// MaxRetries bounds handshake retry attempts. Tool invocations are
	// never retried; a failed call is reported to the model as-is.
	MaxRetries int `yaml:"max_retries" json:"max_retries,omitempty"`
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("server URL is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("server URL must start with http:// or https://")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// ToolSchema describes a tool exposed by the analysis server. It is retrieved
// during the handshake and immutable for the lifetime of a connection.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// emptyObjectSchema is substituted when a server declares a tool without
// parameters, so the schema handed to the model is always a valid object.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{},"required":[]}`)

// Normalize fills defaults for schemas the server left empty.
func (t *ToolSchema) Normalize() {
	if t.Description == "" {
		t.Description = "Tool: " + t.Name
	}
	if len(t.InputSchema) == 0 || string(t.InputSchema) == "null" {
		t.InputSchema = emptyObjectSchema
	}
}

// ToolCallResult holds the result of calling a tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds a piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text flattens the result's content parts into a single string.
func (r *ToolCallResult) Text() string {
	var b strings.Builder
	for _, part := range r.Content {
		if part.Text != "" {
			b.WriteString(part.Text)
			continue
		}
		if part.Data != "" {
			b.WriteString(part.Data)
		}
	}
	return b.String()
}

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo holds information about the analysis server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's response to the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ListToolsResult is the server's response to tools/list.
type ListToolsResult struct {
	Tools []*ToolSchema `json:"tools"`
}

// CallToolParams are the parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
