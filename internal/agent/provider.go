// Package agent implements the per-turn tool orchestration loop between a
// language-model provider and the remote analysis server.
package agent

import (
	"context"

	"github.com/haasonsaas/datachat/internal/mcp"
)

// Message roles used in the conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry in the conversation passed to the model. Assistant
// messages may carry tool-call requests; tool messages carry the result for
// exactly one request, bound by ToolCallID.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// string exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage carries token counters reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// CompletionRequest is one request to a model provider. A nil Tools slice
// means the model cannot request tool calls and must answer in text.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []*mcp.ToolSchema
	Temperature float32
	MaxTokens   int
}

// Completion is the provider's response: text, tool-call requests, or both.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is a language-model backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Complete sends one request and blocks until the full response arrives.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// ToolRunner dispatches one named tool call and reports its outcome. All
// failures are folded into the Invocation's failure variant.
type ToolRunner interface {
	Call(ctx context.Context, name string, arguments map[string]any) mcp.Invocation
}
