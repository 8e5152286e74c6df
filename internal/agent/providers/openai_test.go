package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/mcp"
)

func TestOpenAICompleteToolCalls(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "get_dataframe_info", "arguments": "{\"df_name\":\"sales\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 8, "total_tokens": 28}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", server.URL+"/v1")
	schema := &mcp.ToolSchema{Name: "get_dataframe_info", Description: "Describe a dataframe"}
	schema.Normalize()

	comp, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []agent.ChatMessage{
			{Role: agent.RoleSystem, Content: "analyst"},
			{Role: agent.RoleUser, Content: "describe sales"},
		},
		Tools:     []*mcp.ToolSchema{schema},
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(comp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", comp.ToolCalls)
	}
	if tc := comp.ToolCalls[0]; tc.ID != "call_1" || tc.Name != "get_dataframe_info" || tc.Arguments != `{"df_name":"sales"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if comp.Usage.TotalTokens != 28 {
		t.Errorf("TotalTokens = %d", comp.Usage.TotalTokens)
	}

	// The wire request must carry the tool schema and the system message.
	if captured["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", captured["model"])
	}
	tools, _ := captured["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("wire tools = %v", captured["tools"])
	}
	msgs, _ := captured["messages"].([]any)
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first wire message = %v", msgs[0])
	}
}

func TestOpenAICompleteText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "42 rows"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", server.URL+"/v1")
	comp, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []agent.ChatMessage{{Role: agent.RoleUser, Content: "how many rows?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Content != "42 rows" || len(comp.ToolCalls) != 0 {
		t.Errorf("completion = %+v", comp)
	}
}

func TestOpenAICompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit_error"}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", server.URL+"/v1")
	_, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []agent.ChatMessage{{Role: agent.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestToOpenAIMessagesRoundTrip(t *testing.T) {
	msgs := toOpenAIMessages([]agent.ChatMessage{
		{Role: agent.RoleAssistant, Content: "", ToolCalls: []agent.ToolCall{
			{ID: "call_1", Name: "load_csv_tool", Arguments: `{"path":"/tmp/a.csv"}`},
		}},
		{Role: agent.RoleTool, ToolCallID: "call_1", Content: `{"success": true}`},
	})

	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].Function.Name != "load_csv_tool" {
		t.Errorf("assistant message = %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", msgs[1])
	}
}

func TestToOpenAIToolsBadSchemaFallsBack(t *testing.T) {
	tools := toOpenAITools([]*mcp.ToolSchema{
		{Name: "broken", InputSchema: json.RawMessage(`not json`)},
	})
	if len(tools) != 1 {
		t.Fatalf("tools = %d", len(tools))
	}
	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("fallback schema = %v", tools[0].Function.Parameters)
	}
}
