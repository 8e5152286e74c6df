package agent

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/datachat/internal/mcp"
)

func TestValidatorFollowsSchemaChanges(t *testing.T) {
	v := newSchemaValidator()
	strict := &mcp.ToolSchema{
		Name:        "run_pandas_query_tool",
		InputSchema: json.RawMessage(`{"type":"object","required":["query"]}`),
	}

	if err := v.validate(strict, map[string]any{}); err == nil {
		t.Fatal("expected rejection for missing required field")
	}

	// A reconnect can replace a tool's schema under the same name;
	// validation must track the new schema, not the first compilation.
	relaxed := &mcp.ToolSchema{
		Name:        "run_pandas_query_tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
	if err := v.validate(relaxed, map[string]any{}); err != nil {
		t.Fatalf("stale schema still enforced after change: %v", err)
	}

	if err := v.validate(strict, map[string]any{"query": "df.head()"}); err != nil {
		t.Fatalf("valid arguments rejected: %v", err)
	}
	if err := v.validate(strict, map[string]any{}); err == nil {
		t.Fatal("expected rejection after switching back to the strict schema")
	}
}

func TestValidatorPassesThroughBadSchema(t *testing.T) {
	v := newSchemaValidator()
	broken := &mcp.ToolSchema{
		Name:        "broken_tool",
		InputSchema: json.RawMessage(`{"type": 42}`),
	}
	if err := v.validate(broken, map[string]any{"anything": true}); err != nil {
		t.Fatalf("non-compiling schema should pass through: %v", err)
	}
}
