package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/datachat/internal/mcp"
)

// schemaValidator compiles tool input schemas and checks model-supplied
// arguments against them before dispatch. A tool whose schema does not
// compile is passed through unchecked; the server is the final authority.
// Compilations are cached per tool by schema content, so a reconnect that
// changes a tool's schema recompiles instead of validating against the old
// one.
type schemaValidator struct {
	mu       sync.Mutex
	compiled map[string]cachedSchema
}

type cachedSchema struct {
	raw    string
	schema *jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{compiled: make(map[string]cachedSchema)}
}

func (v *schemaValidator) validate(tool *mcp.ToolSchema, args map[string]any) error {
	schema, err := v.schemaFor(tool)
	if err != nil || schema == nil {
		return nil
	}

	// jsonschema validates the generic JSON representation, so round-trip
	// through encoding to normalize numeric types.
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(generic)
}

func (v *schemaValidator) schemaFor(tool *mcp.ToolSchema) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw := string(tool.InputSchema)
	if c, ok := v.compiled[tool.Name]; ok && c.raw == raw {
		return c.schema, nil
	}
	if len(tool.InputSchema) == 0 {
		v.compiled[tool.Name] = cachedSchema{raw: raw}
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://" + tool.Name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(tool.InputSchema)); err != nil {
		v.compiled[tool.Name] = cachedSchema{raw: raw}
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		v.compiled[tool.Name] = cachedSchema{raw: raw}
		return nil, err
	}
	v.compiled[tool.Name] = cachedSchema{raw: raw, schema: schema}
	return schema, nil
}
