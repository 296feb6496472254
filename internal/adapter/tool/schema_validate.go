package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentcore/internal/domain"
)

// schemaValidatingTool wraps a Tool so Execute validates arguments against
// the compiled schema before delegating. Validation failures become error
// results and the inner handler is never called.
type schemaValidatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// withSchemaValidation compiles the tool's parameter schema and wraps the
// tool. Tools without a schema pass through unwrapped; a schema that fails
// to compile is an error.
func withSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("params.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &schemaValidatingTool{inner: t, schema: compiled}, nil
}

func (s *schemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *schemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *schemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

func (s *schemaValidatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("invalid arguments: not valid JSON: %v", err),
		}, nil
	}

	if err := s.schema.Validate(v); err != nil {
		return &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("invalid arguments: %v", err),
		}, nil
	}

	return s.inner.Execute(ctx, params)
}
