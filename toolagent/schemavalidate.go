package toolagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaSet maps a tool name to the raw JSON Schema document its Input must
// satisfy. A tool with no entry is dispatched unvalidated.
type SchemaSet map[string]json.RawMessage

// schemaValidatingClient wraps a Client and rejects a step before dispatch
// when its Input fails the tool's declared JSON Schema, mirroring the
// registry's own tool-spec validation so a malformed step never reaches the
// remote tool agent at all.
type schemaValidatingClient struct {
	next Client

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
	raw      SchemaSet
}

// NewSchemaValidatingClient wraps next so every ExecuteTool call is checked
// against schemas before dispatch. Schemas are compiled lazily and cached.
func NewSchemaValidatingClient(next Client, schemas SchemaSet) Client {
	return &schemaValidatingClient{
		next:     next,
		compiled: make(map[string]*jsonschema.Schema),
		raw:      schemas,
	}
}

func (c *schemaValidatingClient) ExecuteTool(ctx context.Context, req Request) (Result, error) {
	schema, err := c.schemaFor(req.Tool)
	if err != nil {
		return Result{Outcome: OutcomeError, Retryable: false, Summary: err.Error()}, nil
	}
	if schema != nil {
		var doc any
		if len(req.Input) == 0 {
			doc = map[string]any{}
		} else if err := json.Unmarshal(req.Input, &doc); err != nil {
			return Result{Outcome: OutcomeError, Retryable: false,
				Summary: fmt.Sprintf("invalid input JSON: %s", err)}, nil
		}
		if err := schema.Validate(doc); err != nil {
			return Result{Outcome: OutcomeError, Retryable: false,
				Summary: fmt.Sprintf("input failed schema validation: %s", err)}, nil
		}
	}
	return c.next.ExecuteTool(ctx, req)
}

func (c *schemaValidatingClient) schemaFor(tool string) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if schema, ok := c.compiled[tool]; ok {
		return schema, nil
	}
	raw, ok := c.raw[tool]
	if !ok {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("toolagent: unmarshal schema for %q: %w", tool, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := "tool:" + tool
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("toolagent: add schema resource for %q: %w", tool, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("toolagent: compile schema for %q: %w", tool, err)
	}
	c.compiled[tool] = schema
	return schema, nil
}

var _ Client = (*schemaValidatingClient)(nil)
