// Package toolcatalog validates a tool call's input_json against the
// JSON-Schema carried on its llmpool.Tool descriptor before the call ever
// reaches a pipeline Handler (§4.18), the same way the plugin manifest's
// config schema is validated before a plugin is invoked.
package toolcatalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexuskernel/internal/llmpool"
	"github.com/haasonsaas/nexuskernel/internal/observability"
)

// ToolDescriptor is one tool's name paired with its compiled input schema.
type ToolDescriptor struct {
	Name   string
	Schema *jsonschema.Schema
}

// Catalog compiles and caches every registered tool's InputSchema, and
// validates candidate input_json payloads against it.
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]*jsonschema.Schema
	metrics *observability.Metrics
}

// WithMetrics attaches Prometheus instrumentation for validation outcomes.
func (c *Catalog) WithMetrics(m *observability.Metrics) *Catalog {
	c.metrics = m
	return c
}

// New compiles every tool in tools into the catalog. A tool with no
// InputSchema is registered unvalidated — any input_json passes.
func New(tools []llmpool.Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]*jsonschema.Schema, len(tools))}
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			c.tools[t.Name] = nil
			continue
		}
		schema, err := jsonschema.CompileString(t.Name+".schema.json", string(t.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("toolcatalog: compile schema for %q: %w", t.Name, err)
		}
		c.tools[t.Name] = schema
	}
	return c, nil
}

// Validate checks inputJSON against toolName's compiled schema. A tool name
// not present in the catalog is rejected: every dispatchable tool call must
// have been registered through New.
func (c *Catalog) Validate(toolName string, inputJSON []byte) error {
	err := c.validate(toolName, inputJSON)
	if c.metrics != nil {
		c.metrics.RecordToolValidation(toolName, err == nil)
	}
	return err
}

func (c *Catalog) validate(toolName string, inputJSON []byte) error {
	c.mu.RLock()
	schema, known := c.tools[toolName]
	c.mu.RUnlock()
	if !known {
		return fmt.Errorf("toolcatalog: unknown tool %q", toolName)
	}
	if schema == nil {
		return nil
	}

	var decoded any
	if len(inputJSON) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(inputJSON, &decoded); err != nil {
		return fmt.Errorf("toolcatalog: decode input for %q: %w", toolName, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("toolcatalog: %q input invalid: %w", toolName, err)
	}
	return nil
}

// Register compiles and adds one more tool to the catalog, for callers that
// build their tool list incrementally (e.g. the subagent tool added only
// when the organism declares a "subagent" listener).
func (c *Catalog) Register(t llmpool.Tool) error {
	var schema *jsonschema.Schema
	if len(t.InputSchema) > 0 {
		compiled, err := jsonschema.CompileString(t.Name+".schema.json", string(t.InputSchema))
		if err != nil {
			return fmt.Errorf("toolcatalog: compile schema for %q: %w", t.Name, err)
		}
		schema = compiled
	}
	c.mu.Lock()
	c.tools[t.Name] = schema
	c.mu.Unlock()
	return nil
}
