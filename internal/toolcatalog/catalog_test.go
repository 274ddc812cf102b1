package toolcatalog

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/nexuskernel/internal/llmpool"
	"github.com/haasonsaas/nexuskernel/internal/observability"
)

func searchTool() llmpool.Tool {
	return llmpool.Tool{
		Name:        "web_search",
		Description: "search the web",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`),
	}
}

func TestNewCompilesSchemas(t *testing.T) {
	c, err := New([]llmpool.Tool{searchTool()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Validate("web_search", []byte(`{"query":"nexus"}`)); err != nil {
		t.Fatalf("expected valid input to pass, got %v", err)
	}
}

func TestNewRejectsInvalidSchema(t *testing.T) {
	badTool := llmpool.Tool{Name: "bad", InputSchema: json.RawMessage(`{"type": 123}`)}
	if _, err := New([]llmpool.Tool{badTool}); err == nil {
		t.Fatal("expected compile error for invalid schema")
	}
}

func TestValidateRejectsMalformedInput(t *testing.T) {
	c, err := New([]llmpool.Tool{searchTool()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Validate("web_search", []byte(`{"query": 5}`)); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestValidateRejectsUnknownTool(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Validate("ghost_tool", []byte(`{}`)); err == nil {
		t.Fatal("expected unknown-tool error")
	}
}

func TestValidatePassesUnschemedToolUnchecked(t *testing.T) {
	c, err := New([]llmpool.Tool{{Name: "no_schema"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Validate("no_schema", []byte(`anything, not even json`)); err != nil {
		t.Fatalf("expected unschemed tool to pass unchecked, got %v", err)
	}
}

func TestRegisterAddsToolAfterConstruction(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Register(searchTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Validate("web_search", []byte(`{"query":"nexus"}`)); err != nil {
		t.Fatalf("expected registered tool to validate, got %v", err)
	}
}

func TestValidateRecordsMetrics(t *testing.T) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_tool_validations_total", Help: "test"},
		[]string{"tool", "outcome"},
	)
	metrics := &observability.Metrics{ToolValidationCounter: counter}

	c, err := New([]llmpool.Tool{searchTool()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.WithMetrics(metrics)

	_ = c.Validate("web_search", []byte(`{"query":"nexus"}`))
	_ = c.Validate("web_search", []byte(`{"query": 5}`))

	if v := testutil.ToFloat64(counter.WithLabelValues("web_search", "valid")); v != 1 {
		t.Errorf("expected 1 valid validation recorded, got %v", v)
	}
	if v := testutil.ToFloat64(counter.WithLabelValues("web_search", "rejected")); v != 1 {
		t.Errorf("expected 1 rejected validation recorded, got %v", v)
	}
}
