package agenthandler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/nexuskernel/internal/llmpool"
)

type scriptedDriver struct {
	responses []*llmpool.MessagesResponse
	errs      []error
	calls     int
}

func (d *scriptedDriver) Name() string { return "test" }

func (d *scriptedDriver) next() (*llmpool.MessagesResponse, error) {
	i := d.calls
	d.calls++
	var err error
	if i < len(d.errs) {
		err = d.errs[i]
	}
	if i >= len(d.responses) {
		i = len(d.responses) - 1
	}
	return d.responses[i], err
}

func (d *scriptedDriver) Complete(ctx context.Context, modelID, system string, messages []llmpool.Message, maxTokens int) (*llmpool.MessagesResponse, error) {
	return d.next()
}

func (d *scriptedDriver) CompleteWithTools(ctx context.Context, modelID, system string, messages []llmpool.Message, maxTokens int, tools []llmpool.Tool) (*llmpool.MessagesResponse, error) {
	return d.next()
}

func newTestPool(driver *scriptedDriver) *llmpool.Pool {
	pool := llmpool.New()
	pool.RegisterDriver(driver)
	pool.RegisterAlias("test-model", "test", "test-model-id")
	return pool
}

// TestAgentSingleToolTurn implements spec scenario S4.
func TestAgentSingleToolTurn(t *testing.T) {
	ctx := context.Background()
	driver := &scriptedDriver{responses: []*llmpool.MessagesResponse{
		{StopReason: llmpool.StopToolUse, Content: []llmpool.ContentBlock{
			llmpool.ToolUseBlock("toolu_1", "file-read", []byte(`{"path":"foo.rs"}`)),
		}},
		{StopReason: llmpool.StopEndTurn, Content: []llmpool.ContentBlock{llmpool.TextBlock("fn main(){}")}},
	}}
	h := New(Config{Pool: newTestPool(driver), Model: "test-model"})

	result, err := h.HandleIncoming(ctx, "t1", "<AgentTask><task>Read foo.rs</task></AgentTask>")
	if err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if result.Outgoing == nil {
		t.Fatalf("expected an outgoing tool call, got %+v", result)
	}
	if result.Outgoing.ToolName != "file-read" {
		t.Fatalf("expected file-read, got %q", result.Outgoing.ToolName)
	}
	if !strings.Contains(result.Outgoing.PayloadXML, "<path>foo.rs</path>") {
		t.Fatalf("expected <path>foo.rs</path> in payload, got %q", result.Outgoing.PayloadXML)
	}
	state, ok := h.ThreadState("t1")
	if !ok || state != StateAwaitingTools {
		t.Fatalf("expected AwaitingTools, got %v ok=%v", state, ok)
	}

	result2, err := h.HandleIncoming(ctx, "t1", "<ToolResponse><success>true</success><result>fn main(){}</result></ToolResponse>")
	if err != nil {
		t.Fatalf("HandleIncoming (tool response): %v", err)
	}
	if result2.Reply == nil {
		t.Fatalf("expected a final reply, got %+v", result2)
	}
	if !strings.Contains(result2.Reply.PayloadXML, "fn main(){}") {
		t.Fatalf("expected final reply to contain the model's text, got %q", result2.Reply.PayloadXML)
	}
	state, ok = h.ThreadState("t1")
	if !ok || state != StateReady {
		t.Fatalf("expected Ready after the turn completes, got %v", state)
	}
}

func TestAgentMultipleToolCallsSerializeInOrder(t *testing.T) {
	ctx := context.Background()
	driver := &scriptedDriver{responses: []*llmpool.MessagesResponse{
		{StopReason: llmpool.StopToolUse, Content: []llmpool.ContentBlock{
			llmpool.ToolUseBlock("toolu_1", "grep", []byte(`{"pattern":"TODO"}`)),
			llmpool.ToolUseBlock("toolu_2", "file-read", []byte(`{"path":"bar.rs"}`)),
		}},
		{StopReason: llmpool.StopEndTurn, Content: []llmpool.ContentBlock{llmpool.TextBlock("done")}},
	}}
	h := New(Config{Pool: newTestPool(driver), Model: "test-model"})

	result, err := h.HandleIncoming(ctx, "t1", "<AgentTask><task>find TODOs</task></AgentTask>")
	if err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if result.Outgoing.ToolName != "grep" {
		t.Fatalf("expected first call to grep, got %q", result.Outgoing.ToolName)
	}

	result, err = h.HandleIncoming(ctx, "t1", "<ToolResponse><success>true</success><result>1 match</result></ToolResponse>")
	if err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if result.Outgoing == nil || result.Outgoing.ToolName != "file-read" {
		t.Fatalf("expected second call to file-read, got %+v", result)
	}

	result, err = h.HandleIncoming(ctx, "t1", "<ToolResponse><success>true</success><result>bar contents</result></ToolResponse>")
	if err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if result.Reply == nil || !strings.Contains(result.Reply.PayloadXML, "done") {
		t.Fatalf("expected final reply 'done', got %+v", result)
	}
}

func TestAgentUnexpectedToolResponseOnReadyThread(t *testing.T) {
	ctx := context.Background()
	driver := &scriptedDriver{responses: []*llmpool.MessagesResponse{{}}}
	h := New(Config{Pool: newTestPool(driver), Model: "test-model"})

	result, err := h.HandleIncoming(ctx, "fresh-thread", "<ToolResponse><success>true</success><result>x</result></ToolResponse>")
	if err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if result.Reply == nil || !strings.Contains(result.Reply.PayloadXML, "unexpected tool response") {
		t.Fatalf("expected an unexpected-tool-response error reply, got %+v", result)
	}
}

func TestAgentLLMErrorRepliesWithErrorAndReturnsError(t *testing.T) {
	ctx := context.Background()
	driver := &scriptedDriver{
		responses: []*llmpool.MessagesResponse{nil},
		errs:      []error{errors.New("rate limited")},
	}
	h := New(Config{Pool: newTestPool(driver), Model: "test-model"})

	result, err := h.HandleIncoming(ctx, "t1", "<AgentTask><task>hi</task></AgentTask>")
	if err == nil {
		t.Fatal("expected HandleIncoming to return an error on LLM failure")
	}
	if result == nil || result.Reply == nil || !strings.Contains(result.Reply.PayloadXML, "Error:") {
		t.Fatalf("expected an Error: prefixed reply, got %+v", result)
	}
	state, ok := h.ThreadState("t1")
	if !ok || state != StateReady {
		t.Fatalf("expected thread to remain Ready so a retry is possible, got %v", state)
	}
}
