package llmpool

import (
	"context"
	"testing"
)

type fakeDriver struct {
	name     string
	response *MessagesResponse
}

func (f *fakeDriver) Name() string { return f.name }

func (f *fakeDriver) Complete(ctx context.Context, modelID, system string, messages []Message, maxTokens int) (*MessagesResponse, error) {
	return f.response, nil
}

func (f *fakeDriver) CompleteWithTools(ctx context.Context, modelID, system string, messages []Message, maxTokens int, tools []Tool) (*MessagesResponse, error) {
	return f.response, nil
}

func TestPoolResolvesAliasToRegisteredDriver(t *testing.T) {
	p := New()
	resp := &MessagesResponse{StopReason: StopEndTurn, Content: []ContentBlock{TextBlock("hi")}}
	p.RegisterDriver(&fakeDriver{name: "anthropic", response: resp})
	p.RegisterAlias("haiku", "anthropic", "claude-haiku-4")

	got, err := p.Complete(context.Background(), "haiku", []Message{TextMessage(RoleUser, "hello")}, 100, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text() != "hi" {
		t.Fatalf("expected text %q, got %q", "hi", got.Text())
	}
}

func TestPoolUnknownAliasErrors(t *testing.T) {
	p := New()
	p.RegisterDriver(&fakeDriver{name: "anthropic", response: &MessagesResponse{}})
	p.RegisterDriver(&fakeDriver{name: "openai", response: &MessagesResponse{}})

	_, err := p.Complete(context.Background(), "nope", nil, 0, "")
	if err == nil {
		t.Fatal("expected an error for an unresolvable alias with >1 registered driver")
	}
}

func TestPoolSingleDriverPassthrough(t *testing.T) {
	p := New()
	resp := &MessagesResponse{Content: []ContentBlock{TextBlock("ok")}}
	p.RegisterDriver(&fakeDriver{name: "anthropic", response: resp})

	got, err := p.Complete(context.Background(), "claude-opus-4-directly", nil, 0, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text() != "ok" {
		t.Fatalf("expected passthrough to the sole driver, got %q", got.Text())
	}
}

func TestMessagesResponseHasToolUse(t *testing.T) {
	resp := &MessagesResponse{Content: []ContentBlock{
		TextBlock("thinking..."),
		ToolUseBlock("toolu_1", "file-read", nil),
	}}
	if !resp.HasToolUse() {
		t.Fatal("expected HasToolUse to be true")
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].ToolName != "file-read" {
		t.Fatalf("unexpected tool uses: %+v", uses)
	}
}
