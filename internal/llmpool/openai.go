package llmpool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIDriver adapts go-openai's chat-completion client to the Driver
// contract, grounded on internal/agent/providers/openai.go — simplified
// to a single non-streaming call per §4.8.
type OpenAIDriver struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIDriver constructs a driver from an API key.
func NewOpenAIDriver(apiKey string) (*OpenAIDriver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmpool: openai driver requires an API key")
	}
	return &OpenAIDriver{
		client:     openai.NewClient(apiKey),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

func (d *OpenAIDriver) Name() string { return "openai" }

func (d *OpenAIDriver) Complete(ctx context.Context, modelID, system string, messages []Message, maxTokens int) (*MessagesResponse, error) {
	return d.complete(ctx, modelID, system, messages, maxTokens, nil)
}

func (d *OpenAIDriver) CompleteWithTools(ctx context.Context, modelID, system string, messages []Message, maxTokens int, tools []Tool) (*MessagesResponse, error) {
	return d.complete(ctx, modelID, system, messages, maxTokens, tools)
}

func (d *OpenAIDriver) complete(ctx context.Context, modelID, system string, messages []Message, maxTokens int, tools []Tool) (*MessagesResponse, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	req := openai.ChatCompletionRequest{
		Model:     modelID,
		MaxTokens: maxTokens,
		Messages:  toOpenAIMessages(system, messages),
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		r, err := d.client.CreateChatCompletion(ctx, req)
		if err == nil {
			resp = r
			lastErr = nil
			break
		}
		lastErr = err
		if attempt >= d.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.retryDelay * time.Duration(attempt)):
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("llmpool: openai completion: %w", lastErr)
	}
	return fromOpenAIResponse(resp), nil
}

func toOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		var toolCalls []openai.ToolCall
		var text string
		var toolResultForID string
		for _, b := range m.Content {
			switch b.Kind {
			case BlockText:
				text += b.Text
			case BlockToolUse:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolName,
						Arguments: string(b.ToolInputRaw),
					},
				})
			case BlockToolResult:
				toolResultForID = b.ToolResultForID
				text = b.ToolResultText
			}
		}
		if toolResultForID != "" {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    text,
				ToolCallID: toolResultForID,
			})
			continue
		}
		msg := openai.ChatCompletionMessage{Role: role, Content: text}
		if len(toolCalls) > 0 {
			msg.ToolCalls = toolCalls
			msg.Content = ""
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func fromOpenAIResponse(resp openai.ChatCompletionResponse) *MessagesResponse {
	out := &MessagesResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if len(choice.Message.ToolCalls) > 0 {
		out.StopReason = StopToolUse
		for _, tc := range choice.Message.ToolCalls {
			out.Content = append(out.Content, ToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
		}
		return out
	}
	switch choice.FinishReason {
	case openai.FinishReasonLength:
		out.StopReason = StopMaxTokens
	case openai.FinishReasonStop:
		out.StopReason = StopEndTurn
	default:
		out.StopReason = StopEndTurn
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, TextBlock(choice.Message.Content))
	}
	return out
}
