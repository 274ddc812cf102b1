package llmpool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicDriver adapts the anthropic-sdk-go client to the Driver
// contract, grounded on internal/agent/providers/anthropic.go's client
// construction and retry idiom — simplified here to non-streaming
// request/response, since §4.8 specifies a single synchronous Complete
// entry point, not a streaming one.
type AnthropicDriver struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// AnthropicConfig configures an AnthropicDriver.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropicDriver constructs a driver from config.
func NewAnthropicDriver(config AnthropicConfig) (*AnthropicDriver, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("llmpool: anthropic driver requires an API key")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &AnthropicDriver{
		client:     anthropic.NewClient(opts...),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

func (d *AnthropicDriver) Name() string { return "anthropic" }

func (d *AnthropicDriver) Complete(ctx context.Context, modelID, system string, messages []Message, maxTokens int) (*MessagesResponse, error) {
	return d.complete(ctx, modelID, system, messages, maxTokens, nil)
}

func (d *AnthropicDriver) CompleteWithTools(ctx context.Context, modelID, system string, messages []Message, maxTokens int, tools []Tool) (*MessagesResponse, error) {
	return d.complete(ctx, modelID, system, messages, maxTokens, tools)
}

func (d *AnthropicDriver) complete(ctx context.Context, modelID, system string, messages []Message, maxTokens int, tools []Tool) (*MessagesResponse, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	var msg *anthropic.Message
	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		m, err := d.client.Messages.New(ctx, params)
		if err == nil {
			msg = m
			lastErr = nil
			break
		}
		lastErr = err
		if !isRetryableAnthropic(err) || attempt >= d.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.retryDelay * time.Duration(attempt)):
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("llmpool: anthropic completion: %w", lastErr)
	}

	return fromAnthropicMessage(msg), nil
}

func isRetryableAnthropic(err error) bool {
	// Rate-limit and server errors are worth a retry; anything else
	// (bad request, auth) is not. The SDK surfaces these as *anthropic.Error
	// with a StatusCode; a type assertion failure defaults to non-retryable.
	var apiErr *anthropic.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	for err != nil {
		if e, ok := err.(*anthropic.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Kind {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockToolUse:
				var input any
				_ = json.Unmarshal(b.ToolInputRaw, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultForID, b.ToolResultText, b.ToolIsError))
			}
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

func fromAnthropicMessage(msg *anthropic.Message) *MessagesResponse {
	resp := &MessagesResponse{
		ID:    msg.ID,
		Model: string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		resp.StopReason = StopToolUse
	case anthropic.StopReasonMaxTokens:
		resp.StopReason = StopMaxTokens
	case anthropic.StopReasonStopSequence:
		resp.StopReason = StopStopSeq
	default:
		resp.StopReason = StopEndTurn
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content = append(resp.Content, TextBlock(variant.Text))
		case anthropic.ToolUseBlock:
			raw, _ := json.Marshal(variant.Input)
			resp.Content = append(resp.Content, ToolUseBlock(variant.ID, variant.Name, raw))
		}
	}
	return resp
}
