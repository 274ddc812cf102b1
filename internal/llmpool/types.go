// Package llmpool is the multi-provider model resolver described in
// spec §4.8: one entry point for plain completions and a tool-enabled
// variant, model aliases resolved against a small static table, and a
// sum-typed content-block model shared by every provider driver.
package llmpool

import "encoding/json"

// Role is a message's conversational role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind discriminates ContentBlock's three variants (spec §9's
// "dynamic content blocks -> sum type" design note).
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is the sum type Text | ToolUse | ToolResult. Exactly the
// fields matching Kind are meaningful; callers switch on Kind rather than
// testing for nil fields.
type ContentBlock struct {
	Kind BlockKind

	// Text carries BlockText's payload.
	Text string

	// ToolUse carries BlockToolUse's payload.
	ToolUseID    string
	ToolName     string
	ToolInputRaw json.RawMessage

	// ToolResult carries BlockToolResult's payload.
	ToolResultForID string
	ToolResultText  string
	ToolIsError     bool
}

// TextBlock builds a BlockText content block.
func TextBlock(text string) ContentBlock { return ContentBlock{Kind: BlockText, Text: text} }

// ToolUseBlock builds a BlockToolUse content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInputRaw: input}
}

// ToolResultBlock builds a BlockToolResult content block.
func ToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResultForID: toolUseID, ToolResultText: text, ToolIsError: isError}
}

// Message is one turn of the conversation passed to a provider. Content
// holds either a single Text block (the common case) or several blocks
// (assistant tool-use turns, user tool-result turns) — the "plain string
// vs. block array" duality from the design notes collapses to "one or
// more ContentBlocks" here; MarshalText-ish callers can special-case the
// len==1 && Kind==BlockText case if they need the bare-string wire form.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// TextMessage is a convenience constructor for the common plain-string
// turn.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Tool is one JSON-schema tool descriptor offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Usage is a completion's token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StopReason mirrors the provider-agnostic reasons a completion ends.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopStopSeq   StopReason = "stop_sequence"
)

// MessagesResponse is the provider-agnostic shape every driver must
// produce (spec §4.8).
type MessagesResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// HasToolUse reports whether response contains at least one ToolUse
// block — the agent handler's trigger into AwaitingTools (§4.10).
func (r *MessagesResponse) HasToolUse() bool {
	for _, b := range r.Content {
		if b.Kind == BlockToolUse {
			return true
		}
	}
	return false
}

// ToolUses returns every ToolUse block in response order.
func (r *MessagesResponse) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Kind == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Text concatenates every Text block's content, the common case for
// "final answer" responses.
func (r *MessagesResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}
