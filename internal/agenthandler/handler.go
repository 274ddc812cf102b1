package agenthandler

import (
	"context"
	"fmt"

	"github.com/haasonsaas/nexuskernel/internal/llmpool"
)

// defaultMaxRoutingIterations bounds semantic-routing re-entry per §4.10
// and the config table in spec §6 (`max_routing_iterations`, default 5).
const defaultMaxRoutingIterations = 5

// Curator is the narrow interface the handler needs from the Librarian
// (§4.9) — satisfied by *librarian.Librarian without this package
// importing it, avoiding a kernel/llmpool/librarian/agenthandler import
// cycle.
type Curator interface {
	CurateSystemContext(ctx context.Context, threadID string, incoming []llmpool.Message, tokenBudget int) (systemContext string, err error)
}

// Router is the optional semantic-routing collaborator (§4.10 "optional
// semantic routing"): given final assistant text and the allowed-tools
// list, decide whether it matches a tool and, if so, which.
type Router interface {
	Match(ctx context.Context, text string, allowedTools []string) (toolName string, matched bool, err error)
}

// ToolValidator checks one tool call's input_json before it is dispatched
// to a peer handler (§4.18) — satisfied by *toolcatalog.Catalog without
// this package importing it.
type ToolValidator interface {
	Validate(toolName string, inputJSON []byte) error
}

// Config configures one Handler.
type Config struct {
	Pool                 *llmpool.Pool
	Model                string // alias passed to pool.Complete/CompleteWithTools
	MaxTokens            int
	System               string
	Tools                []llmpool.Tool
	Librarian            Curator // optional; nil disables curation
	LibrarianTokenBudget int
	Router               Router   // optional; nil disables semantic routing
	AllowedTools         []string // tool names eligible for semantic routing
	MaxRoutingIterations int
	ToolCatalog          ToolValidator // optional; nil disables input validation
}

func (c *Config) sanitized() Config {
	cfg := *c
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.LibrarianTokenBudget <= 0 {
		cfg.LibrarianTokenBudget = 8000
	}
	if cfg.MaxRoutingIterations <= 0 {
		cfg.MaxRoutingIterations = defaultMaxRoutingIterations
	}
	return cfg
}

// Handler drives the per-thread think/act/observe loop (§4.10).
type Handler struct {
	cfg Config
	reg *registry
}

// New returns a Handler. Pool must be non-nil.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg.sanitized(), reg: newRegistry()}
}

// HandleIncoming processes one message addressed to threadID. It holds
// the registry's single mutex across the LLM call inside, by design
// (spec §5, §9 open question 1): no two concurrent LLM calls ever run for
// the same thread, and in this implementation no two concurrent LLM
// calls run for *any* thread, matching the teacher's own coarse
// per-session serialization.
func (h *Handler) HandleIncoming(ctx context.Context, threadID, payloadXML string) (*HandleResult, error) {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()

	thread := h.reg.get(threadID)

	switch classifyIncoming(payloadXML) {
	case kindToolResponse:
		return h.handleToolResponse(ctx, threadID, thread, payloadXML)
	default:
		if thread.State == StateAwaitingTools {
			// A new task addressed to a thread still mid-tool-turn is not
			// named by spec; treat it the same as an out-of-band
			// ToolResponse-on-Ready case would be handled — reply with an
			// error rather than corrupting in-flight state.
			return &HandleResult{Reply: &Reply{PayloadXML: renderAgentError("agent busy awaiting tool results")}}, nil
		}
		task := extractTask(payloadXML)
		thread.Messages = append(thread.Messages, llmpool.TextMessage(llmpool.RoleUser, task))
		thread.State = StateReady
		thread.RoutingIterations = 0
		return h.think(ctx, threadID, thread)
	}
}

// think implements the new-task path (§4.10 steps 1-3): optional
// curation, the LLM call, and response classification.
func (h *Handler) think(ctx context.Context, threadID string, thread *AgentThread) (*HandleResult, error) {
	system := h.cfg.System
	if h.cfg.Librarian != nil {
		curated, err := h.cfg.Librarian.CurateSystemContext(ctx, threadID, thread.Messages, h.cfg.LibrarianTokenBudget)
		if err == nil && curated != "" {
			system = curated
		}
		// A librarian failure degrades to the handler's static system
		// prompt rather than aborting the turn (§7: non-fatal boundary).
	}

	resp, err := h.cfg.Pool.CompleteWithTools(ctx, h.cfg.Model, messagesToLLM(thread.Messages), h.cfg.MaxTokens, system, h.cfg.Tools)
	if err != nil {
		return &HandleResult{Reply: &Reply{PayloadXML: renderAgentError(fmt.Sprintf("Error: %v", err))}}, fmt.Errorf("agenthandler: llm completion: %w", err)
	}

	if resp.StopReason == llmpool.StopToolUse || resp.HasToolUse() {
		return h.beginToolTurn(ctx, threadID, thread, resp)
	}

	thread.Messages = append(thread.Messages, llmpool.Message{Role: llmpool.RoleAssistant, Content: resp.Content})
	finalText := resp.Text()

	if h.cfg.Router != nil && len(h.cfg.AllowedTools) > 0 && thread.RoutingIterations < h.cfg.MaxRoutingIterations {
		toolName, matched, err := h.cfg.Router.Match(ctx, finalText, h.cfg.AllowedTools)
		if err == nil && matched {
			thread.RoutingIterations++
			thread.Messages = append(thread.Messages, llmpool.TextMessage(llmpool.RoleUser, fmt.Sprintf("[routed to %s]", toolName)))
			return h.think(ctx, threadID, thread)
		}
	}
	thread.RoutingIterations = 0
	return &HandleResult{Reply: &Reply{PayloadXML: renderAgentResponse(finalText)}}, nil
}

// beginToolTurn transitions Ready -> AwaitingTools and emits the first
// valid pending tool call, per §4.10's tool_use classification branch.
func (h *Handler) beginToolTurn(ctx context.Context, threadID string, thread *AgentThread, resp *llmpool.MessagesResponse) (*HandleResult, error) {
	var pending []PendingToolCall
	for _, b := range resp.ToolUses() {
		pending = append(pending, PendingToolCall{ToolUseID: b.ToolUseID, ToolName: b.ToolName, InputJSON: b.ToolInputRaw})
	}
	if len(pending) == 0 {
		// stop_reason said tool_use but no ToolUse blocks were found;
		// treat as final text rather than wedge the thread.
		thread.Messages = append(thread.Messages, llmpool.Message{Role: llmpool.RoleAssistant, Content: resp.Content})
		return &HandleResult{Reply: &Reply{PayloadXML: renderAgentResponse(resp.Text())}}, nil
	}

	thread.State = StateAwaitingTools
	thread.AssistantBlocks = resp.Content
	thread.Pending = pending
	thread.Collected = nil
	thread.CurrentIndex = 0

	return h.emitNextPending(ctx, threadID, thread)
}

// emitNextPending walks thread.Pending from CurrentIndex forward, rejecting
// any call whose input_json fails ToolCatalog validation in place (folding
// a synthetic error result into Collected and advancing) rather than ever
// dispatching it to a peer handler. Once a valid call is found it is
// emitted as Outgoing; once every call has been resolved locally (emitted,
// or all rejected), it folds the turn back into the conversation and loops
// into think, exactly as handleToolResponse does once every dispatched
// call actually returns.
func (h *Handler) emitNextPending(ctx context.Context, threadID string, thread *AgentThread) (*HandleResult, error) {
	for thread.CurrentIndex < len(thread.Pending) {
		call := thread.Pending[thread.CurrentIndex]
		if h.cfg.ToolCatalog != nil {
			if err := h.cfg.ToolCatalog.Validate(call.ToolName, call.InputJSON); err != nil {
				thread.Collected = append(thread.Collected, llmpool.ToolResultBlock(call.ToolUseID, fmt.Sprintf("rejected: %v", err), true))
				thread.CurrentIndex++
				continue
			}
		}
		return &HandleResult{Outgoing: &OutgoingToolCall{
			ToolName:   call.ToolName,
			PayloadXML: renderToolCallXML(call.ToolName, call.InputJSON),
		}}, nil
	}
	return h.foldToolTurn(ctx, threadID, thread)
}

// foldToolTurn replays the assistant turn and every collected tool result
// back into the conversation and returns to Ready, per §4.10 step 4.
func (h *Handler) foldToolTurn(ctx context.Context, threadID string, thread *AgentThread) (*HandleResult, error) {
	thread.Messages = append(thread.Messages,
		llmpool.Message{Role: llmpool.RoleAssistant, Content: thread.AssistantBlocks},
		llmpool.Message{Role: llmpool.RoleUser, Content: thread.Collected},
	)
	thread.State = StateReady
	thread.AssistantBlocks = nil
	thread.Pending = nil
	thread.Collected = nil
	thread.CurrentIndex = 0

	return h.think(ctx, threadID, thread)
}

// handleToolResponse implements the tool-response path (§4.10).
func (h *Handler) handleToolResponse(ctx context.Context, threadID string, thread *AgentThread, payloadXML string) (*HandleResult, error) {
	if thread.State != StateAwaitingTools {
		// "Unexpected ToolResponse on a Ready thread": reply, don't crash.
		return &HandleResult{Reply: &Reply{PayloadXML: renderAgentError("unexpected tool response")}}, nil
	}

	content, isError := parseToolResponse(payloadXML)
	current := thread.Pending[thread.CurrentIndex]
	thread.Collected = append(thread.Collected, llmpool.ToolResultBlock(current.ToolUseID, content, isError))
	thread.CurrentIndex++

	// Every remaining pending call is re-validated (and the next valid one
	// emitted) by emitNextPending, which also folds the turn back into the
	// conversation once nothing is left (§4.10 step 4 "loop back to step 2
	// of the new-task path").
	return h.emitNextPending(ctx, threadID, thread)
}

// ThreadState reports a thread's current state, for observability/tests.
func (h *Handler) ThreadState(threadID string) (State, bool) {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	t, ok := h.reg.threads[threadID]
	if !ok {
		return StateReady, false
	}
	return t.State, true
}
