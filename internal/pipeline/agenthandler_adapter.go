package pipeline

import (
	"context"

	"github.com/haasonsaas/nexuskernel/internal/agenthandler"
)

// AgentHandlerAdapter satisfies Handler by delegating to an
// agenthandler.Handler — the think/act/observe state machine's
// HandleResult shape (Outgoing xor Reply) maps directly onto
// HandleOutcome. An LLM-call failure still produces a Reply (§4.10's
// failure semantics reply rather than crash); the adapter surfaces that
// reply to the pipeline as a terminal HandleOutcome rather than
// propagating the error, so the caller up the chain sees the
// "Error: ..." payload instead of the turn silently vanishing.
type AgentHandlerAdapter struct {
	h *agenthandler.Handler
}

// NewAgentHandlerAdapter wraps h for registration via Builder.WithHandler.
func NewAgentHandlerAdapter(h *agenthandler.Handler) *AgentHandlerAdapter {
	return &AgentHandlerAdapter{h: h}
}

func (a *AgentHandlerAdapter) Handle(ctx context.Context, threadID, payloadXML string) (*HandleOutcome, error) {
	result, err := a.h.HandleIncoming(ctx, threadID, payloadXML)
	if result == nil {
		return nil, err
	}
	if result.Outgoing != nil {
		return &HandleOutcome{Outgoing: &Dispatch{To: result.Outgoing.ToolName, PayloadXML: result.Outgoing.PayloadXML}}, nil
	}
	return &HandleOutcome{Reply: result.Reply.PayloadXML}, nil
}
