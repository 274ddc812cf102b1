// Package pipeline wraps the kernel and organism into the external
// message router described in spec §4.7: gatekeeping every injected
// message against the organism's security profiles, dispatching between
// registered handlers by listener name, and publishing a best-effort
// event stream for observers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/haasonsaas/nexuskernel/internal/llmpool"
	"github.com/haasonsaas/nexuskernel/internal/organism"
)

// Handler is what one listener's concrete implementation must satisfy to
// be wired into a Pipeline — tools, the agent handler, the librarian's
// curation trigger, and WASM peers all look the same from the router's
// point of view: given the current payload, either dispatch a new
// envelope onward or produce a final reply payload.
type Handler interface {
	Handle(ctx context.Context, threadID, payloadXML string) (*HandleOutcome, error)
}

// HandleOutcome is a Handler's result: exactly one of Outgoing or Reply is
// set, mirroring agenthandler.HandleResult's shape.
type HandleOutcome struct {
	Outgoing *Dispatch
	Reply    string
}

// Dispatch names the next listener a Handler wants its payload routed to.
type Dispatch struct {
	To         string
	PayloadXML string
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, threadID, payloadXML string) (*HandleOutcome, error)

func (f HandlerFunc) Handle(ctx context.Context, threadID, payloadXML string) (*HandleOutcome, error) {
	return f(ctx, threadID, payloadXML)
}

// ErrUnreachable is returned when the calling profile may not address
// target (§4.7 gatekeeping).
type ErrUnreachable struct {
	Profile string
	Target  string
}

func (e *ErrUnreachable) Error() string {
	return fmt.Sprintf("pipeline: profile %q cannot reach %q", e.Profile, e.Target)
}

// ErrNoHandler is returned when routing resolves a listener name the
// dispatch table permits but no concrete Handler was registered for
// (§4.7's builder validates the common cases at build time; this is the
// residual runtime check for profiles edited after construction).
type ErrNoHandler struct{ Listener string }

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("pipeline: no handler registered for listener %q", e.Listener)
}

// Pipeline is the constructed message router: one kernel, one organism
// security resolver, a registry of concrete handlers, and an event bus.
type Pipeline struct {
	kernel   *kernel.Kernel
	resolver *organism.SecurityResolver
	handlers map[string]Handler
	bus      *EventBus
	log      *slog.Logger

	pool    *llmpool.Pool
	portMgr *organism.PortManager
}

// Inject is the pipeline's sole external entry point (§4.7). profile and
// target describe the caller's identity and addressee; the message enters
// the router only if SecurityResolver.CanReach(profile, target) holds.
// It blocks until the addressed listener (and any tool calls it makes in
// turn) produces a terminal reply, returning that reply's payload.
func (p *Pipeline) Inject(ctx context.Context, profile, from, target, threadID, payloadXML string) (string, error) {
	if !p.resolver.CanReach(profile, target) {
		p.bus.Publish(PipelineEvent{Kind: EventSecurityBlocked, ThreadID: threadID, From: from, To: target, Reason: "profile cannot reach target"})
		return "", &ErrUnreachable{Profile: profile, Target: target}
	}

	p.bus.Publish(PipelineEvent{Kind: EventMessageInjected, ThreadID: threadID, From: from, To: target})

	messageID := uuid.NewString()
	hopThreadID, err := p.kernel.DispatchMessage(ctx, from, target, threadID, messageID)
	if err != nil {
		return "", fmt.Errorf("pipeline: dispatch message: %w", err)
	}

	reply, err := p.dispatch(ctx, target, hopThreadID, messageID, payloadXML)
	if err != nil {
		return "", err
	}

	// The outermost hop is now fully answered: shorten its thread chain
	// and mark its dispatched journal entries Delivered. A single-hop
	// chain has nothing left to prune, which PruneThread reports as a nil
	// result — not an error.
	if _, err := p.kernel.PruneThread(ctx, hopThreadID); err != nil {
		return "", fmt.Errorf("pipeline: prune thread: %w", err)
	}
	p.bus.Publish(PipelineEvent{Kind: EventAgentResponse, ThreadID: threadID, From: target, Text: reply})
	return reply, nil
}

// dispatch runs to's Handler against threadID/payloadXML. If the handler
// wants a tool call made, dispatch recurses on the tool, feeds the tool's
// reply back into the same handler as a new payload (continuing its own
// state machine, e.g. agenthandler's AwaitingTools loop), and keeps doing
// so until the handler produces a terminal reply.
func (p *Pipeline) dispatch(ctx context.Context, to, threadID, messageID, payloadXML string) (string, error) {
	h, ok := p.handlers[to]
	if !ok {
		return "", &ErrNoHandler{Listener: to}
	}

	p.bus.Publish(PipelineEvent{Kind: EventToolDispatched, ThreadID: threadID, To: to, ToolInput: payloadXML})

	outcome, err := h.Handle(ctx, threadID, payloadXML)
	if err != nil {
		p.bus.Publish(PipelineEvent{Kind: EventToolCompleted, ThreadID: threadID, To: to, ToolError: true, ToolResult: err.Error()})
		_ = p.kernel.MarkFailed(ctx, messageID, err.Error())
		return "", err
	}

	if outcome.Outgoing == nil {
		p.bus.Publish(PipelineEvent{Kind: EventToolCompleted, ThreadID: threadID, To: to, ToolResult: outcome.Reply})
		return outcome.Reply, nil
	}

	profile, perr := p.kernel.Threads().GetProfile(threadID)
	if perr != nil {
		return "", fmt.Errorf("pipeline: resolve thread profile: %w", perr)
	}
	if !p.resolver.CanReach(profile, outcome.Outgoing.To) {
		p.bus.Publish(PipelineEvent{Kind: EventSecurityBlocked, ThreadID: threadID, From: to, To: outcome.Outgoing.To, Reason: "profile cannot reach target"})
		return "", &ErrUnreachable{Profile: profile, Target: outcome.Outgoing.To}
	}

	childMessageID := uuid.NewString()
	childThreadID, err := p.kernel.DispatchMessage(ctx, to, outcome.Outgoing.To, threadID, childMessageID)
	if err != nil {
		return "", fmt.Errorf("pipeline: dispatch message: %w", err)
	}
	toolReply, err := p.dispatch(ctx, outcome.Outgoing.To, childThreadID, childMessageID, outcome.Outgoing.PayloadXML)
	if err != nil {
		return "", err
	}
	if _, err := p.kernel.PruneThread(ctx, childThreadID); err != nil {
		return "", fmt.Errorf("pipeline: prune thread: %w", err)
	}
	p.bus.Publish(PipelineEvent{Kind: EventToolCompleted, ThreadID: threadID, To: outcome.Outgoing.To, ToolResult: toolReply})

	return p.dispatch(ctx, to, threadID, messageID, toolReply)
}

// Subscribe registers a new event observer.
func (p *Pipeline) Subscribe() *Subscription { return p.bus.Subscribe() }

// Kernel exposes the underlying kernel for callers that need direct read
// access (e.g. the buffer handler's child-pipeline teardown).
func (p *Pipeline) Kernel() *kernel.Kernel { return p.kernel }

// Pool exposes the shared LLM pool, or nil if none was configured.
func (p *Pipeline) Pool() *llmpool.Pool { return p.pool }
