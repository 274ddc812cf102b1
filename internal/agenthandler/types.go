// Package agenthandler implements the per-thread think/act/observe state
// machine described in spec §4.10: an agent thread calls the LLM pool; if
// the model asks for tools, each call is serialized as an XML message to
// a tool peer in turn, and a synthetic conversation reconstructs the
// model's view once every pending call has a result.
package agenthandler

import (
	"encoding/json"
	"sync"

	"github.com/haasonsaas/nexuskernel/internal/llmpool"
)

// State is one AgentThread's position in the think/act/observe cycle.
type State int

const (
	// StateReady means the thread is free to accept a new task or
	// continue after tool results were folded back into the conversation.
	StateReady State = iota
	// StateAwaitingTools means one or more tool calls from the last
	// assistant turn are still outstanding.
	StateAwaitingTools
)

// PendingToolCall is one tool invocation still awaiting a ToolResponse.
type PendingToolCall struct {
	ToolUseID string
	ToolName  string
	InputJSON json.RawMessage
}

// AgentThread is the ephemeral per-conversation state keyed by the
// incoming thread id (spec's AgentThread entity).
type AgentThread struct {
	Messages []llmpool.Message
	State    State

	// AssistantBlocks is the raw content of the assistant turn that
	// triggered AwaitingTools — replayed into Messages once every pending
	// call resolves.
	AssistantBlocks []llmpool.ContentBlock
	Pending         []PendingToolCall
	Collected       []llmpool.ContentBlock
	CurrentIndex    int

	// RoutingIterations counts this turn's semantic-routing re-entries
	// (§4.10 optional semantic routing), reset when a new task begins.
	RoutingIterations int
}

func newAgentThread() *AgentThread {
	return &AgentThread{State: StateReady}
}

// OutgoingToolCall is what HandleIncoming returns when the assistant
// turn requires dispatching a tool call to a peer handler — the caller
// (normally the Pipeline Adapter) is responsible for actually routing it.
type OutgoingToolCall struct {
	ToolName   string
	PayloadXML string
}

// Reply is the final XML payload addressed back up the thread chain,
// either an AgentResponse or an error payload (§4.10's failure semantics
// still reply rather than crash).
type Reply struct {
	PayloadXML string
}

// HandleResult is HandleIncoming's outcome: exactly one of Outgoing or
// Reply is set, mirroring the new-task path's "tool_use -> dispatch, no
// reply yet" vs. "final text -> reply upward" branch.
type HandleResult struct {
	Outgoing *OutgoingToolCall
	Reply    *Reply
}

// registry is the mutex-guarded per-thread AgentThread map. The handler
// deliberately holds this lock across the LLM call inside HandleIncoming
// (spec §5, §9 open question 1): all agent turns serialize process-wide,
// by design, not by accident.
type registry struct {
	mu      sync.Mutex
	threads map[string]*AgentThread
}

func newRegistry() *registry {
	return &registry{threads: make(map[string]*AgentThread)}
}

func (r *registry) get(threadID string) *AgentThread {
	t, ok := r.threads[threadID]
	if !ok {
		t = newAgentThread()
		r.threads[threadID] = t
	}
	return t
}
