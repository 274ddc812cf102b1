package pipeline

import (
	"sync"
	"sync/atomic"
)

// EventKind discriminates PipelineEvent's variants (§4.7's broadcast
// channel: MessageInjected, SecurityBlocked, AgentThinking, ToolDispatched,
// ToolCompleted, AgentResponse, TokenUsage, ConversationSync, KernelOp).
type EventKind string

const (
	EventMessageInjected  EventKind = "message_injected"
	EventSecurityBlocked  EventKind = "security_blocked"
	EventAgentThinking    EventKind = "agent_thinking"
	EventToolDispatched   EventKind = "tool_dispatched"
	EventToolCompleted    EventKind = "tool_completed"
	EventAgentResponse    EventKind = "agent_response"
	EventTokenUsage       EventKind = "token_usage"
	EventConversationSync EventKind = "conversation_sync"
	EventKernelOp         EventKind = "kernel_op"
)

// PipelineEvent is one observable moment in the pipeline's life. Only the
// fields relevant to Kind are populated; observers switch on Kind.
type PipelineEvent struct {
	Kind     EventKind
	ThreadID string
	From     string
	To       string

	// Text carries AgentThinking/AgentResponse/ConversationSync payloads.
	Text string

	// Reason carries SecurityBlocked's denial reason.
	Reason string

	// ToolName/ToolInput/ToolResult carry ToolDispatched/ToolCompleted.
	ToolName   string
	ToolInput  string
	ToolResult string
	ToolError  bool

	// InputTokens/OutputTokens carry TokenUsage.
	InputTokens  int
	OutputTokens int

	// KernelOp names the kernel operation a KernelOp event reports (e.g.
	// "dispatch_message", "fold_segment").
	KernelOp string
}

// eventBusCapacity bounds the broadcast channel per subscriber (§5: "bounded
// broadcast, lossy for subscribers, lossless for the pipeline itself").
const eventBusCapacity = 256

// subscriber is one observer's lossy delivery channel plus a lag counter it
// can consult to learn it missed events.
type subscriber struct {
	ch      chan PipelineEvent
	dropped *int64
}

// EventBus is the pipeline's broadcast fan-out. Publish never blocks on a
// slow subscriber: a full subscriber channel drops the event and bumps that
// subscriber's drop counter instead of stalling the publisher.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscriber)}
}

// Subscription is a live subscriber handle. Events returns the receive
// channel; Dropped reports how many events this subscriber has missed
// since subscribing, the "lag signal" of §5. Unsubscribe stops delivery and
// closes Events.
type Subscription struct {
	id      int
	bus     *EventBus
	events  chan PipelineEvent
	dropped *int64
}

// Events returns the channel new PipelineEvents arrive on.
func (s *Subscription) Events() <-chan PipelineEvent { return s.events }

// Dropped reports this subscription's lag counter.
func (s *Subscription) Dropped() int64 { return atomic.LoadInt64(s.dropped) }

// Unsubscribe removes this subscriber from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.events)
	}
}

// Subscribe registers a new observer (TUI, tests) and returns its handle.
func (b *EventBus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	dropped := new(int64)
	sub := &subscriber{ch: make(chan PipelineEvent, eventBusCapacity), dropped: dropped}
	b.subs[id] = sub
	return &Subscription{id: id, bus: b, events: sub.ch, dropped: dropped}
}

// Publish fans ev out to every live subscriber, dropping (not blocking) on
// any subscriber whose channel is currently full.
func (b *EventBus) Publish(ev PipelineEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			atomic.AddInt64(sub.dropped, 1)
		}
	}
}
