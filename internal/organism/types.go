// Package organism holds the static configuration of handlers ("listeners")
// and security profiles, and materializes the per-profile dispatch tables
// that make out-of-profile message routing structurally impossible.
package organism

import "fmt"

// PortDirection is a listener's declared traffic direction.
type PortDirection string

const (
	DirectionInbound  PortDirection = "inbound"
	DirectionOutbound PortDirection = "outbound"
)

// PortDeclaration is one port need of a listener (§4.12).
type PortDeclaration struct {
	Port          int           `yaml:"port"`
	Direction     PortDirection `yaml:"direction"`
	Protocol      string        `yaml:"protocol"`
	AllowedHosts  []string      `yaml:"allowed_hosts,omitempty"`
}

// RoutingTriggerKind enumerates §4.22's generalized semantic-routing
// trigger shapes.
type RoutingTriggerKind string

const (
	TriggerKeyword      RoutingTriggerKind = "keyword"
	TriggerPattern      RoutingTriggerKind = "pattern"
	TriggerIntent       RoutingTriggerKind = "intent"
	TriggerToolUse      RoutingTriggerKind = "tool_use"
	TriggerExplicit     RoutingTriggerKind = "explicit"
	TriggerFallback     RoutingTriggerKind = "fallback"
	TriggerTaskComplete RoutingTriggerKind = "task_complete"
	TriggerError        RoutingTriggerKind = "error"
)

// RoutingRule is one trigger→target rule attached to a listener.
type RoutingRule struct {
	Kind       RoutingTriggerKind `yaml:"kind"`
	Match      string             `yaml:"match,omitempty"` // keyword literal or regex pattern
	Target     string             `yaml:"target"`
	Priority   int                `yaml:"priority"`
	Confidence float64            `yaml:"confidence,omitempty"`
}

// ListenerDef declaratively describes one handler in the pipeline.
type ListenerDef struct {
	Name                string            `yaml:"name"`
	PayloadTag          string            `yaml:"payload_class"`
	HandlerKind         string            `yaml:"handler"`
	Description         string            `yaml:"description"`
	Peers               []string          `yaml:"peers,omitempty"`
	IsAgent             bool              `yaml:"agent,omitempty"`
	Model               string            `yaml:"model,omitempty"`
	Ports               []PortDeclaration `yaml:"ports,omitempty"`
	LibrarianFlag       bool              `yaml:"librarian,omitempty"`
	Wasm                bool              `yaml:"wasm,omitempty"`
	SemanticDescription string            `yaml:"semantic_description,omitempty"`
	RoutingRules        []RoutingRule     `yaml:"routing,omitempty"`
}

func (l ListenerDef) peerSet() map[string]struct{} {
	s := make(map[string]struct{}, len(l.Peers))
	for _, p := range l.Peers {
		s[p] = struct{}{}
	}
	return s
}

// RetentionKind mirrors kernel.RetentionKind at the organism-config layer,
// decoded from YAML before being translated into the kernel's own type.
type RetentionKind string

const (
	RetainForever         RetentionKind = "retain_forever"
	RetainPruneOnDelivery RetentionKind = "prune_on_delivery"
	RetainDays            RetentionKind = "retain_days"
)

// RetentionPolicy pairs a kind with the day count RetainDays needs.
type RetentionPolicy struct {
	Kind RetentionKind
	Days int
}

// SecurityProfile is a security identity: a named linux user plus the set
// of listeners (or all of them) it may address.
type SecurityProfile struct {
	Name             string
	LinuxUser        string
	AllowedListeners map[string]struct{}
	AllowAll         bool
	Retention        RetentionPolicy
	Network          map[string]struct{}
}

// DispatchTable is the materialized set of listeners reachable under one
// profile — the only listeners routing may resolve by name for that
// profile (invariant 7).
type DispatchTable struct {
	ProfileName string
	Listeners   map[string]ListenerDef
}

// Organism is the handler + profile catalog.
type Organism struct {
	Name      string
	listeners map[string]ListenerDef
	profiles  map[string]*SecurityProfile
}

// New returns an empty organism named name.
func New(name string) *Organism {
	return &Organism{
		Name:      name,
		listeners: make(map[string]ListenerDef),
		profiles:  make(map[string]*SecurityProfile),
	}
}

// AddListener registers a handler. Listener names must be unique within an
// organism; re-registering the same name overwrites the previous
// definition (the round-trip property in spec.md §8 — register, unregister,
// re-register — only constrains observable dispatch behavior, not storage
// identity).
func (o *Organism) AddListener(def ListenerDef) {
	o.listeners[def.Name] = def
}

// RemoveListener unregisters a handler by name.
func (o *Organism) RemoveListener(name string) {
	delete(o.listeners, name)
}

// Listener returns the definition for name, if registered.
func (o *Organism) Listener(name string) (ListenerDef, bool) {
	l, ok := o.listeners[name]
	return l, ok
}

// Listeners returns every registered listener definition.
func (o *Organism) Listeners() map[string]ListenerDef {
	out := make(map[string]ListenerDef, len(o.listeners))
	for k, v := range o.listeners {
		out[k] = v
	}
	return out
}

// AddProfile validates that every name in allowedListeners (unless
// allowAll) exists in the organism (invariant 6), then registers the
// profile.
func (o *Organism) AddProfile(p *SecurityProfile) error {
	if !p.AllowAll {
		for name := range p.AllowedListeners {
			if _, ok := o.listeners[name]; !ok {
				return fmt.Errorf("organism: profile %q allows unknown listener %q", p.Name, name)
			}
		}
	}
	o.profiles[p.Name] = p
	return nil
}

// Profile returns the named security profile, if registered.
func (o *Organism) Profile(name string) (*SecurityProfile, bool) {
	p, ok := o.profiles[name]
	return p, ok
}

// DispatchTableFor materializes the reachable-listener map for profile
// name. Contains exactly the listeners the profile permits (invariant 7).
func (o *Organism) DispatchTableFor(name string) (DispatchTable, error) {
	p, ok := o.profiles[name]
	if !ok {
		return DispatchTable{}, fmt.Errorf("organism: unknown profile %q", name)
	}
	listeners := make(map[string]ListenerDef)
	if p.AllowAll {
		for n, l := range o.listeners {
			listeners[n] = l
		}
	} else {
		for n := range p.AllowedListeners {
			if l, ok := o.listeners[n]; ok {
				listeners[n] = l
			}
		}
	}
	return DispatchTable{ProfileName: name, Listeners: listeners}, nil
}
