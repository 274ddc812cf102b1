package organism

import "testing"

func buildTestOrganism() *Organism {
	org := New("test")
	org.AddListener(ListenerDef{Name: "console", HandlerKind: "io"})
	org.AddListener(ListenerDef{Name: "coding-agent", HandlerKind: "agent", IsAgent: true})
	org.AddListener(ListenerDef{Name: "librarian", HandlerKind: "librarian", LibrarianFlag: true})
	return org
}

func TestAddProfileRejectsUnknownListener(t *testing.T) {
	org := buildTestOrganism()
	err := org.AddProfile(&SecurityProfile{
		Name:             "bad",
		AllowedListeners: map[string]struct{}{"does-not-exist": {}},
	})
	if err == nil {
		t.Fatal("expected error for profile allowing unknown listener")
	}
}

func TestAddProfileAllowAllSkipsValidation(t *testing.T) {
	org := buildTestOrganism()
	err := org.AddProfile(&SecurityProfile{Name: "root", AllowAll: true})
	if err != nil {
		t.Fatalf("AddProfile: %v", err)
	}
}

func TestDispatchTableForAllowAllContainsEveryListener(t *testing.T) {
	org := buildTestOrganism()
	if err := org.AddProfile(&SecurityProfile{Name: "root", AllowAll: true}); err != nil {
		t.Fatalf("AddProfile: %v", err)
	}
	dt, err := org.DispatchTableFor("root")
	if err != nil {
		t.Fatalf("DispatchTableFor: %v", err)
	}
	if len(dt.Listeners) != 3 {
		t.Fatalf("got %d listeners, want 3", len(dt.Listeners))
	}
}

func TestDispatchTableForRestrictedProfileIsExactlyItsAllowedSet(t *testing.T) {
	org := buildTestOrganism()
	err := org.AddProfile(&SecurityProfile{
		Name:             "limited",
		AllowedListeners: map[string]struct{}{"console": {}},
	})
	if err != nil {
		t.Fatalf("AddProfile: %v", err)
	}
	dt, err := org.DispatchTableFor("limited")
	if err != nil {
		t.Fatalf("DispatchTableFor: %v", err)
	}
	if len(dt.Listeners) != 1 {
		t.Fatalf("got %d listeners, want 1", len(dt.Listeners))
	}
	if _, ok := dt.Listeners["console"]; !ok {
		t.Fatal("expected console to be in dispatch table")
	}
	if _, ok := dt.Listeners["coding-agent"]; ok {
		t.Fatal("did not expect coding-agent to be reachable under limited profile")
	}
}

// TestRegisterUnregisterReregisterRoundTrip exercises the spec.md §8
// round-trip property: after unregistering then re-registering a listener
// under the same name, dispatch behavior for that name is restored.
func TestRegisterUnregisterReregisterRoundTrip(t *testing.T) {
	org := buildTestOrganism()
	if err := org.AddProfile(&SecurityProfile{Name: "root", AllowAll: true}); err != nil {
		t.Fatalf("AddProfile: %v", err)
	}

	before, err := org.DispatchTableFor("root")
	if err != nil {
		t.Fatalf("DispatchTableFor: %v", err)
	}
	if _, ok := before.Listeners["console"]; !ok {
		t.Fatal("expected console reachable before round trip")
	}

	def, _ := org.Listener("console")
	org.RemoveListener("console")

	mid, err := org.DispatchTableFor("root")
	if err != nil {
		t.Fatalf("DispatchTableFor: %v", err)
	}
	if _, ok := mid.Listeners["console"]; ok {
		t.Fatal("expected console unreachable after unregister")
	}

	org.AddListener(def)
	after, err := org.DispatchTableFor("root")
	if err != nil {
		t.Fatalf("DispatchTableFor: %v", err)
	}
	if _, ok := after.Listeners["console"]; !ok {
		t.Fatal("expected console reachable again after re-register")
	}
}

func TestPortManagerRejectsDuplicateClaim(t *testing.T) {
	org := New("test")
	org.AddListener(ListenerDef{Name: "a", Ports: []PortDeclaration{{Port: 8080, Direction: DirectionInbound, Protocol: "tcp"}}})
	org.AddListener(ListenerDef{Name: "b", Ports: []PortDeclaration{{Port: 8080, Direction: DirectionInbound, Protocol: "tcp"}}})

	pm := NewPortManager()
	if err := pm.Validate(org); err == nil {
		t.Fatal("expected error for duplicate port claim")
	}
}

func TestPortManagerGenerateRulesOnlyForPermittedNetworkedListeners(t *testing.T) {
	org := New("test")
	org.AddListener(ListenerDef{
		Name:  "webhook",
		Ports: []PortDeclaration{{Port: 9000, Direction: DirectionInbound, Protocol: "tcp", AllowedHosts: []string{"10.0.0.1"}}},
	})
	org.AddListener(ListenerDef{Name: "console"})

	err := org.AddProfile(&SecurityProfile{
		Name:             "net",
		AllowedListeners: map[string]struct{}{"webhook": {}, "console": {}},
		Network:          map[string]struct{}{"webhook": {}},
	})
	if err != nil {
		t.Fatalf("AddProfile: %v", err)
	}

	pm := NewPortManager()
	rules, err := pm.GenerateRules(org)
	if err != nil {
		t.Fatalf("GenerateRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1: %v", len(rules), rules)
	}
	if got := rules[0]; got == "" {
		t.Fatal("expected non-empty rule text")
	}
}

func TestParseYAMLBuildsOrganismAndPrompts(t *testing.T) {
	raw := []byte(`
organism:
  name: test-org
listeners:
  - name: console
    handler: io
  - name: coding-agent
    handler: agent
    agent: true
profiles:
  - name: admin
    linux_user: agentadmin
    allow_all: true
    retention:
      kind: retain_forever
prompts:
  system: "you are an agent"
`)
	org, prompts, err := ParseYAML(raw)
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if org.Name != "test-org" {
		t.Fatalf("name = %q, want test-org", org.Name)
	}
	if _, ok := org.Listener("coding-agent"); !ok {
		t.Fatal("expected coding-agent listener")
	}
	if _, ok := org.Profile("admin"); !ok {
		t.Fatal("expected admin profile")
	}
	if prompts["system"] != "you are an agent" {
		t.Fatalf("prompts[system] = %q", prompts["system"])
	}
}

func TestParseYAMLRejectsProfileWithUnknownListener(t *testing.T) {
	raw := []byte(`
organism:
  name: test-org
listeners:
  - name: console
profiles:
  - name: bad
    allowed_listeners: ["ghost"]
`)
	if _, _, err := ParseYAML(raw); err == nil {
		t.Fatal("expected error for profile referencing unknown listener")
	}
}
