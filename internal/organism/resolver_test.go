package organism

import (
	"fmt"
	"testing"
)

type stubThreadProfiles struct {
	profiles map[string]string
}

func (s stubThreadProfiles) GetProfile(threadID string) (string, error) {
	p, ok := s.profiles[threadID]
	if !ok {
		return "", fmt.Errorf("no profile for thread %s", threadID)
	}
	return p, nil
}

func buildResolverTestOrganism(t *testing.T) *Organism {
	t.Helper()
	org := buildTestOrganism()
	if err := org.AddProfile(&SecurityProfile{
		Name:             "limited",
		AllowedListeners: map[string]struct{}{"console": {}},
	}); err != nil {
		t.Fatalf("AddProfile(limited): %v", err)
	}
	if err := org.AddProfile(&SecurityProfile{Name: "root", AllowAll: true}); err != nil {
		t.Fatalf("AddProfile(root): %v", err)
	}
	return org
}

// TestCanReachMatchesDispatchTableMembership is testable property 2: CanReach
// is true iff the listener is a key of the profile's materialized dispatch
// table.
func TestCanReachMatchesDispatchTableMembership(t *testing.T) {
	org := buildResolverTestOrganism(t)
	r, err := NewSecurityResolver(org)
	if err != nil {
		t.Fatalf("NewSecurityResolver: %v", err)
	}

	dt, ok := r.DispatchTableOf("limited")
	if !ok {
		t.Fatal("expected dispatch table for limited")
	}
	for name := range org.Listeners() {
		_, inTable := dt.Listeners[name]
		if r.CanReach("limited", name) != inTable {
			t.Errorf("CanReach(limited, %s) = %v, dispatch table membership = %v", name, r.CanReach("limited", name), inTable)
		}
	}
}

func TestCanReachUnknownProfileIsFalse(t *testing.T) {
	org := buildResolverTestOrganism(t)
	r, err := NewSecurityResolver(org)
	if err != nil {
		t.Fatalf("NewSecurityResolver: %v", err)
	}
	if r.CanReach("ghost-profile", "console") {
		t.Fatal("expected CanReach to be false for an unregistered profile")
	}
}

func TestResolveUsesThreadInheritedProfile(t *testing.T) {
	org := buildResolverTestOrganism(t)
	r, err := NewSecurityResolver(org)
	if err != nil {
		t.Fatalf("NewSecurityResolver: %v", err)
	}
	threads := stubThreadProfiles{profiles: map[string]string{"thread-1": "limited"}}

	dt, err := r.Resolve(threads, "thread-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dt.ProfileName != "limited" {
		t.Fatalf("profile = %q, want limited", dt.ProfileName)
	}
}

func TestApplyConfigDiffsListenerSets(t *testing.T) {
	current := buildResolverTestOrganism(t)

	next := New("test")
	next.AddListener(ListenerDef{Name: "console", HandlerKind: "io-v2"})
	next.AddListener(ListenerDef{Name: "webhook", HandlerKind: "http"})
	if err := next.AddProfile(&SecurityProfile{Name: "root", AllowAll: true}); err != nil {
		t.Fatalf("AddProfile: %v", err)
	}

	diff, resolver, err := ApplyConfig(current, next)
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if !containsString(diff.Added, "webhook") {
		t.Errorf("expected webhook in Added, got %v", diff.Added)
	}
	if !containsString(diff.Removed, "coding-agent") || !containsString(diff.Removed, "librarian") {
		t.Errorf("expected coding-agent and librarian in Removed, got %v", diff.Removed)
	}
	if !containsString(diff.Updated, "console") {
		t.Errorf("expected console in Updated, got %v", diff.Updated)
	}
	if !resolver.CanReach("root", "webhook") {
		t.Fatal("expected rebuilt resolver to reach the new webhook listener")
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
