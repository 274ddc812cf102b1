package organism

import (
	"fmt"
	"sort"
	"strings"
)

// PortManager validates port declarations across an organism's listeners
// and renders them into deployable firewall rule text (§4.12). The
// concrete iptables text generation is intentionally bespoke — no example
// repo imports a firewall/iptables-rule-generation library; the one
// networking-adjacent dependency in the pack (`tailscale.com`, seen in
// goclaw) is a full mesh-VPN client, not an ACL text renderer, and is not
// wired here (see DESIGN.md's dropped-dependency note).
type PortManager struct{}

// NewPortManager returns a PortManager. It is stateless; validation and
// generation both operate directly against an *Organism snapshot.
func NewPortManager() *PortManager { return &PortManager{} }

// portKey identifies a (port, direction) pair for conflict detection.
type portKey struct {
	Port      int
	Direction PortDirection
}

// Validate ensures no two listeners in org claim the same (port,
// direction).
func (pm *PortManager) Validate(org *Organism) error {
	seen := make(map[portKey]string)
	names := sortedListenerNames(org)
	for _, name := range names {
		l := org.listeners[name]
		for _, decl := range l.Ports {
			key := portKey{Port: decl.Port, Direction: decl.Direction}
			if owner, exists := seen[key]; exists {
				return fmt.Errorf("organism: port %d/%s claimed by both %q and %q", decl.Port, decl.Direction, owner, name)
			}
			seen[key] = name
		}
	}
	return nil
}

func sortedListenerNames(org *Organism) []string {
	names := make([]string, 0, len(org.listeners))
	for n := range org.listeners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GenerateRules enumerates, for every (listener, port declaration,
// profile-that-permits-the-listener-and-grants-it-network) triple, one
// ACCEPT rule per allowed host (or a single host-less rule when
// AllowedHosts is empty). Output is iptables command text; issuing it is
// a deployment-time concern, not this package's.
func (pm *PortManager) GenerateRules(org *Organism) ([]string, error) {
	if err := pm.Validate(org); err != nil {
		return nil, err
	}
	var rules []string
	listenerNames := sortedListenerNames(org)

	profileNames := make([]string, 0, len(org.profiles))
	for n := range org.profiles {
		profileNames = append(profileNames, n)
	}
	sort.Strings(profileNames)

	for _, lname := range listenerNames {
		l := org.listeners[lname]
		if len(l.Ports) == 0 {
			continue
		}
		for _, pname := range profileNames {
			p := org.profiles[pname]
			if !profilePermits(p, lname) || !profileGrantsNetwork(p, lname) {
				continue
			}
			for _, decl := range l.Ports {
				rules = append(rules, renderRules(lname, decl)...)
			}
		}
	}
	return rules, nil
}

func profilePermits(p *SecurityProfile, listener string) bool {
	if p.AllowAll {
		return true
	}
	_, ok := p.AllowedListeners[listener]
	return ok
}

func profileGrantsNetwork(p *SecurityProfile, listener string) bool {
	_, ok := p.Network[listener]
	return ok
}

func renderRules(listener string, decl PortDeclaration) []string {
	chain := "INPUT"
	flag := "--dport"
	if decl.Direction == DirectionOutbound {
		chain = "OUTPUT"
		flag = "--dport"
	}
	proto := strings.ToLower(decl.Protocol)
	if proto == "" {
		proto = "tcp"
	}

	if len(decl.AllowedHosts) == 0 {
		return []string{fmt.Sprintf(
			"iptables -A %s -p %s %s %d -j ACCEPT # listener=%s",
			chain, proto, flag, decl.Port, listener,
		)}
	}
	rules := make([]string, 0, len(decl.AllowedHosts))
	for _, host := range decl.AllowedHosts {
		rules = append(rules, fmt.Sprintf(
			"iptables -A %s -p %s -s %s %s %d -j ACCEPT # listener=%s",
			chain, proto, host, flag, decl.Port, listener,
		))
	}
	return rules
}
