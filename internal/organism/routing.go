package organism

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// RoutingTable flattens every listener's RoutingRules (§4.6, §4.12) into one
// priority-ordered list and implements agenthandler.Router's Match method
// structurally, without this package importing agenthandler.
type RoutingTable struct {
	rules []RoutingRule
}

// NewRoutingTable collects the RoutingRules declared on every listener in
// org and orders them highest-priority first. Listeners with no
// RoutingRules contribute nothing.
func NewRoutingTable(org *Organism) *RoutingTable {
	var rules []RoutingRule
	for _, l := range org.Listeners() {
		rules = append(rules, l.RoutingRules...)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return &RoutingTable{rules: rules}
}

// Match walks the table in priority order and returns the first rule whose
// target is in allowedTools and whose trigger fires against text.
func (t *RoutingTable) Match(ctx context.Context, text string, allowedTools []string) (string, bool, error) {
	allowed := toSet(allowedTools)
	for _, r := range t.rules {
		if _, ok := allowed[r.Target]; !ok {
			continue
		}
		if ruleFires(r, text) {
			return r.Target, true, nil
		}
	}
	return "", false, nil
}

func ruleFires(r RoutingRule, text string) bool {
	switch r.Kind {
	case TriggerKeyword:
		return r.Match != "" && strings.Contains(strings.ToLower(text), strings.ToLower(r.Match))
	case TriggerPattern:
		if r.Match == "" {
			return false
		}
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	case TriggerExplicit:
		return strings.EqualFold(strings.TrimSpace(text), r.Match)
	case TriggerFallback:
		return true
	default:
		// TriggerIntent, TriggerToolUse, TriggerTaskComplete and TriggerError
		// are driven by structured signals this table doesn't have access
		// to (tool-use events, task completion, pipeline errors) rather than
		// final assistant text, so they never fire here.
		return false
	}
}
