package routes

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

type segment struct {
	literal string
	param   string
}

type compiledRule struct {
	Rule
	segments []segment
}

type snapshot struct {
	rules  []compiledRule
	byTool map[string]Rule
}

// Table is the copy-on-write dispatch structure. Readers always see a
// consistent snapshot; admin mutations swap it atomically, so in-flight
// requests keep the table they started with.
type Table struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewTable compiles the initial rule set. Every rule must already have
// passed Validate and the SSRF/402 pre-checks.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{}
	t.snap.Store(&snapshot{byTool: map[string]Rule{}})
	for _, rule := range rules {
		if err := t.Upsert(rule, false); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Match resolves (method, path) to a rule. Parameter segments bind
// values into the returned map. Restricted rules never match.
func (t *Table) Match(method, path string) (Rule, map[string]string, bool) {
	snap := t.snap.Load()
	method = strings.ToUpper(method)
	parts := splitPath(path)

	best := -1
	bestPrefix, bestLiterals := -1, -1
	for i, cr := range snap.rules {
		if cr.Restricted || cr.Method != method || len(cr.segments) != len(parts) {
			continue
		}
		if !segmentsMatch(cr.segments, parts) {
			continue
		}
		// Rules iterate in registration order, so on full ties the
		// first-registered rule wins by never being displaced.
		prefix, literals := score(cr.segments)
		if prefix > bestPrefix || (prefix == bestPrefix && literals > bestLiterals) {
			best, bestPrefix, bestLiterals = i, prefix, literals
		}
	}
	if best < 0 {
		return Rule{}, nil, false
	}
	matched := snap.rules[best]
	params := make(map[string]string)
	for i, seg := range matched.segments {
		if seg.param != "" {
			params[seg.param] = parts[i]
		}
	}
	return matched.Rule, params, true
}

// Get returns the rule for a tool id, including restricted rules.
func (t *Table) Get(toolID string) (Rule, bool) {
	rule, ok := t.snap.Load().byTool[toolID]
	return rule, ok
}

// List returns all rules in registration order.
func (t *Table) List() []Rule {
	snap := t.snap.Load()
	out := make([]Rule, 0, len(snap.rules))
	for _, cr := range snap.rules {
		out = append(out, cr.Rule)
	}
	return out
}

// Len reports the number of registered rules.
func (t *Table) Len() int {
	return len(t.snap.Load().rules)
}

// Upsert inserts a rule or, when update is true, mutates price and
// description of an existing one. Creation with a duplicate tool_id
// fails; updates of unknown tool ids fail.
func (t *Table) Upsert(rule Rule, update bool) error {
	rule.normalize()
	if err := rule.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snap.Load()
	existing, exists := snap.byTool[rule.ToolID]
	if update {
		if !exists {
			return fmt.Errorf("unknown tool_id %q", rule.ToolID)
		}
		merged := existing
		merged.PriceUSDC = rule.PriceUSDC
		merged.Description = rule.Description
		rule = merged
	} else if exists {
		return fmt.Errorf("duplicate tool_id %q", rule.ToolID)
	}

	compiled, err := compile(rule)
	if err != nil {
		return err
	}
	next := &snapshot{byTool: make(map[string]Rule, len(snap.byTool)+1)}
	for _, cr := range snap.rules {
		if cr.ToolID == rule.ToolID {
			next.rules = append(next.rules, compiled)
			next.byTool[rule.ToolID] = rule
			continue
		}
		next.rules = append(next.rules, cr)
		next.byTool[cr.ToolID] = cr.Rule
	}
	if !exists {
		next.rules = append(next.rules, compiled)
		next.byTool[rule.ToolID] = rule
	}
	t.snap.Store(next)
	return nil
}

// Delete removes a rule by tool id.
func (t *Table) Delete(toolID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snap.Load()
	if _, ok := snap.byTool[toolID]; !ok {
		return false
	}
	next := &snapshot{byTool: make(map[string]Rule, len(snap.byTool)-1)}
	for _, cr := range snap.rules {
		if cr.ToolID == toolID {
			continue
		}
		next.rules = append(next.rules, cr)
		next.byTool[cr.ToolID] = cr.Rule
	}
	t.snap.Store(next)
	return true
}

func compile(rule Rule) (compiledRule, error) {
	parts := splitPath(rule.Path)
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, ":") {
			name := strings.TrimPrefix(p, ":")
			if name == "" {
				return compiledRule{}, fmt.Errorf("empty parameter segment in %q", rule.Path)
			}
			segs = append(segs, segment{param: name})
			continue
		}
		segs = append(segs, segment{literal: p})
	}
	return compiledRule{Rule: rule, segments: segs}, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func segmentsMatch(segs []segment, parts []string) bool {
	for i, seg := range segs {
		if seg.param != "" {
			continue
		}
		if seg.literal != parts[i] {
			return false
		}
	}
	return true
}

// score ranks a template: concrete prefix length first, total literal
// segment count second.
func score(segs []segment) (prefix, literals int) {
	counting := true
	for _, seg := range segs {
		if seg.param != "" {
			counting = false
			continue
		}
		if counting {
			prefix++
		}
		literals++
	}
	return prefix, literals
}
