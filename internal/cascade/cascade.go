// Package cascade resolves conflicting candidate values for one variable and
// recomputes derived variables when their bases change.
//
// Resolution order is style-sheet-like on purpose: importance outranks
// specificity, specificity outranks recency, and recency only breaks full
// ties. A genuinely newer write can therefore lose to an older important
// rule; that is the intended policy.
package cascade

import (
	"fmt"
	"log/slog"
	"sync"
)

// Meta carries the cascade weight of one candidate value.
type Meta struct {
	Importance  int
	Specificity int
	SourceTag   string
}

// Rule is one registered candidate for a variable.
type Rule struct {
	Variable    string
	Value       string
	Importance  int
	Specificity int
	SourceTag   string

	seq int // registration order, last tie-breaker
}

// Compute derives a value from its base variable's value.
type Compute func(baseValue string) (string, error)

type edge struct {
	derived string
	fn      Compute
}

// Resolver owns the rule set and the dependency graph. The orchestrator
// references it read-mostly; registration happens at startup.
type Resolver struct {
	mu    sync.Mutex
	rules map[string][]Rule
	deps  map[string][]edge // base -> outgoing edges
	seq   int
	log   *slog.Logger
}

// NewResolver builds an empty resolver.
func NewResolver(log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		rules: make(map[string][]Rule),
		deps:  make(map[string][]edge),
		log:   log,
	}
}

// AddRule registers a standing candidate for variable.
func (r *Resolver) AddRule(variable, value string, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.rules[variable] = append(r.rules[variable], Rule{
		Variable:    variable,
		Value:       value,
		Importance:  meta.Importance,
		Specificity: meta.Specificity,
		SourceTag:   meta.SourceTag,
		seq:         r.seq,
	})
}

// ResolveCascade pits candidate (as the most recent registration) against
// every standing rule for variable and returns the winning value. Higher
// importance wins outright; equal importance breaks on specificity; a full
// tie goes to the most recent registration — which is the candidate itself.
func (r *Resolver) ResolveCascade(variable, candidate string, meta Meta) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	winner := Rule{
		Variable:    variable,
		Value:       candidate,
		Importance:  meta.Importance,
		Specificity: meta.Specificity,
		SourceTag:   meta.SourceTag,
		seq:         r.seq + 1, // newest by construction
	}
	for _, rule := range r.rules[variable] {
		if rule.wins(winner) {
			winner = rule
		}
	}
	if winner.Value != candidate {
		r.log.Debug("cascade: candidate overruled",
			"variable", variable, "candidate", candidate,
			"winner", winner.Value, "source", winner.SourceTag)
	}
	return winner.Value
}

// wins reports whether a beats b under the cascade ordering.
func (a Rule) wins(b Rule) bool {
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	if a.Specificity != b.Specificity {
		return a.Specificity > b.Specificity
	}
	return a.seq > b.seq
}

// DependencyError reports a rejected edge registration.
type DependencyError struct {
	Base    string
	Derived string
	Reason  string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("cascade: cannot derive %s from %s: %s", e.Derived, e.Base, e.Reason)
}

// RegisterDependency adds the directed edge base -> derived. Cycles are
// rejected here, never discovered lazily during recompute.
func (r *Resolver) RegisterDependency(base, derived string, fn Compute) error {
	if base == derived {
		return &DependencyError{Base: base, Derived: derived, Reason: "self-dependency"}
	}
	if fn == nil {
		return &DependencyError{Base: base, Derived: derived, Reason: "nil compute function"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reachable(derived, base) {
		return &DependencyError{Base: base, Derived: derived, Reason: "would create a cycle"}
	}
	r.deps[base] = append(r.deps[base], edge{derived: derived, fn: fn})
	return nil
}

// reachable reports whether to is reachable from from along existing edges.
func (r *Resolver) reachable(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range r.deps[cur] {
			stack = append(stack, e.derived)
		}
	}
	return false
}

// Recompute returns every derived value (transitively) affected by base
// taking baseValue. A failing compute drops that branch and logs; it never
// blocks sibling recomputation.
func (r *Resolver) Recompute(base, baseValue string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[string]string{}
	type item struct{ name, value string }
	queue := []item{{base, baseValue}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range r.deps[cur.name] {
			v, err := e.fn(cur.value)
			if err != nil {
				r.log.Warn("cascade: recompute failed",
					"base", cur.name, "derived", e.derived, "error", err)
				continue
			}
			out[e.derived] = v
			queue = append(queue, item{e.derived, v})
		}
	}
	return out
}

// DependsOn reports whether any edge derives from base, for diagnostics.
func (r *Resolver) DependsOn(base string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deps[base]) > 0
}
