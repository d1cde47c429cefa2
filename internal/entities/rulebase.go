package entities

import (
	"fmt"
	"time"
)

// RuleBase is the full set of rule definitions for one loaded policy
// generation. It is immutable after construction; a policy reload builds a
// fresh RuleBase and swaps it in wholesale, so an in-flight query that
// captured the previous base keeps observing a consistent snapshot.
type RuleBase struct {
	generation string
	createdAt  time.Time
	rules      []*RuleDefinition
	byName     map[string][]*RuleDefinition
}

// NewRuleBase builds a rule base in definition order. Rules sharing a name
// must agree on arity; disagreement is a configuration error.
func NewRuleBase(generation string, rules []*RuleDefinition) (*RuleBase, error) {
	rb := &RuleBase{
		generation: generation,
		createdAt:  time.Now(),
		rules:      rules,
		byName:     make(map[string][]*RuleDefinition),
	}
	arity := make(map[string]int)
	for _, rule := range rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("%w: rule without a name", ErrMalformedRule)
		}
		if prev, seen := arity[rule.Name]; seen && prev != rule.Arity() {
			return nil, fmt.Errorf("%w: rule %s declared with %d and %d parameters",
				ErrArityMismatch, rule.Name, prev, rule.Arity())
		}
		arity[rule.Name] = rule.Arity()
		rb.byName[rule.Name] = append(rb.byName[rule.Name], rule)
	}
	return rb, nil
}

// Generation returns the identifier minted for this load. Decision caches
// key on it, so swapping the base invalidates by key divergence.
func (rb *RuleBase) Generation() string {
	return rb.generation
}

// CreatedAt returns when this generation was built.
func (rb *RuleBase) CreatedAt() time.Time {
	return rb.createdAt
}

// Lookup returns the candidate definitions for a query: all rules with the
// given name and arity, in definition order.
func (rb *RuleBase) Lookup(name string, arity int) []*RuleDefinition {
	defs := rb.byName[name]
	if len(defs) > 0 && defs[0].Arity() != arity {
		return nil
	}
	return defs
}

// Contains reports whether any definition with the given name exists.
func (rb *RuleBase) Contains(name string) bool {
	return len(rb.byName[name]) > 0
}

// Rules returns all definitions in definition order.
func (rb *RuleBase) Rules() []*RuleDefinition {
	return rb.rules
}

// Len returns the number of definitions.
func (rb *RuleBase) Len() int {
	return len(rb.rules)
}
