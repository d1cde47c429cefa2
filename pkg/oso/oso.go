// Package oso embeds the authorization engine in a Go application: host
// types are registered once, declarative rules are loaded from YAML
// documents, and decisions are answered against live application objects.
package oso

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/benwis/oso/internal/entities"
	"github.com/benwis/oso/internal/registry"
	"github.com/benwis/oso/internal/services"
	"github.com/benwis/oso/internal/services/authorization"
	"github.com/benwis/oso/pkg/cache/memorycache"
)

// ClassOption configures a registered class.
type ClassOption = registry.ClassOption

// Extends declares parent as a supertype of the class being registered.
func Extends(parent string) ClassOption { return registry.Extends(parent) }

// Identity names the attribute that a bare primitive stands in for when a
// rule constrains this class.
func Identity(field string) ClassOption { return registry.Identity(field) }

// EqualsFn installs a custom equality hook for instances of the class.
func EqualsFn(fn func(a, b any) bool) ClassOption { return registry.EqualsFn(fn) }

// Constructor installs a hook used when rules construct instances of the
// class.
func Constructor(fn func(fields map[string]any) (any, error)) ClassOption {
	return registry.Constructor(fn)
}

// Var marks a query argument as an open variable.
type Var string

// Option configures an Oso engine.
type Option func(*options)

type options struct {
	cacheBytes int64
	cacheTTL   time.Duration
}

// WithDecisionCache caches instance-free decisions in memory, bounded by
// maxBytes, each entry living for ttl.
func WithDecisionCache(maxBytes int64, ttl time.Duration) Option {
	return func(o *options) {
		o.cacheBytes = maxBytes
		o.cacheTTL = ttl
	}
}

// Oso is an embedded authorization engine instance. It is safe for
// concurrent use; policy loads swap in immutable snapshots.
type Oso struct {
	registry *registry.TypeRegistry
	decider  *authorization.Decider
	policy   *services.PolicyService
}

// New creates an engine with no classes registered and an empty policy.
func New(opts ...Option) (*Oso, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := registry.NewTypeRegistry()
	cel, err := authorization.NewCELEngine()
	if err != nil {
		return nil, err
	}
	decider := authorization.NewDecider(authorization.NewResolver(reg, cel))

	if o.cacheBytes > 0 {
		c, err := memorycache.New(&memorycache.Config{
			MaxSizeBytes:  o.cacheBytes,
			DefaultTTL:    o.cacheTTL,
			EnableMetrics: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create decision cache: %w", err)
		}
		decider.WithCache(c, o.cacheTTL)
	}

	policy, err := services.NewPolicyService(reg, cel, nil)
	if err != nil {
		return nil, err
	}

	return &Oso{registry: reg, decider: decider, policy: policy}, nil
}

// RegisterClass makes a host type available to rules under name. sample
// is any value (or pointer to one) of the type.
func (o *Oso) RegisterClass(name string, sample any, opts ...ClassOption) error {
	return o.registry.RegisterClass(name, sample, opts...)
}

// LoadString loads a YAML policy document, adding its rules to the
// already loaded set.
func (o *Oso) LoadString(source string) error {
	return o.policy.LoadString(source)
}

// LoadFiles loads one or more YAML policy documents from disk.
func (o *Oso) LoadFiles(paths ...string) error {
	return o.policy.LoadFiles(paths...)
}

// ClearRules drops every loaded rule. Registered classes are kept.
func (o *Oso) ClearRules() error {
	return o.policy.ClearRules()
}

// IsAllowed reports whether any allow rule permits actor performing
// action on resource. Arguments may be registered host objects, plain
// maps and slices, scalars, or types (via reflect.TypeOf) standing for a
// class itself.
func (o *Oso) IsAllowed(ctx context.Context, actor, action, resource any) (bool, error) {
	actorV, err := o.registry.ToValue(actor)
	if err != nil {
		return false, err
	}
	actionV, err := o.registry.ToValue(action)
	if err != nil {
		return false, err
	}
	resourceV, err := o.registry.ToValue(resource)
	if err != nil {
		return false, err
	}
	return o.decider.IsAllowed(ctx, o.policy.ActiveRuleBase(), actorV, actionV, resourceV)
}

// GetAllowedActions enumerates the distinct actions permitted for actor on
// resource, sorted. When a rule permits every action, enumeration fails
// unless allowWildcard is set, in which case "*" is included.
func (o *Oso) GetAllowedActions(ctx context.Context, actor, resource any, allowWildcard bool) ([]string, error) {
	actorV, err := o.registry.ToValue(actor)
	if err != nil {
		return nil, err
	}
	resourceV, err := o.registry.ToValue(resource)
	if err != nil {
		return nil, err
	}
	return o.decider.AllowedActions(ctx, o.policy.ActiveRuleBase(), actorV, resourceV, allowWildcard)
}

// QueryRule streams the named rule's solutions lazily. A Var argument is
// left open for the rule to bind; each solution maps every open Var to its
// resolved native value. A rule holds when the sequence yields at least
// once; stopping consumption stops evaluation.
func (o *Oso) QueryRule(ctx context.Context, name string, args ...any) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		terms := make([]entities.Term, len(args))
		for i, arg := range args {
			if v, ok := arg.(Var); ok {
				terms[i] = entities.Variable{Name: string(v)}
				continue
			}
			value, err := o.registry.ToValue(arg)
			if err != nil {
				yield(nil, fmt.Errorf("arg %d: %w", i, err))
				return
			}
			terms[i] = entities.Literal{Value: value}
		}
		for solution, err := range o.decider.QuerySolutions(ctx, o.policy.ActiveRuleBase(), name, terms) {
			if err != nil {
				yield(nil, err)
				return
			}
			out := make(map[string]any, len(solution))
			for k, v := range solution {
				out[k] = o.registry.FromValue(v)
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}
