package authorization

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benwis/oso/internal/entities"
	"github.com/benwis/oso/pkg/cache"
)

// AllowRule is the conventional entry-point rule for permit decisions.
const AllowRule = "allow"

// WildcardAction marks a rule that permits any action on a resource.
const WildcardAction = "*"

// actionVariable is the open variable used for allowed-action enumeration.
const actionVariable = "action"

// contextVariable is the reserved binding that carries the per-request
// context record into constraint expressions.
const contextVariable = "ctx"

// Decider answers the top-level authorization questions over a rule-base
// snapshot: permit checks, allowed-action enumeration, and direct rule
// queries. Decisions whose arguments contain no live host instances can be
// cached, keyed by the snapshot generation.
type Decider struct {
	resolver *Resolver

	decisions cache.Cache
	cacheTTL  time.Duration
}

// NewDecider creates a Decider over the given resolver.
func NewDecider(resolver *Resolver) *Decider {
	return &Decider{resolver: resolver}
}

// WithCache attaches a decision cache. Only instance-free decisions are
// cached; a host object's attributes can change between calls, so results
// involving one are always recomputed.
func (d *Decider) WithCache(c cache.Cache, ttl time.Duration) *Decider {
	d.decisions = c
	d.cacheTTL = ttl
	return d
}

// IsAllowed reports whether any allow rule permits actor performing action
// on resource. Evaluation stops at the first solution.
func (d *Decider) IsAllowed(ctx context.Context, rb *entities.RuleBase, actor, action, resource entities.Value) (bool, error) {
	return d.IsAllowedWithContext(ctx, rb, actor, action, resource, nil)
}

// IsAllowedWithContext is IsAllowed with an extra request context record,
// bound to the reserved ctx variable so constraint expressions can read it.
// reqCtx may be nil.
func (d *Decider) IsAllowedWithContext(ctx context.Context, rb *entities.RuleBase, actor, action, resource, reqCtx entities.Value) (bool, error) {
	keyArgs := []entities.Value{actor, action, resource}
	if reqCtx != nil {
		keyArgs = append(keyArgs, reqCtx)
	}
	key, cacheable := d.decisionKey(rb, "check", keyArgs...)
	if cacheable {
		if v, ok := d.decisions.Get(ctx, key); ok {
			if allowed, ok := v.(bool); ok {
				return allowed, nil
			}
		}
	}

	args := []entities.Term{
		entities.Literal{Value: actor},
		entities.Literal{Value: action},
		entities.Literal{Value: resource},
	}
	env := entities.NewBindings()
	if reqCtx != nil {
		env = env.Bind(contextVariable, entities.Literal{Value: reqCtx})
	}

	allowed := false
	for _, err := range d.resolver.Query(ctx, rb, AllowRule, args, env) {
		if err != nil {
			return false, fmt.Errorf("failed to evaluate permit check: %w", err)
		}
		allowed = true
		break
	}

	if cacheable {
		if err := d.decisions.Set(ctx, key, allowed, d.cacheTTL); err != nil {
			return allowed, nil
		}
	}
	return allowed, nil
}

// AllowedActions enumerates the distinct actions some allow rule permits
// for actor on resource, sorted. A rule that leaves the action unbound
// permits every action; that is an error unless allowWildcard is set, in
// which case the wildcard marker is included instead. A rule that binds the
// action to a non-string value is malformed.
func (d *Decider) AllowedActions(ctx context.Context, rb *entities.RuleBase, actor, resource entities.Value, allowWildcard bool) ([]string, error) {
	args := []entities.Term{
		entities.Literal{Value: actor},
		entities.Variable{Name: actionVariable},
		entities.Literal{Value: resource},
	}

	seen := map[string]struct{}{}
	for env, err := range d.resolver.Query(ctx, rb, AllowRule, args, entities.NewBindings()) {
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate actions: %w", err)
		}
		v, bound := env.Value(actionVariable)
		if !bound {
			if !allowWildcard {
				return nil, fmt.Errorf("%w: a rule permits every action; pass allowWildcard to accept %q", entities.ErrAmbiguousWildcard, WildcardAction)
			}
			seen[WildcardAction] = struct{}{}
			continue
		}
		s, ok := v.(entities.String)
		if !ok {
			return nil, fmt.Errorf("%w: allow rule binds the action to %T, want a string", entities.ErrMalformedRule, v)
		}
		seen[string(s)] = struct{}{}
	}

	actions := make([]string, 0, len(seen))
	for a := range seen {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions, nil
}

// QuerySolutions streams the named rule's solutions lazily: one map per
// solution, carrying the resolved value of every open argument variable.
// Stopping consumption stops evaluation.
func (d *Decider) QuerySolutions(ctx context.Context, rb *entities.RuleBase, name string, args []entities.Term) iter.Seq2[map[string]entities.Value, error] {
	names := make([]string, 0, len(args))
	for _, arg := range args {
		if v, ok := arg.(entities.Variable); ok && !v.Anonymous() {
			names = append(names, v.Name)
		}
	}
	return func(yield func(map[string]entities.Value, error) bool) {
		for env, err := range d.resolver.Query(ctx, rb, name, args, entities.NewBindings()) {
			if err != nil {
				yield(nil, fmt.Errorf("failed to query rule %s: %w", name, err))
				return
			}
			solution := make(map[string]entities.Value, len(names))
			for _, n := range names {
				if v, ok := env.Value(n); ok {
					solution[n] = v
				}
			}
			if !yield(solution, nil) {
				return
			}
		}
	}
}

// QueryRule reports whether the named rule has at least one solution for
// the given argument terms.
func (d *Decider) QueryRule(ctx context.Context, rb *entities.RuleBase, name string, args []entities.Term) (bool, error) {
	for _, err := range d.resolver.Query(ctx, rb, name, args, entities.NewBindings()) {
		if err != nil {
			return false, fmt.Errorf("failed to query rule %s: %w", name, err)
		}
		return true, nil
	}
	return false, nil
}

// decisionKey builds the cache key for a decision, and reports whether the
// decision may be cached at all.
func (d *Decider) decisionKey(rb *entities.RuleBase, kind string, args ...entities.Value) (string, bool) {
	if d.decisions == nil {
		return "", false
	}
	var sb strings.Builder
	sb.WriteString(rb.Generation())
	sb.WriteByte('|')
	sb.WriteString(kind)
	for _, arg := range args {
		sb.WriteByte('|')
		if !canonical(&sb, arg) {
			return "", false
		}
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), true
}

// canonical renders a value into a stable textual form. It returns false
// when the value contains a host instance, which has no stable identity.
func canonical(sb *strings.Builder, v entities.Value) bool {
	switch val := v.(type) {
	case entities.String:
		sb.WriteString("s:")
		sb.WriteString(strconv.Quote(string(val)))
	case entities.Number:
		sb.WriteString("n:")
		sb.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 64))
	case entities.Bool:
		sb.WriteString("b:")
		sb.WriteString(strconv.FormatBool(bool(val)))
	case entities.Null:
		sb.WriteString("null")
	case entities.ClassRef:
		sb.WriteString("c:")
		sb.WriteString(val.TypeName)
	case entities.List:
		sb.WriteString("l:[")
		for _, item := range val {
			if !canonical(sb, item) {
				return false
			}
			sb.WriteByte(',')
		}
		sb.WriteByte(']')
	case entities.Record:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("r:{")
		for _, k := range keys {
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte('=')
			if !canonical(sb, val[k]) {
				return false
			}
			sb.WriteByte(',')
		}
		sb.WriteByte('}')
	default:
		return false
	}
	return true
}
