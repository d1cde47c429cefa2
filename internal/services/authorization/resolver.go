package authorization

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/benwis/oso/internal/entities"
)

// maxQueryDepth bounds rule-call recursion so that a mutually recursive
// policy fails instead of spinning.
const maxQueryDepth = 128

type depthKey struct{}

// Resolver answers rule queries against a rule-base snapshot. Definitions
// are tried in load order; each activation gets a fresh copy of the rule's
// local variables so that recursive and repeated calls cannot collide in
// the shared environment.
type Resolver struct {
	matcher *Matcher
	eval    *Evaluator

	// gensym counter for per-activation variable renaming.
	counter atomic.Uint64
}

// NewResolver builds the resolver together with its evaluator and wires
// the rule-call cycle between them.
func NewResolver(bridge HostBridge, cel *CELEngine) *Resolver {
	r := &Resolver{
		matcher: NewMatcher(bridge),
		eval:    NewEvaluator(bridge, cel),
	}
	r.eval.query = r.Query
	return r
}

// Query produces the solutions of rule name over args, lazily and in
// definition order. An unknown rule name, or one with a different arity,
// yields no solutions.
func (r *Resolver) Query(ctx context.Context, rb *entities.RuleBase, name string, args []entities.Term, env *entities.Bindings) iter.Seq2[*entities.Bindings, error] {
	return func(yield func(*entities.Bindings, error) bool) {
		depth, _ := ctx.Value(depthKey{}).(int)
		if depth >= maxQueryDepth {
			yield(nil, fmt.Errorf("%w: rule call depth exceeded querying %s", entities.ErrMalformedRule, name))
			return
		}
		ctx = context.WithValue(ctx, depthKey{}, depth+1)

		for _, def := range rb.Lookup(name, len(args)) {
			if !r.queryRule(ctx, rb, def, args, env, yield) {
				return
			}
		}
	}
}

// queryRule tries one definition: rename its locals, match every
// parameter left to right, then evaluate the body. A parameter mismatch
// moves on to the next definition.
func (r *Resolver) queryRule(ctx context.Context, rb *entities.RuleBase, def *entities.RuleDefinition, args []entities.Term, env *entities.Bindings, yield func(*entities.Bindings, error) bool) bool {
	def = r.rename(def)

	for i, pat := range def.Params {
		next, ok, err := r.matcher.Match(pat, args[i], env)
		if err != nil {
			yield(nil, err)
			return false
		}
		if !ok {
			return true
		}
		env = next
	}

	if def.Body == nil {
		return yield(env, nil)
	}
	return r.eval.eval(ctx, rb, def.Body, env, yield)
}

// rename returns a copy of def with every local variable suffixed by a
// fresh activation id. Anonymous variables stay anonymous; argument terms
// belong to the caller and are untouched.
func (r *Resolver) rename(def *entities.RuleDefinition) *entities.RuleDefinition {
	suffix := fmt.Sprintf("#%d", r.counter.Add(1))
	rn := renamer{suffix: suffix}

	out := &entities.RuleDefinition{
		Name:   def.Name,
		Params: make([]entities.Pattern, len(def.Params)),
	}
	for i, p := range def.Params {
		out.Params[i] = rn.pattern(p)
	}
	if def.Body != nil {
		out.Body = rn.expr(def.Body)
	}
	return out
}

type renamer struct {
	suffix string
}

func (rn renamer) name(name string) string {
	// ctx is reserved: it always resolves to the request context record
	// bound at the root of the query.
	if name == "" || name == "_" || name == contextVariable {
		return name
	}
	return name + rn.suffix
}

func (rn renamer) term(t entities.Term) entities.Term {
	if v, ok := t.(entities.Variable); ok {
		return entities.Variable{Name: rn.name(v.Name)}
	}
	return t
}

func (rn renamer) pattern(p entities.Pattern) entities.Pattern {
	switch pat := p.(type) {
	case *entities.LiteralPattern:
		return pat
	case *entities.VariablePattern:
		return &entities.VariablePattern{Name: rn.name(pat.Name)}
	case *entities.TypePattern:
		out := &entities.TypePattern{
			Binding:  rn.name(pat.Binding),
			TypeName: pat.TypeName,
			Fields:   make([]entities.FieldConstraint, len(pat.Fields)),
		}
		for i, f := range pat.Fields {
			out.Fields[i] = entities.FieldConstraint{Name: f.Name, Value: rn.term(f.Value)}
		}
		return out
	default:
		return p
	}
}

func (rn renamer) expr(e entities.Expr) entities.Expr {
	switch node := e.(type) {
	case *entities.AndExpr:
		out := &entities.AndExpr{Operands: make([]entities.Expr, len(node.Operands))}
		for i, op := range node.Operands {
			out.Operands[i] = rn.expr(op)
		}
		return out
	case *entities.EqExpr:
		return &entities.EqExpr{Left: rn.operand(node.Left), Right: rn.operand(node.Right)}
	case *entities.InExpr:
		return &entities.InExpr{Item: rn.operand(node.Item), List: rn.operand(node.List)}
	case *entities.RuleCallExpr:
		out := &entities.RuleCallExpr{Name: node.Name, Args: make([]entities.Operand, len(node.Args))}
		for i, arg := range node.Args {
			out.Args[i] = rn.operand(arg)
		}
		return out
	case *entities.CELExpr:
		vars := make(map[string]string, len(celVariables))
		for _, name := range celVariables {
			bound := name
			if prev, ok := node.Vars[name]; ok {
				bound = prev
			}
			vars[name] = rn.name(bound)
		}
		return &entities.CELExpr{Expression: node.Expression, Vars: vars}
	default:
		return e
	}
}

func (rn renamer) operand(op entities.Operand) entities.Operand {
	switch node := op.(type) {
	case *entities.TermOperand:
		return &entities.TermOperand{Term: rn.term(node.Term)}
	case *entities.AttrOperand:
		return &entities.AttrOperand{Object: rn.operand(node.Object), Attr: node.Attr}
	case *entities.CallOperand:
		out := &entities.CallOperand{Object: rn.operand(node.Object), Method: node.Method, Args: make([]entities.Operand, len(node.Args))}
		for i, arg := range node.Args {
			out.Args[i] = rn.operand(arg)
		}
		return out
	case *entities.NewOperand:
		out := &entities.NewOperand{TypeName: node.TypeName, Fields: make(map[string]entities.Operand, len(node.Fields))}
		for name, field := range node.Fields {
			out.Fields[name] = rn.operand(field)
		}
		return out
	default:
		return op
	}
}
