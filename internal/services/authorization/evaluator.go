package authorization

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/benwis/oso/internal/entities"
)

// Evaluator evaluates rule bodies against a binding environment, producing
// a lazy sequence of successful environments. Conjunction composes
// sub-sequences; a call into a generator-like host method fans out into one
// branch per yielded item, and failure of the remainder for one branch
// never prevents the next branch from being attempted.
type Evaluator struct {
	bridge HostBridge
	cel    *CELEngine

	// query re-enters rule resolution for RuleCallExpr bodies; wired by
	// the resolver after construction.
	query queryFunc
}

type queryFunc func(ctx context.Context, rb *entities.RuleBase, name string, args []entities.Term, env *entities.Bindings) iter.Seq2[*entities.Bindings, error]

// NewEvaluator creates an Evaluator over the given host bridge and
// constraint engine.
func NewEvaluator(bridge HostBridge, cel *CELEngine) *Evaluator {
	return &Evaluator{bridge: bridge, cel: cel}
}

// Eval evaluates expr under env against the rule-base snapshot rb. The
// returned sequence is lazy: stopping consumption stops all further
// evaluation and host calls. An error terminates the sequence.
func (e *Evaluator) Eval(ctx context.Context, rb *entities.RuleBase, expr entities.Expr, env *entities.Bindings) iter.Seq2[*entities.Bindings, error] {
	return func(yield func(*entities.Bindings, error) bool) {
		e.eval(ctx, rb, expr, env, yield)
	}
}

// eval pushes solutions into yield; it returns false once the consumer
// stopped or an error terminated the branch.
func (e *Evaluator) eval(ctx context.Context, rb *entities.RuleBase, expr entities.Expr, env *entities.Bindings, yield func(*entities.Bindings, error) bool) bool {
	if err := ctx.Err(); err != nil {
		yield(nil, err)
		return false
	}

	switch node := expr.(type) {
	case *entities.AndExpr:
		return e.evalAnd(ctx, rb, node.Operands, env, yield)
	case *entities.EqExpr:
		return e.evalEq(ctx, node, env, yield)
	case *entities.InExpr:
		return e.evalIn(ctx, node, env, yield)
	case *entities.RuleCallExpr:
		return e.evalRuleCall(ctx, rb, node, env, yield)
	case *entities.CELExpr:
		return e.evalCEL(node, env, yield)
	default:
		yield(nil, fmt.Errorf("%w: unsupported expression %T", entities.ErrMalformedRule, expr))
		return false
	}
}

// evalAnd expands each solution of the first operand into the solutions of
// the remainder.
func (e *Evaluator) evalAnd(ctx context.Context, rb *entities.RuleBase, operands []entities.Expr, env *entities.Bindings, yield func(*entities.Bindings, error) bool) bool {
	if len(operands) == 0 {
		return yield(env, nil)
	}
	return e.eval(ctx, rb, operands[0], env, func(next *entities.Bindings, err error) bool {
		if err != nil {
			yield(nil, err)
			return false
		}
		return e.evalAnd(ctx, rb, operands[1:], next, yield)
	})
}

// evalEq unifies when one side is an unbound variable, otherwise compares
// every pair of produced values.
func (e *Evaluator) evalEq(ctx context.Context, node *entities.EqExpr, env *entities.Bindings, yield func(*entities.Bindings, error) bool) bool {
	leftVar, leftOpen := unboundVar(node.Left, env)
	rightVar, rightOpen := unboundVar(node.Right, env)

	switch {
	case leftOpen && rightOpen:
		return yield(env.Bind(leftVar, entities.Variable{Name: rightVar}), nil)
	case leftOpen:
		return e.evalOperand(ctx, node.Right, env, func(v entities.Value, err error) bool {
			if err != nil {
				yield(nil, err)
				return false
			}
			return yield(env.Bind(leftVar, entities.Literal{Value: v}), nil)
		})
	case rightOpen:
		return e.evalOperand(ctx, node.Left, env, func(v entities.Value, err error) bool {
			if err != nil {
				yield(nil, err)
				return false
			}
			return yield(env.Bind(rightVar, entities.Literal{Value: v}), nil)
		})
	default:
		return e.evalOperand(ctx, node.Left, env, func(lv entities.Value, err error) bool {
			if err != nil {
				yield(nil, err)
				return false
			}
			return e.evalOperand(ctx, node.Right, env, func(rv entities.Value, err error) bool {
				if err != nil {
					yield(nil, err)
					return false
				}
				eq, err := e.bridge.Equal(lv, rv)
				if err != nil {
					yield(nil, err)
					return false
				}
				if !eq {
					return true
				}
				return yield(env, nil)
			})
		})
	}
}

// evalIn enumerates the collection when the item is an unbound variable,
// and otherwise succeeds once per collection containing an equal element.
// A non-list collection value (a single generator item) is treated as a
// one-element collection.
func (e *Evaluator) evalIn(ctx context.Context, node *entities.InExpr, env *entities.Bindings, yield func(*entities.Bindings, error) bool) bool {
	itemVar, open := unboundVar(node.Item, env)

	return e.evalOperand(ctx, node.List, env, func(collection entities.Value, err error) bool {
		if err != nil {
			yield(nil, err)
			return false
		}
		elements, ok := collection.(entities.List)
		if !ok {
			elements = entities.List{collection}
		}

		if open {
			for _, element := range elements {
				if !yield(env.Bind(itemVar, entities.Literal{Value: element}), nil) {
					return false
				}
			}
			return true
		}

		return e.evalOperand(ctx, node.Item, env, func(item entities.Value, err error) bool {
			if err != nil {
				yield(nil, err)
				return false
			}
			for _, element := range elements {
				eq, err := e.bridge.Equal(item, element)
				if err != nil {
					yield(nil, err)
					return false
				}
				if eq {
					return yield(env, nil)
				}
			}
			return true
		})
	})
}

// evalRuleCall re-enters query resolution, sharing the caller's
// environment so that open caller variables can be bound by the callee.
func (e *Evaluator) evalRuleCall(ctx context.Context, rb *entities.RuleBase, node *entities.RuleCallExpr, env *entities.Bindings, yield func(*entities.Bindings, error) bool) bool {
	return e.evalCallArgs(ctx, node.Args, env, nil, func(args []entities.Term, err error) bool {
		if err != nil {
			yield(nil, err)
			return false
		}
		for next, err := range e.query(ctx, rb, node.Name, args, env) {
			if err != nil {
				yield(nil, err)
				return false
			}
			if !yield(next, nil) {
				return false
			}
		}
		return true
	})
}

// evalCallArgs resolves rule-call arguments to terms: an open variable is
// passed through as a variable, anything else evaluates to its values
// (composing the cartesian product when operands fan out).
func (e *Evaluator) evalCallArgs(ctx context.Context, ops []entities.Operand, env *entities.Bindings, acc []entities.Term, yield func([]entities.Term, error) bool) bool {
	if len(ops) == 0 {
		return yield(acc, nil)
	}
	if name, open := unboundVar(ops[0], env); open {
		return e.evalCallArgs(ctx, ops[1:], env, append(acc, entities.Variable{Name: name}), yield)
	}
	return e.evalOperand(ctx, ops[0], env, func(v entities.Value, err error) bool {
		if err != nil {
			yield(nil, err)
			return false
		}
		return e.evalCallArgs(ctx, ops[1:], env, append(acc, entities.Literal{Value: v}), yield)
	})
}

// evalCEL exposes the conventional bindings to the constraint engine and
// yields the environment unchanged when the constraint holds.
func (e *Evaluator) evalCEL(node *entities.CELExpr, env *entities.Bindings, yield func(*entities.Bindings, error) bool) bool {
	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		bound := name
		if renamed, ok := node.Vars[name]; ok {
			bound = renamed
		}
		if v, ok := env.Value(bound); ok {
			vars[name] = e.bridge.CELValue(v)
		}
	}
	holds, err := e.cel.Evaluate(node.Expression, vars)
	if err != nil {
		yield(nil, err)
		return false
	}
	if !holds {
		return true
	}
	return yield(env, nil)
}

// evalOperand produces the values of a value expression. Most operands
// yield exactly one value; a call into a generator-like host method yields
// one value per item, lazily.
func (e *Evaluator) evalOperand(ctx context.Context, op entities.Operand, env *entities.Bindings, yield func(entities.Value, error) bool) bool {
	switch node := op.(type) {
	case *entities.TermOperand:
		switch t := env.Walk(node.Term).(type) {
		case entities.Literal:
			return yield(t.Value, nil)
		case entities.Variable:
			yield(nil, fmt.Errorf("%w: %s", entities.ErrUnboundVariable, t.Name))
			return false
		}
		return true

	case *entities.AttrOperand:
		return e.evalOperand(ctx, node.Object, env, func(obj entities.Value, err error) bool {
			if err != nil {
				yield(nil, err)
				return false
			}
			value, err := e.readAttr(obj, node.Attr)
			if err != nil {
				yield(nil, err)
				return false
			}
			return yield(value, nil)
		})

	case *entities.CallOperand:
		return e.evalOperand(ctx, node.Object, env, func(obj entities.Value, err error) bool {
			if err != nil {
				yield(nil, err)
				return false
			}
			inst, ok := obj.(entities.Instance)
			if !ok {
				yield(nil, fmt.Errorf("%w: method %s on non-instance %T", entities.ErrHostCall, node.Method, obj))
				return false
			}
			return e.evalOperands(ctx, node.Args, env, nil, func(args []entities.Value, err error) bool {
				if err != nil {
					yield(nil, err)
					return false
				}
				seq, err := e.bridge.Call(inst, node.Method, args)
				if err != nil {
					yield(nil, err)
					return false
				}
				for v, err := range seq {
					if err != nil {
						yield(nil, err)
						return false
					}
					if !yield(v, nil) {
						return false
					}
				}
				return true
			})
		})

	case *entities.NewOperand:
		names := make([]string, 0, len(node.Fields))
		for name := range node.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		ops := make([]entities.Operand, len(names))
		for i, name := range names {
			ops[i] = node.Fields[name]
		}
		return e.evalOperands(ctx, ops, env, nil, func(values []entities.Value, err error) bool {
			if err != nil {
				yield(nil, err)
				return false
			}
			fields := make(map[string]entities.Value, len(names))
			for i, name := range names {
				fields[name] = values[i]
			}
			inst, err := e.bridge.Construct(node.TypeName, fields)
			if err != nil {
				yield(nil, err)
				return false
			}
			return yield(inst, nil)
		})

	default:
		yield(nil, fmt.Errorf("%w: unsupported operand %T", entities.ErrMalformedRule, op))
		return false
	}
}

// evalOperands composes the cartesian product of operand value sequences.
func (e *Evaluator) evalOperands(ctx context.Context, ops []entities.Operand, env *entities.Bindings, acc []entities.Value, yield func([]entities.Value, error) bool) bool {
	if len(ops) == 0 {
		return yield(acc, nil)
	}
	return e.evalOperand(ctx, ops[0], env, func(v entities.Value, err error) bool {
		if err != nil {
			yield(nil, err)
			return false
		}
		return e.evalOperands(ctx, ops[1:], env, append(acc, v), yield)
	})
}

// readAttr reads an attribute in body position, where absence is an
// evaluation error rather than a no-match.
func (e *Evaluator) readAttr(obj entities.Value, name string) (entities.Value, error) {
	switch v := obj.(type) {
	case entities.Instance:
		value, ok, err := e.bridge.Attr(v, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s has no attribute %s", entities.ErrHostCall, v.TypeName, name)
		}
		return value, nil
	case entities.Record:
		value, ok := v[name]
		if !ok {
			return nil, fmt.Errorf("%w: record has no entry %s", entities.ErrHostCall, name)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("%w: attribute %s on %T", entities.ErrHostCall, name, obj)
	}
}

// unboundVar reports whether op is a variable with no binding yet.
func unboundVar(op entities.Operand, env *entities.Bindings) (string, bool) {
	term, ok := op.(*entities.TermOperand)
	if !ok {
		return "", false
	}
	v, ok := env.Walk(term.Term).(entities.Variable)
	if !ok {
		return "", false
	}
	return v.Name, true
}
