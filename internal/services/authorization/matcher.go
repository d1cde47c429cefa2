package authorization

import (
	"fmt"

	"github.com/benwis/oso/internal/entities"
)

// Matcher decides whether a query argument matches a parameter pattern,
// extending the binding environment on success. Type or value mismatch is
// a normal no-match; only a malformed pattern (unknown type name) is an
// error.
type Matcher struct {
	bridge HostBridge
}

// NewMatcher creates a Matcher over the given host bridge.
func NewMatcher(bridge HostBridge) *Matcher {
	return &Matcher{bridge: bridge}
}

// Match matches one pattern against one argument term under env. It
// returns the extended environment and whether the match succeeded. The
// input environment is never mutated.
func (m *Matcher) Match(pat entities.Pattern, arg entities.Term, env *entities.Bindings) (*entities.Bindings, bool, error) {
	switch p := pat.(type) {
	case *entities.LiteralPattern:
		return m.matchLiteral(p, arg, env)
	case *entities.VariablePattern:
		return m.matchVariable(p, arg, env)
	case *entities.TypePattern:
		return m.matchType(p, arg, env)
	default:
		return nil, false, fmt.Errorf("%w: unsupported pattern %T", entities.ErrMalformedRule, pat)
	}
}

func (m *Matcher) matchLiteral(p *entities.LiteralPattern, arg entities.Term, env *entities.Bindings) (*entities.Bindings, bool, error) {
	switch t := env.Walk(arg).(type) {
	case entities.Literal:
		eq, err := m.bridge.Equal(t.Value, p.Value)
		if err != nil {
			return nil, false, err
		}
		return env, eq, nil
	case entities.Variable:
		// Open argument position: the literal pattern binds it.
		return env.Bind(t.Name, entities.Literal{Value: p.Value}), true, nil
	default:
		return nil, false, fmt.Errorf("%w: unexpected term %T", entities.ErrMalformedRule, t)
	}
}

func (m *Matcher) matchVariable(p *entities.VariablePattern, arg entities.Term, env *entities.Bindings) (*entities.Bindings, bool, error) {
	if p.Name == "" || p.Name == "_" {
		return env, true, nil
	}
	// A repeated parameter variable already resolves to a value from an
	// earlier position; the argument must unify with it.
	if bound, ok := env.Walk(entities.Variable{Name: p.Name}).(entities.Literal); ok {
		switch t := env.Walk(arg).(type) {
		case entities.Literal:
			eq, err := m.bridge.Equal(bound.Value, t.Value)
			if err != nil {
				return nil, false, err
			}
			return env, eq, nil
		case entities.Variable:
			return env.Bind(t.Name, bound), true, nil
		}
	}
	return env.Bind(p.Name, arg), true, nil
}

func (m *Matcher) matchType(p *entities.TypePattern, arg entities.Term, env *entities.Bindings) (*entities.Bindings, bool, error) {
	if p.TypeName != "" && !m.bridge.Known(p.TypeName) {
		return nil, false, fmt.Errorf("%w: %s in pattern", entities.ErrUnknownType, p.TypeName)
	}

	walked := env.Walk(arg)
	variable, open := walked.(entities.Variable)
	if open {
		// An open argument can only satisfy an unconstrained pattern;
		// there is no value to type-check or read fields from.
		if p.TypeName != "" || len(p.Fields) > 0 {
			return env, false, nil
		}
		if p.Binding != "" {
			env = env.Bind(p.Binding, entities.Variable{Name: variable.Name})
		}
		return env, true, nil
	}

	value := walked.(entities.Literal).Value
	next, ok, err := m.matchValue(p, value, env)
	if err != nil || !ok {
		return nil, false, err
	}
	if p.Binding != "" {
		next = next.Bind(p.Binding, entities.Literal{Value: value})
	}
	return next, true, nil
}

// matchValue dispatches on the argument's value variant.
func (m *Matcher) matchValue(p *entities.TypePattern, value entities.Value, env *entities.Bindings) (*entities.Bindings, bool, error) {
	switch v := value.(type) {
	case entities.Instance:
		if p.TypeName != "" {
			if v.TypeName == "" || !m.bridge.IsSubtype(v.TypeName, p.TypeName) {
				return env, false, nil
			}
		}
		return m.matchFields(p.Fields, env, func(name string) (entities.Value, bool, error) {
			return m.bridge.Attr(v, name)
		})

	case entities.Record:
		// Structural duck-typing: a plain map matches any type whose
		// field constraints its entries satisfy.
		return m.matchFields(p.Fields, env, func(name string) (entities.Value, bool, error) {
			field, ok := v[name]
			return field, ok, nil
		})

	case entities.String, entities.Number, entities.Bool:
		if p.TypeName == "" {
			return m.matchFields(p.Fields, env, func(string) (entities.Value, bool, error) {
				return nil, false, nil
			})
		}
		// Primitive shorthand: the bare value stands in for the type's
		// declared identity attribute.
		identity, ok := m.bridge.IdentityField(p.TypeName)
		if !ok {
			return env, false, nil
		}
		return m.matchFields(p.Fields, env, func(name string) (entities.Value, bool, error) {
			if name != identity {
				return nil, false, nil
			}
			return value, true, nil
		})

	case entities.ClassRef:
		// A class reference carries no fields; it matches a field-free
		// pattern naming the same type or a declared supertype.
		if len(p.Fields) > 0 {
			return env, false, nil
		}
		if p.TypeName != "" && !m.bridge.IsSubtype(v.TypeName, p.TypeName) {
			return env, false, nil
		}
		return env, true, nil

	case entities.List, entities.Null:
		if p.TypeName != "" || len(p.Fields) > 0 {
			return env, false, nil
		}
		return env, true, nil

	default:
		return nil, false, fmt.Errorf("%w: unsupported value %T", entities.ErrMalformedRule, value)
	}
}

// matchFields checks every field constraint against the value's attributes,
// threading bindings left to right. A missing attribute is a no-match.
func (m *Matcher) matchFields(fields []entities.FieldConstraint, env *entities.Bindings, attr func(name string) (entities.Value, bool, error)) (*entities.Bindings, bool, error) {
	for _, constraint := range fields {
		actual, ok, err := attr(constraint.Name)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return env, false, nil
		}

		switch want := env.Walk(constraint.Value).(type) {
		case entities.Literal:
			eq, err := m.bridge.Equal(actual, want.Value)
			if err != nil {
				return nil, false, err
			}
			if !eq {
				return env, false, nil
			}
		case entities.Variable:
			env = env.Bind(want.Name, entities.Literal{Value: actual})
		}
	}
	return env, true, nil
}
