package entities

// Term is either a concrete value or a variable reference. Query arguments
// and pattern field constraints are terms: a literal checks equality, a
// variable binds (or is checked against an earlier binding).
type Term interface {
	isTerm()
}

// Literal wraps a concrete Value
type Literal struct {
	Value Value
}

func (Literal) isTerm() {}

// Variable references a binding by name. The name "_" is anonymous: it
// matches anything and never binds.
type Variable struct {
	Name string
}

func (Variable) isTerm() {}

// Anonymous reports whether v never produces a binding.
func (v Variable) Anonymous() bool {
	return v.Name == "" || v.Name == "_"
}

// Bindings is a binding environment: variable name to term, where a term
// may alias another variable. Environments are append-only along one
// solution path; Bind copies, so abandoning a branch simply discards the
// derived environment.
type Bindings struct {
	vars map[string]Term
}

// NewBindings returns an empty environment.
func NewBindings() *Bindings {
	return &Bindings{vars: map[string]Term{}}
}

// Walk follows alias chains starting at t and returns the terminal term:
// either a Literal or an unbound Variable.
func (b *Bindings) Walk(t Term) Term {
	for {
		v, ok := t.(Variable)
		if !ok {
			return t
		}
		next, bound := b.vars[v.Name]
		if !bound {
			return v
		}
		t = next
	}
}

// Bind binds the terminal variable of name's alias chain to t and returns
// the extended environment. Binding an anonymous variable is a no-op.
func (b *Bindings) Bind(name string, t Term) *Bindings {
	target := b.Walk(Variable{Name: name})
	v, ok := target.(Variable)
	if !ok {
		// Already resolves to a literal; callers check equality first.
		return b
	}
	if v.Anonymous() {
		return b
	}
	// Avoid self-aliasing (x bound to x).
	if tv, ok := b.Walk(t).(Variable); ok && tv.Name == v.Name {
		return b
	}
	next := &Bindings{vars: make(map[string]Term, len(b.vars)+1)}
	for k, val := range b.vars {
		next.vars[k] = val
	}
	next.vars[v.Name] = t
	return next
}

// Value resolves name to a concrete value. The second result is false when
// the variable is unbound or aliases an unbound variable.
func (b *Bindings) Value(name string) (Value, bool) {
	t := b.Walk(Variable{Name: name})
	if lit, ok := t.(Literal); ok {
		return lit.Value, true
	}
	return nil, false
}

// Len returns the number of entries in the environment.
func (b *Bindings) Len() int {
	return len(b.vars)
}

// Names returns the bound variable names in unspecified order.
func (b *Bindings) Names() []string {
	names := make([]string, 0, len(b.vars))
	for name := range b.vars {
		names = append(names, name)
	}
	return names
}
