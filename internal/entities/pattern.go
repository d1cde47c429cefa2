package entities

// Pattern is a parameter matcher applied to one query argument during rule
// dispatch. Matching never mutates the inspected value; a failed match is a
// normal no-match, not an error.
type Pattern interface {
	isPattern()
}

// LiteralPattern requires the argument to equal a concrete value
// (e.g. the action literal in allow(actor, "read", resource))
type LiteralPattern struct {
	Value Value
}

func (*LiteralPattern) isPattern() {}

// VariablePattern matches any argument and binds it
type VariablePattern struct {
	Name string // "_" or "" never binds
}

func (*VariablePattern) isPattern() {}

// TypePattern requires the argument's runtime type to be TypeName (or a
// declared subtype) and every field constraint to hold. An empty TypeName
// matches any type. Records match by structural duck-typing; a bare
// primitive matches through the type's declared identity field.
type TypePattern struct {
	Binding  string // variable bound to the whole argument ("" = none)
	TypeName string // "" = any
	Fields   []FieldConstraint
}

func (*TypePattern) isPattern() {}

// FieldConstraint constrains one attribute of the matched value. A literal
// term checks equality; a variable term binds the attribute's value (or
// checks it against an earlier binding).
type FieldConstraint struct {
	Name  string
	Value Term
}
