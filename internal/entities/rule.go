package entities

// RuleDefinition is one declarative rule: a name, an ordered parameter
// pattern list, and an optional body. A nil body is a fact: the rule holds
// whenever all parameters match.
type RuleDefinition struct {
	Name   string
	Params []Pattern
	Body   Expr
}

// Arity returns the fixed parameter count of the rule.
func (r *RuleDefinition) Arity() int {
	return len(r.Params)
}

// Expr is a boolean-valued body expression. Evaluation produces zero or
// more successful binding environments, lazily.
type Expr interface {
	isExpr()
}

// AndExpr is a conjunction: each left solution expands into the solutions
// of the remainder
type AndExpr struct {
	Operands []Expr
}

func (*AndExpr) isExpr() {}

// EqExpr tests equality of two operands, or binds when one side is an
// unbound variable
type EqExpr struct {
	Left  Operand
	Right Operand
}

func (*EqExpr) isExpr() {}

// InExpr tests membership of Item in the collection produced by List,
// or enumerates the collection when Item is an unbound variable
type InExpr struct {
	Item Operand
	List Operand
}

func (*InExpr) isExpr() {}

// RuleCallExpr re-enters query resolution with the named rule
// (e.g. delegation: allow(...) if allow(...))
type RuleCallExpr struct {
	Name string
	Args []Operand
}

func (*RuleCallExpr) isExpr() {}

// CELExpr is a CEL constraint over the conventional actor / action /
// resource / ctx bindings
type CELExpr struct {
	Expression string

	// Vars maps conventional constraint variable names to the environment
	// names holding them. Rule activation renames local variables, so the
	// binding for "actor" may live under a suffixed name. A nil map or a
	// missing key falls back to the plain name.
	Vars map[string]string
}

func (*CELExpr) isExpr() {}

// Operand is a value-producing expression inside a rule body. Operands may
// produce several values: a call into a generator-like host method yields
// one value per produced item.
type Operand interface {
	isOperand()
}

// TermOperand is a literal or variable reference
type TermOperand struct {
	Term Term
}

func (*TermOperand) isOperand() {}

// AttrOperand reads an attribute off the object operand; chains compose
// (widget.company.id)
type AttrOperand struct {
	Object Operand
	Attr   string
}

func (*AttrOperand) isOperand() {}

// CallOperand invokes a method on the object operand. A generator-like
// method fans out into one solution branch per yielded item.
type CallOperand struct {
	Object Operand
	Method string
	Args   []Operand
}

func (*CallOperand) isOperand() {}

// NewOperand constructs a host instance through the registered constructor
// hook of TypeName
type NewOperand struct {
	TypeName string
	Fields   map[string]Operand
}

func (*NewOperand) isOperand() {}
