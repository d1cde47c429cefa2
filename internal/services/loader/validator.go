package loader

import (
	"fmt"
	"strings"

	"github.com/benwis/oso/internal/entities"
)

// TypeChecker answers whether a type name is registered with the host.
type TypeChecker interface {
	Known(typeName string) bool
}

// ConstraintChecker compiles a constraint expression without running it.
type ConstraintChecker interface {
	ValidateExpression(expression string) error
}

// Validator checks a complete set of rule definitions before they become a
// rule base: every referenced type must be registered, every rule call
// must resolve to a defined rule of matching arity, and every constraint
// expression must compile.
type Validator struct {
	types       TypeChecker
	constraints ConstraintChecker

	errors  []string
	arities map[string]int
}

// NewValidator creates a Validator. Either checker may be nil to skip its
// checks.
func NewValidator(types TypeChecker, constraints ConstraintChecker) *Validator {
	return &Validator{types: types, constraints: constraints}
}

// Validate checks defs as a whole and returns the accumulated problems.
func (v *Validator) Validate(defs []*entities.RuleDefinition) error {
	v.errors = nil
	v.arities = make(map[string]int, len(defs))

	v.collectArities(defs)
	for _, def := range defs {
		for i, p := range def.Params {
			v.validatePattern(def.Name, i, p)
		}
		if def.Body != nil {
			v.validateExpr(def.Name, def.Body)
		}
	}

	if len(v.errors) > 0 {
		return fmt.Errorf("%w:\n%s", entities.ErrMalformedRule, strings.Join(v.errors, "\n"))
	}
	return nil
}

func (v *Validator) collectArities(defs []*entities.RuleDefinition) {
	for _, def := range defs {
		if def.Name == "" {
			v.errors = append(v.errors, "rule with empty name")
			continue
		}
		if arity, seen := v.arities[def.Name]; seen {
			if arity != def.Arity() {
				v.errors = append(v.errors, fmt.Sprintf("rule %s: arity %d conflicts with earlier definition of arity %d", def.Name, def.Arity(), arity))
			}
			continue
		}
		v.arities[def.Name] = def.Arity()
	}
}

func (v *Validator) validatePattern(rule string, index int, p entities.Pattern) {
	typed, ok := p.(*entities.TypePattern)
	if !ok {
		return
	}
	if typed.TypeName != "" {
		v.checkType(fmt.Sprintf("rule %s: parameter %d", rule, index), typed.TypeName)
	}
	seen := make(map[string]bool, len(typed.Fields))
	for _, f := range typed.Fields {
		if seen[f.Name] {
			v.errors = append(v.errors, fmt.Sprintf("rule %s: parameter %d: duplicate field constraint %s", rule, index, f.Name))
		}
		seen[f.Name] = true
	}
}

func (v *Validator) validateExpr(rule string, e entities.Expr) {
	switch node := e.(type) {
	case *entities.AndExpr:
		for _, op := range node.Operands {
			v.validateExpr(rule, op)
		}
	case *entities.EqExpr:
		v.validateOperand(rule, node.Left)
		v.validateOperand(rule, node.Right)
	case *entities.InExpr:
		v.validateOperand(rule, node.Item)
		v.validateOperand(rule, node.List)
	case *entities.RuleCallExpr:
		arity, defined := v.arities[node.Name]
		if !defined {
			v.errors = append(v.errors, fmt.Sprintf("rule %s: call to undefined rule %s", rule, node.Name))
		} else if arity != len(node.Args) {
			v.errors = append(v.errors, fmt.Sprintf("rule %s: call to %s with %d args, defined with %d", rule, node.Name, len(node.Args), arity))
		}
		for _, arg := range node.Args {
			v.validateOperand(rule, arg)
		}
	case *entities.CELExpr:
		if v.constraints == nil {
			return
		}
		if err := v.constraints.ValidateExpression(node.Expression); err != nil {
			v.errors = append(v.errors, fmt.Sprintf("rule %s: %v", rule, err))
		}
	}
}

func (v *Validator) validateOperand(rule string, op entities.Operand) {
	switch node := op.(type) {
	case *entities.AttrOperand:
		v.validateOperand(rule, node.Object)
	case *entities.CallOperand:
		v.validateOperand(rule, node.Object)
		for _, arg := range node.Args {
			v.validateOperand(rule, arg)
		}
	case *entities.NewOperand:
		v.checkType(fmt.Sprintf("rule %s: new", rule), node.TypeName)
		for _, field := range node.Fields {
			v.validateOperand(rule, field)
		}
	}
}

func (v *Validator) checkType(where, typeName string) {
	if v.types == nil {
		return
	}
	if !v.types.Known(typeName) {
		v.errors = append(v.errors, fmt.Sprintf("%s: unknown type %s", where, typeName))
	}
}
