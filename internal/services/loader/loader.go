package loader

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/benwis/oso/internal/entities"
)

// Parse decodes one YAML policy document into rule definitions, preserving
// document order.
func Parse(data []byte) ([]*entities.RuleDefinition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", entities.ErrMalformedRule, err)
	}

	defs := make([]*entities.RuleDefinition, 0, len(doc.Rules))
	for i, rule := range doc.Rules {
		def, err := toDefinition(&rule)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func toDefinition(rule *ruleDoc) (*entities.RuleDefinition, error) {
	if rule.Name == "" {
		return nil, fmt.Errorf("%w: missing rule name", entities.ErrMalformedRule)
	}

	def := &entities.RuleDefinition{
		Name:   rule.Name,
		Params: make([]entities.Pattern, len(rule.Params)),
	}
	for i, p := range rule.Params {
		def.Params[i] = toPattern(&p)
	}
	if rule.Body != nil {
		body, err := toExpr(rule.Body)
		if err != nil {
			return nil, err
		}
		def.Body = body
	}
	return def, nil
}

func toPattern(p *paramDoc) entities.Pattern {
	switch {
	case p.Variable != nil:
		return &entities.VariablePattern{Name: *p.Variable}
	case p.Typed != nil:
		out := &entities.TypePattern{
			Binding:  p.Typed.Binding,
			TypeName: p.Typed.TypeName,
			Fields:   make([]entities.FieldConstraint, len(p.Typed.Where)),
		}
		for i, f := range p.Typed.Where {
			out.Fields[i] = entities.FieldConstraint{Name: f.Name, Value: f.Value}
		}
		return out
	default:
		return &entities.LiteralPattern{Value: p.Literal}
	}
}

func toExpr(e *exprDoc) (entities.Expr, error) {
	switch {
	case e.And != nil:
		out := &entities.AndExpr{Operands: make([]entities.Expr, len(e.And))}
		for i := range e.And {
			sub, err := toExpr(&e.And[i])
			if err != nil {
				return nil, err
			}
			out.Operands[i] = sub
		}
		return out, nil
	case e.Eq != nil:
		left, err := toOperand(&e.Eq.Left)
		if err != nil {
			return nil, err
		}
		right, err := toOperand(&e.Eq.Right)
		if err != nil {
			return nil, err
		}
		return &entities.EqExpr{Left: left, Right: right}, nil
	case e.In != nil:
		item, err := toOperand(&e.In.Item)
		if err != nil {
			return nil, err
		}
		of, err := toOperand(&e.In.Of)
		if err != nil {
			return nil, err
		}
		return &entities.InExpr{Item: item, List: of}, nil
	case e.Rule != nil:
		if e.Rule.Name == "" {
			return nil, fmt.Errorf("%w: rule call without a name", entities.ErrMalformedRule)
		}
		args, err := toOperands(e.Rule.Args)
		if err != nil {
			return nil, err
		}
		return &entities.RuleCallExpr{Name: e.Rule.Name, Args: args}, nil
	case e.hasCEL:
		if e.CEL == "" {
			return nil, fmt.Errorf("%w: empty constraint expression", entities.ErrMalformedRule)
		}
		return &entities.CELExpr{Expression: e.CEL}, nil
	default:
		return nil, fmt.Errorf("%w: empty expression", entities.ErrMalformedRule)
	}
}

func toOperand(o *operandDoc) (entities.Operand, error) {
	switch {
	case o.Variable != nil:
		return &entities.TermOperand{Term: entities.Variable{Name: *o.Variable}}, nil
	case o.Path != nil:
		var out entities.Operand = &entities.TermOperand{Term: entities.Variable{Name: o.Path[0]}}
		for _, attr := range o.Path[1:] {
			out = &entities.AttrOperand{Object: out, Attr: attr}
		}
		return out, nil
	case o.Call != nil:
		obj, err := toOperand(&o.Call.On)
		if err != nil {
			return nil, err
		}
		if o.Call.Method == "" {
			return nil, fmt.Errorf("%w: call without a method", entities.ErrMalformedRule)
		}
		args, err := toOperands(o.Call.Args)
		if err != nil {
			return nil, err
		}
		return &entities.CallOperand{Object: obj, Method: o.Call.Method, Args: args}, nil
	case o.New != nil:
		if o.New.TypeName == "" {
			return nil, fmt.Errorf("%w: new without a type", entities.ErrMalformedRule)
		}
		fields := make(map[string]entities.Operand, len(o.New.Fields))
		for name, field := range o.New.Fields {
			op, err := toOperand(&field)
			if err != nil {
				return nil, err
			}
			fields[name] = op
		}
		return &entities.NewOperand{TypeName: o.New.TypeName, Fields: fields}, nil
	default:
		return &entities.TermOperand{Term: entities.Literal{Value: o.Literal}}, nil
	}
}

func toOperands(docs []operandDoc) ([]entities.Operand, error) {
	out := make([]entities.Operand, len(docs))
	for i := range docs {
		op, err := toOperand(&docs[i])
		if err != nil {
			return nil, err
		}
		out[i] = op
	}
	return out, nil
}
