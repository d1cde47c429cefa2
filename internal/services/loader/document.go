package loader

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/benwis/oso/internal/entities"
)

// Policy documents are YAML. A document carries a list of rules; each rule
// has a name, parameter patterns, and an optional body:
//
//	rules:
//	  - name: allow
//	    params:
//	      - var: actor
//	      - value: read
//	      - type: Company
//	        as: resource
//	        where:
//	          public: true
//	    body:
//	      and:
//	        - eq: {left: {path: [actor, role]}, right: {value: admin}}
//	        - rule: {name: member, args: [{var: actor}]}
//
// Parameter forms: {value: ...} literal, {var: name} binder, and
// {type: T, as: name, where: {...}} typed. Body forms: and, eq, in, rule,
// and cel. Operand forms: var, value, path, call, and new.
type document struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Name   string     `yaml:"name"`
	Params []paramDoc `yaml:"params"`
	Body   *exprDoc   `yaml:"body"`
}

// paramDoc is one parameter pattern. Exactly one of the three forms is
// present after unmarshalling.
type paramDoc struct {
	Literal  entities.Value
	Variable *string
	Typed    *typedParamDoc
}

type typedParamDoc struct {
	TypeName string
	Binding  string
	Where    []fieldDoc
}

type fieldDoc struct {
	Name  string
	Value entities.Term
}

func (p *paramDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameter must be a mapping", node.Line)
	}
	fields, err := mappingFields(node)
	if err != nil {
		return err
	}

	if v, ok := fields["var"]; ok {
		if len(fields) != 1 {
			return fmt.Errorf("line %d: var parameter takes no other keys", node.Line)
		}
		var name string
		if err := v.Decode(&name); err != nil {
			return err
		}
		p.Variable = &name
		return nil
	}

	if v, ok := fields["value"]; ok {
		if len(fields) != 1 {
			return fmt.Errorf("line %d: value parameter takes no other keys", node.Line)
		}
		value, err := yamlValue(v)
		if err != nil {
			return err
		}
		p.Literal = value
		return nil
	}

	typed := &typedParamDoc{}
	for key, v := range fields {
		switch key {
		case "type":
			if err := v.Decode(&typed.TypeName); err != nil {
				return err
			}
		case "as":
			if err := v.Decode(&typed.Binding); err != nil {
				return err
			}
		case "where":
			where, err := fieldConstraints(v)
			if err != nil {
				return err
			}
			typed.Where = where
		default:
			return fmt.Errorf("line %d: unknown parameter key %q", node.Line, key)
		}
	}
	if typed.TypeName == "" && typed.Binding == "" && len(typed.Where) == 0 {
		return fmt.Errorf("line %d: empty parameter", node.Line)
	}
	p.Typed = typed
	return nil
}

// exprDoc is one body expression node.
type exprDoc struct {
	And  []exprDoc
	Eq   *eqDoc
	In   *inDoc
	Rule *ruleCallDoc
	CEL  string

	hasCEL bool
}

type eqDoc struct {
	Left  operandDoc `yaml:"left"`
	Right operandDoc `yaml:"right"`
}

type inDoc struct {
	Item operandDoc `yaml:"item"`
	Of   operandDoc `yaml:"of"`
}

type ruleCallDoc struct {
	Name string       `yaml:"name"`
	Args []operandDoc `yaml:"args"`
}

func (e *exprDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: expression must be a single-key mapping", node.Line)
	}
	key := node.Content[0].Value
	body := node.Content[1]

	switch key {
	case "and":
		return body.Decode(&e.And)
	case "eq":
		e.Eq = &eqDoc{}
		return body.Decode(e.Eq)
	case "in":
		e.In = &inDoc{}
		return body.Decode(e.In)
	case "rule":
		e.Rule = &ruleCallDoc{}
		return body.Decode(e.Rule)
	case "cel":
		e.hasCEL = true
		return body.Decode(&e.CEL)
	default:
		return fmt.Errorf("line %d: unknown expression %q", node.Line, key)
	}
}

// operandDoc is one value expression node.
type operandDoc struct {
	Variable *string
	Literal  entities.Value
	Path     []string
	Call     *callDoc
	New      *newDoc
}

type callDoc struct {
	On     operandDoc   `yaml:"on"`
	Method string       `yaml:"method"`
	Args   []operandDoc `yaml:"args"`
}

type newDoc struct {
	TypeName string                `yaml:"type"`
	Fields   map[string]operandDoc `yaml:"fields"`
}

func (o *operandDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: operand must be a single-key mapping", node.Line)
	}
	key := node.Content[0].Value
	body := node.Content[1]

	switch key {
	case "var":
		var name string
		if err := body.Decode(&name); err != nil {
			return err
		}
		o.Variable = &name
		return nil
	case "value":
		value, err := yamlValue(body)
		if err != nil {
			return err
		}
		o.Literal = value
		return nil
	case "path":
		if err := body.Decode(&o.Path); err != nil {
			return err
		}
		if len(o.Path) < 2 {
			return fmt.Errorf("line %d: path needs a base variable and at least one attribute", node.Line)
		}
		return nil
	case "call":
		o.Call = &callDoc{}
		return body.Decode(o.Call)
	case "new":
		o.New = &newDoc{}
		return body.Decode(o.New)
	default:
		return fmt.Errorf("line %d: unknown operand %q", node.Line, key)
	}
}

// mappingFields indexes a mapping node's entries by key.
func mappingFields(node *yaml.Node) (map[string]*yaml.Node, error) {
	fields := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if key.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: mapping keys must be scalars", key.Line)
		}
		fields[key.Value] = node.Content[i+1]
	}
	return fields, nil
}

// fieldConstraints decodes a where-mapping in key order. A {var: name}
// entry binds; any other YAML value is a literal equality check.
func fieldConstraints(node *yaml.Node) ([]fieldDoc, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: where must be a mapping", node.Line)
	}
	out := make([]fieldDoc, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		v := node.Content[i+1]

		if v.Kind == yaml.MappingNode && len(v.Content) == 2 && v.Content[0].Value == "var" {
			out = append(out, fieldDoc{Name: name, Value: entities.Variable{Name: v.Content[1].Value}})
			continue
		}
		value, err := yamlValue(v)
		if err != nil {
			return nil, err
		}
		out = append(out, fieldDoc{Name: name, Value: entities.Literal{Value: value}})
	}
	return out, nil
}

// yamlValue converts a YAML node into a policy value.
func yamlValue(node *yaml.Node) (entities.Value, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var raw any
		if err := node.Decode(&raw); err != nil {
			return nil, err
		}
		switch v := raw.(type) {
		case nil:
			return entities.Null{}, nil
		case bool:
			return entities.Bool(v), nil
		case int:
			return entities.Number(v), nil
		case int64:
			return entities.Number(v), nil
		case float64:
			return entities.Number(v), nil
		case string:
			return entities.String(v), nil
		default:
			return nil, fmt.Errorf("line %d: unsupported scalar %T", node.Line, raw)
		}
	case yaml.SequenceNode:
		list := make(entities.List, len(node.Content))
		for i, item := range node.Content {
			v, err := yamlValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return list, nil
	case yaml.MappingNode:
		record := make(entities.Record, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			v, err := yamlValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			record[node.Content[i].Value] = v
		}
		return record, nil
	case yaml.AliasNode:
		return yamlValue(node.Alias)
	default:
		return nil, fmt.Errorf("line %d: unsupported value node", node.Line)
	}
}
