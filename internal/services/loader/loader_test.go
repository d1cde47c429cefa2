package loader

import (
	"errors"
	"strings"
	"testing"

	"github.com/benwis/oso/internal/entities"
)

const samplePolicy = `
rules:
  - name: allow
    params:
      - var: actor
      - value: read
      - type: Company
        as: resource
        where:
          public: true
  - name: allow
    params:
      - var: actor
      - var: action
      - var: _
    body:
      and:
        - eq: {left: {path: [actor, role]}, right: {value: admin}}
        - in: {item: {var: action}, of: {value: [CREATE, UPDATE]}}
  - name: member
    params:
      - var: actor
      - var: company
    body:
      in:
        item: {var: company}
        of: {call: {on: {var: actor}, method: companies}}
`

func TestParse_SamplePolicy(t *testing.T) {
	defs, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(defs))
	}

	first := defs[0]
	if first.Name != "allow" || first.Arity() != 3 {
		t.Fatalf("unexpected first rule: %s/%d", first.Name, first.Arity())
	}
	if first.Body != nil {
		t.Error("first rule is a fact and must have no body")
	}
	if _, ok := first.Params[0].(*entities.VariablePattern); !ok {
		t.Errorf("param 0 should be a variable pattern, got %T", first.Params[0])
	}
	litPat, ok := first.Params[1].(*entities.LiteralPattern)
	if !ok || litPat.Value != entities.String("read") {
		t.Errorf("param 1 should be the read literal, got %#v", first.Params[1])
	}
	typed, ok := first.Params[2].(*entities.TypePattern)
	if !ok {
		t.Fatalf("param 2 should be a type pattern, got %T", first.Params[2])
	}
	if typed.TypeName != "Company" || typed.Binding != "resource" {
		t.Errorf("unexpected type pattern: %+v", typed)
	}
	if len(typed.Fields) != 1 || typed.Fields[0].Name != "public" {
		t.Fatalf("unexpected field constraints: %+v", typed.Fields)
	}
	if typed.Fields[0].Value != (entities.Literal{Value: entities.Bool(true)}) {
		t.Errorf("public constraint should be the true literal, got %#v", typed.Fields[0].Value)
	}

	second := defs[1]
	body, ok := second.Body.(*entities.AndExpr)
	if !ok || len(body.Operands) != 2 {
		t.Fatalf("second rule body should be a two-part conjunction, got %#v", second.Body)
	}
	eq, ok := body.Operands[0].(*entities.EqExpr)
	if !ok {
		t.Fatalf("expected eq, got %T", body.Operands[0])
	}
	attr, ok := eq.Left.(*entities.AttrOperand)
	if !ok || attr.Attr != "role" {
		t.Errorf("path should decode to an attribute read, got %#v", eq.Left)
	}

	third := defs[2]
	in, ok := third.Body.(*entities.InExpr)
	if !ok {
		t.Fatalf("expected in, got %T", third.Body)
	}
	call, ok := in.List.(*entities.CallOperand)
	if !ok || call.Method != "companies" {
		t.Errorf("of should decode to a method call, got %#v", in.List)
	}
}

func TestParse_RuleCallAndNew(t *testing.T) {
	defs, err := Parse([]byte(`
rules:
  - name: admin
    params:
      - value: root
  - name: allow
    params:
      - var: actor
      - var: _
      - var: _
    body:
      and:
        - rule: {name: admin, args: [{var: actor}]}
        - eq:
            left: {var: home}
            right: {new: {type: Company, fields: {id: {value: "1"}}}}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	body := defs[1].Body.(*entities.AndExpr)
	call, ok := body.Operands[0].(*entities.RuleCallExpr)
	if !ok || call.Name != "admin" || len(call.Args) != 1 {
		t.Fatalf("unexpected rule call: %#v", body.Operands[0])
	}
	eq := body.Operands[1].(*entities.EqExpr)
	construct, ok := eq.Right.(*entities.NewOperand)
	if !ok || construct.TypeName != "Company" {
		t.Fatalf("unexpected new operand: %#v", eq.Right)
	}
	if construct.Fields["id"] == nil {
		t.Error("new fields should carry id")
	}
}

func TestParse_CEL(t *testing.T) {
	defs, err := Parse([]byte(`
rules:
  - name: allow
    params:
      - var: actor
      - var: action
      - var: resource
    body:
      cel: 'actor.verified && action == "read"'
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cel, ok := defs[0].Body.(*entities.CELExpr)
	if !ok {
		t.Fatalf("expected cel expression, got %T", defs[0].Body)
	}
	if cel.Expression != `actor.verified && action == "read"` {
		t.Errorf("unexpected expression: %s", cel.Expression)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing rule name", "rules:\n  - params: [{var: x}]"},
		{"unknown expression", "rules:\n  - name: r\n    params: [{var: x}]\n    body:\n      nor: []"},
		{"unknown operand", "rules:\n  - name: r\n    params: [{var: x}]\n    body:\n      eq: {left: {ref: x}, right: {value: 1}}"},
		{"short path", "rules:\n  - name: r\n    params: [{var: x}]\n    body:\n      eq: {left: {path: [x]}, right: {value: 1}}"},
		{"unknown parameter key", "rules:\n  - name: r\n    params: [{binding: x}]"},
		{"not yaml", ": ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

type fakeTypes map[string]bool

func (f fakeTypes) Known(name string) bool { return f[name] }

type fakeConstraints struct{}

func (fakeConstraints) ValidateExpression(expr string) error {
	if expr == "bad(" {
		return errors.New("compile error")
	}
	return nil
}

func TestValidator(t *testing.T) {
	types := fakeTypes{"User": true, "Company": true}

	tests := []struct {
		name    string
		defs    []*entities.RuleDefinition
		wantErr string
	}{
		{
			name: "valid",
			defs: []*entities.RuleDefinition{
				{Name: "admin", Params: []entities.Pattern{&entities.VariablePattern{Name: "x"}}},
				{Name: "allow", Params: []entities.Pattern{
					&entities.TypePattern{TypeName: "User"},
					&entities.VariablePattern{Name: "_"},
					&entities.VariablePattern{Name: "_"},
				}, Body: &entities.RuleCallExpr{Name: "admin", Args: []entities.Operand{
					&entities.TermOperand{Term: entities.Variable{Name: "x"}},
				}}},
			},
		},
		{
			name: "unknown type",
			defs: []*entities.RuleDefinition{
				{Name: "allow", Params: []entities.Pattern{&entities.TypePattern{TypeName: "Ghost"}}},
			},
			wantErr: "unknown type Ghost",
		},
		{
			name: "undefined rule call",
			defs: []*entities.RuleDefinition{
				{Name: "allow", Params: []entities.Pattern{&entities.VariablePattern{Name: "x"}},
					Body: &entities.RuleCallExpr{Name: "ghost"}},
			},
			wantErr: "undefined rule ghost",
		},
		{
			name: "rule call arity",
			defs: []*entities.RuleDefinition{
				{Name: "admin", Params: []entities.Pattern{&entities.VariablePattern{Name: "x"}}},
				{Name: "allow", Params: []entities.Pattern{&entities.VariablePattern{Name: "x"}},
					Body: &entities.RuleCallExpr{Name: "admin"}},
			},
			wantErr: "with 0 args, defined with 1",
		},
		{
			name: "conflicting arity",
			defs: []*entities.RuleDefinition{
				{Name: "r", Params: []entities.Pattern{&entities.VariablePattern{Name: "x"}}},
				{Name: "r", Params: []entities.Pattern{&entities.VariablePattern{Name: "x"}, &entities.VariablePattern{Name: "y"}}},
			},
			wantErr: "arity 2 conflicts",
		},
		{
			name: "bad constraint",
			defs: []*entities.RuleDefinition{
				{Name: "allow", Params: []entities.Pattern{&entities.VariablePattern{Name: "x"}},
					Body: &entities.CELExpr{Expression: "bad("}},
			},
			wantErr: "compile error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewValidator(types, fakeConstraints{}).Validate(tt.defs)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, entities.ErrMalformedRule) {
				t.Errorf("expected ErrMalformedRule, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}
