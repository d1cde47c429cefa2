package authorization

import (
	"context"
	"errors"
	"testing"

	"github.com/benwis/oso/internal/entities"
)

func newTestEvaluator(t *testing.T, bridge HostBridge) *Evaluator {
	t.Helper()
	cel, err := NewCELEngine()
	if err != nil {
		t.Fatalf("cel engine: %v", err)
	}
	return NewEvaluator(bridge, cel)
}

// solutions collects every environment of expr, failing the test on error.
func solutions(t *testing.T, e *Evaluator, expr entities.Expr, env *entities.Bindings) []*entities.Bindings {
	t.Helper()
	var out []*entities.Bindings
	for got, err := range e.Eval(context.Background(), nil, expr, env) {
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		out = append(out, got)
	}
	return out
}

func TestEval_EqBindsOpenVariable(t *testing.T) {
	bridge := newMockBridge()
	e := newTestEvaluator(t, bridge)

	expr := &entities.EqExpr{Left: vref("x"), Right: lit(entities.Number(7))}
	got := solutions(t, e, expr, entities.NewBindings())
	if len(got) != 1 {
		t.Fatalf("expected one solution, got %d", len(got))
	}
	if v, ok := got[0].Value("x"); !ok || v != entities.Number(7) {
		t.Errorf("x not bound to 7: %v", v)
	}
}

func TestEval_EqComparesBothBound(t *testing.T) {
	bridge := newMockBridge()
	e := newTestEvaluator(t, bridge)

	same := &entities.EqExpr{Left: lit(entities.String("a")), Right: lit(entities.String("a"))}
	if got := solutions(t, e, same, entities.NewBindings()); len(got) != 1 {
		t.Errorf("equal values: expected one solution, got %d", len(got))
	}

	diff := &entities.EqExpr{Left: lit(entities.String("a")), Right: lit(entities.String("b"))}
	if got := solutions(t, e, diff, entities.NewBindings()); len(got) != 0 {
		t.Errorf("unequal values: expected no solutions, got %d", len(got))
	}
}

func TestEval_EqAliasesTwoOpenVariables(t *testing.T) {
	bridge := newMockBridge()
	e := newTestEvaluator(t, bridge)

	expr := &entities.AndExpr{Operands: []entities.Expr{
		&entities.EqExpr{Left: vref("x"), Right: vref("y")},
		&entities.EqExpr{Left: vref("y"), Right: lit(entities.String("v"))},
	}}
	got := solutions(t, e, expr, entities.NewBindings())
	if len(got) != 1 {
		t.Fatalf("expected one solution, got %d", len(got))
	}
	if v, ok := got[0].Value("x"); !ok || v != entities.String("v") {
		t.Errorf("alias did not propagate, x = %v (ok=%v)", v, ok)
	}
}

func TestEval_InEnumeratesAndChecks(t *testing.T) {
	bridge := newMockBridge()
	e := newTestEvaluator(t, bridge)
	roles := entities.List{entities.String("dev"), entities.String("ops")}

	open := &entities.InExpr{Item: vref("r"), List: lit(roles)}
	got := solutions(t, e, open, entities.NewBindings())
	if len(got) != 2 {
		t.Fatalf("expected two solutions, got %d", len(got))
	}
	if v, _ := got[0].Value("r"); v != entities.String("dev") {
		t.Errorf("first element should come first, got %v", v)
	}

	member := &entities.InExpr{Item: lit(entities.String("ops")), List: lit(roles)}
	if got := solutions(t, e, member, entities.NewBindings()); len(got) != 1 {
		t.Errorf("membership should succeed once, got %d solutions", len(got))
	}

	absent := &entities.InExpr{Item: lit(entities.String("hr")), List: lit(roles)}
	if got := solutions(t, e, absent, entities.NewBindings()); len(got) != 0 {
		t.Errorf("non-member should fail, got %d solutions", len(got))
	}
}

func TestEval_AttrChain(t *testing.T) {
	bridge := newMockBridge("Widget", "Company")
	e := newTestEvaluator(t, bridge)

	company := obj("Company", map[string]entities.Value{"id": entities.String("acme")})
	widget := obj("Widget", map[string]entities.Value{"company": company})

	expr := &entities.EqExpr{
		Left: &entities.AttrOperand{
			Object: &entities.AttrOperand{Object: vref("resource"), Attr: "company"},
			Attr:   "id",
		},
		Right: lit(entities.String("acme")),
	}
	env := entities.NewBindings().Bind("resource", entities.Literal{Value: widget})
	if got := solutions(t, e, expr, env); len(got) != 1 {
		t.Errorf("chained attribute read failed, got %d solutions", len(got))
	}
}

func TestEval_MissingAttrIsError(t *testing.T) {
	bridge := newMockBridge("Widget")
	e := newTestEvaluator(t, bridge)
	widget := obj("Widget", nil)

	expr := &entities.EqExpr{
		Left:  &entities.AttrOperand{Object: vref("resource"), Attr: "owner"},
		Right: lit(entities.String("x")),
	}
	env := entities.NewBindings().Bind("resource", entities.Literal{Value: widget})

	var got error
	for _, err := range e.Eval(context.Background(), nil, expr, env) {
		got = err
	}
	if !errors.Is(got, entities.ErrHostCall) {
		t.Errorf("expected ErrHostCall, got %v", got)
	}
}

func TestEval_UnboundOperandIsError(t *testing.T) {
	bridge := newMockBridge()
	e := newTestEvaluator(t, bridge)

	expr := &entities.InExpr{Item: lit(entities.String("x")), List: vref("nowhere")}
	var got error
	for _, err := range e.Eval(context.Background(), nil, expr, entities.NewBindings()) {
		got = err
	}
	if !errors.Is(got, entities.ErrUnboundVariable) {
		t.Errorf("expected ErrUnboundVariable, got %v", got)
	}
}

func TestEval_MethodCallFansOut(t *testing.T) {
	bridge := newMockBridge("User", "Company")
	e := newTestEvaluator(t, bridge)

	failing := obj("Company", map[string]entities.Value{"id": entities.String("1")})
	passing := obj("Company", map[string]entities.Value{"id": entities.String("2")})
	user := entities.Instance{TypeName: "User", Host: &mockObj{
		methods: map[string]func([]entities.Value) []entities.Value{
			"companies": func([]entities.Value) []entities.Value {
				return []entities.Value{failing, passing}
			},
		},
	}}

	// The first yielded company fails the remainder; evaluation must move
	// on to the second instead of giving up.
	expr := &entities.AndExpr{Operands: []entities.Expr{
		&entities.InExpr{
			Item: vref("c"),
			List: &entities.CallOperand{Object: vref("actor"), Method: "companies"},
		},
		&entities.EqExpr{
			Left:  &entities.AttrOperand{Object: vref("c"), Attr: "id"},
			Right: lit(entities.String("2")),
		},
	}}
	env := entities.NewBindings().Bind("actor", entities.Literal{Value: user})

	got := solutions(t, e, expr, env)
	if len(got) != 1 {
		t.Fatalf("expected one solution via the second item, got %d", len(got))
	}
	if bridge.calls != 1 {
		t.Errorf("method should be invoked once, got %d", bridge.calls)
	}
}

func TestEval_MethodCallStopsWhenConsumerStops(t *testing.T) {
	bridge := newMockBridge("User")
	e := newTestEvaluator(t, bridge)

	user := entities.Instance{TypeName: "User", Host: &mockObj{
		methods: map[string]func([]entities.Value) []entities.Value{
			"groups": func([]entities.Value) []entities.Value {
				return []entities.Value{entities.String("a"), entities.String("b"), entities.String("c")}
			},
		},
	}}
	expr := &entities.InExpr{
		Item: vref("g"),
		List: &entities.CallOperand{Object: vref("actor"), Method: "groups"},
	}
	env := entities.NewBindings().Bind("actor", entities.Literal{Value: user})

	for _, err := range e.Eval(context.Background(), nil, expr, env) {
		if err != nil {
			t.Fatal(err)
		}
		break
	}
	if bridge.consumed != 1 {
		t.Errorf("stopping after the first solution must not force the rest, consumed %d", bridge.consumed)
	}
}

func TestEval_MethodArgumentErrorPropagates(t *testing.T) {
	bridge := newMockBridge("User")
	e := newTestEvaluator(t, bridge)

	user := entities.Instance{TypeName: "User", Host: &mockObj{
		methods: map[string]func([]entities.Value) []entities.Value{
			"sees": func([]entities.Value) []entities.Value {
				return []entities.Value{entities.Bool(true)}
			},
		},
	}}
	// The method argument reads an entry the record does not carry; the
	// error must reach the consumer instead of ending the sequence silently.
	expr := &entities.EqExpr{
		Left: &entities.CallOperand{Object: vref("actor"), Method: "sees", Args: []entities.Operand{
			&entities.AttrOperand{Object: vref("resource"), Attr: "owner"},
		}},
		Right: lit(entities.Bool(true)),
	}
	env := entities.NewBindings().
		Bind("actor", entities.Literal{Value: user}).
		Bind("resource", entities.Literal{Value: entities.Record{}})

	var got error
	for _, err := range e.Eval(context.Background(), nil, expr, env) {
		got = err
	}
	if !errors.Is(got, entities.ErrHostCall) {
		t.Errorf("expected ErrHostCall, got %v", got)
	}
}

func TestEval_NewOperandConstructs(t *testing.T) {
	bridge := newMockBridge("Company")
	e := newTestEvaluator(t, bridge)

	acme := obj("Company", map[string]entities.Value{"id": entities.String("acme")})
	expr := &entities.EqExpr{
		Left:  vref("c"),
		Right: &entities.NewOperand{TypeName: "Company", Fields: map[string]entities.Operand{"id": lit(entities.String("acme"))}},
	}
	got := solutions(t, e, expr, entities.NewBindings())
	if len(got) != 1 {
		t.Fatalf("expected one solution, got %d", len(got))
	}
	v, _ := got[0].Value("c")
	eq, err := bridge.Equal(v, acme)
	if err != nil || !eq {
		t.Errorf("constructed instance mismatch: %#v", v)
	}
}

func TestEval_CELConstraint(t *testing.T) {
	bridge := newMockBridge("User")
	e := newTestEvaluator(t, bridge)

	alice := obj("User", map[string]entities.Value{"verified": entities.Bool(true), "age": entities.Number(34)})
	env := entities.NewBindings().
		Bind("actor", entities.Literal{Value: alice}).
		Bind("action", entities.Literal{Value: entities.String("read")})

	pass := &entities.CELExpr{Expression: `actor.verified && actor.age >= 18.0 && action == "read"`}
	if got := solutions(t, e, pass, env); len(got) != 1 {
		t.Errorf("holding constraint: expected one solution, got %d", len(got))
	}

	fail := &entities.CELExpr{Expression: `actor.age > 40.0`}
	if got := solutions(t, e, fail, env); len(got) != 0 {
		t.Errorf("failing constraint: expected no solutions, got %d", len(got))
	}
}

func TestEval_CELRenamedVariables(t *testing.T) {
	bridge := newMockBridge()
	e := newTestEvaluator(t, bridge)

	env := entities.NewBindings().Bind("action#9", entities.Literal{Value: entities.String("read")})
	expr := &entities.CELExpr{
		Expression: `action == "read"`,
		Vars:       map[string]string{"action": "action#9"},
	}
	if got := solutions(t, e, expr, env); len(got) != 1 {
		t.Errorf("renamed binding should reach the constraint, got %d solutions", len(got))
	}
}

func TestEval_ContextCancellation(t *testing.T) {
	bridge := newMockBridge()
	e := newTestEvaluator(t, bridge)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	expr := &entities.EqExpr{Left: lit(entities.String("a")), Right: lit(entities.String("a"))}
	var got error
	for _, err := range e.Eval(ctx, nil, expr, entities.NewBindings()) {
		got = err
	}
	if !errors.Is(got, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", got)
	}
}
