package registry

import (
	"errors"
	"iter"
	"reflect"
	"testing"

	"github.com/benwis/oso/internal/entities"
)

type testUser struct {
	Name     string
	Verified bool
	groups   []string
}

func (u *testUser) Groups() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, g := range u.groups {
			if !yield(g) {
				return
			}
		}
	}
}

func (u *testUser) Role() string {
	if u.Name == "root" {
		return "admin"
	}
	return "member"
}

type testCompany struct {
	ID string
}

type testWidget struct {
	ID string
}

func (w *testWidget) Company() *testCompany {
	return &testCompany{ID: w.ID}
}

func newTestRegistry(t *testing.T) *TypeRegistry {
	t.Helper()
	reg := NewTypeRegistry()
	if err := reg.RegisterClass("User", &testUser{}, Identity("name")); err != nil {
		t.Fatalf("register User: %v", err)
	}
	if err := reg.RegisterClass("Company", &testCompany{}, EqualsFn(func(a, b any) bool {
		return a.(*testCompany).ID == b.(*testCompany).ID
	})); err != nil {
		t.Fatalf("register Company: %v", err)
	}
	if err := reg.RegisterClass("Widget", &testWidget{}); err != nil {
		t.Fatalf("register Widget: %v", err)
	}
	return reg
}

func TestRegisterClass_Idempotent(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.RegisterClass("User", &testUser{}); err != nil {
		t.Errorf("re-registering same name/type should be idempotent: %v", err)
	}
	if err := reg.RegisterClass("User", &testWidget{}); err == nil {
		t.Error("conflicting re-registration should fail")
	}
}

func TestIsSubtype(t *testing.T) {
	reg := NewTypeRegistry()
	if err := reg.RegisterClass("Base", struct{ A int }{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterClass("Derived", struct{ B int }{}, Extends("Base")); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterClass("Leaf", struct{ C int }{}, Extends("Derived")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		child, parent string
		want          bool
	}{
		{"Base", "Base", true},
		{"Derived", "Base", true},
		{"Leaf", "Base", true},
		{"Base", "Derived", false},
		{"Derived", "Leaf", false},
	}
	for _, tt := range tests {
		if got := reg.IsSubtype(tt.child, tt.parent); got != tt.want {
			t.Errorf("IsSubtype(%s, %s) = %v, want %v", tt.child, tt.parent, got, tt.want)
		}
	}
}

func TestAttr_FieldAndMethod(t *testing.T) {
	reg := newTestRegistry(t)
	inst := entities.Instance{TypeName: "User", Host: &testUser{Name: "alice"}}

	// Lower-case policy name resolves to the exported field.
	v, ok, err := reg.Attr(inst, "name")
	if err != nil || !ok {
		t.Fatalf("Attr(name): ok=%v err=%v", ok, err)
	}
	if v != entities.String("alice") {
		t.Errorf("expected alice, got %v", v)
	}

	// Niladic method acts as a computed attribute.
	v, ok, err = reg.Attr(inst, "role")
	if err != nil || !ok {
		t.Fatalf("Attr(role): ok=%v err=%v", ok, err)
	}
	if v != entities.String("member") {
		t.Errorf("expected member, got %v", v)
	}

	// Missing attribute is reported, not an error.
	_, ok, err = reg.Attr(inst, "nope")
	if err != nil {
		t.Fatalf("Attr(nope): %v", err)
	}
	if ok {
		t.Error("expected missing attribute")
	}
}

func TestCall_SingleResult(t *testing.T) {
	reg := newTestRegistry(t)
	inst := entities.Instance{TypeName: "Widget", Host: &testWidget{ID: "1"}}

	seq, err := reg.Call(inst, "company", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var got []entities.Value
	for v, err := range seq {
		if err != nil {
			t.Fatalf("iterating: %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 1 {
		t.Fatalf("expected one result, got %d", len(got))
	}
	company, ok := got[0].(entities.Instance)
	if !ok || company.TypeName != "Company" {
		t.Fatalf("expected Company instance, got %#v", got[0])
	}
}

func TestCall_GeneratorLazyAndResumable(t *testing.T) {
	reg := newTestRegistry(t)
	user := &testUser{Name: "alice", groups: []string{"eng", "ops", "sec"}}
	inst := entities.Instance{TypeName: "User", Host: user}

	seq, err := reg.Call(inst, "groups", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	// Stop after the first item: the generator must not be forced further.
	var first entities.Value
	for v, err := range seq {
		if err != nil {
			t.Fatalf("iterating: %v", err)
		}
		first = v
		break
	}
	if first != entities.String("eng") {
		t.Errorf("expected eng, got %v", first)
	}

	// A fresh call restarts the sequence.
	seq, err = reg.Call(inst, "groups", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var all []entities.Value
	for v, err := range seq {
		if err != nil {
			t.Fatalf("iterating: %v", err)
		}
		all = append(all, v)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 items, got %d", len(all))
	}
}

func TestEqual_CustomHook(t *testing.T) {
	reg := newTestRegistry(t)
	a := entities.Instance{TypeName: "Company", Host: &testCompany{ID: "1"}}
	b := entities.Instance{TypeName: "Company", Host: &testCompany{ID: "1"}}
	c := entities.Instance{TypeName: "Company", Host: &testCompany{ID: "2"}}

	if eq, err := reg.Equal(a, b); err != nil || !eq {
		t.Errorf("same-id companies must be equal (eq=%v err=%v)", eq, err)
	}
	if eq, err := reg.Equal(a, c); err != nil || eq {
		t.Errorf("different-id companies must differ (eq=%v err=%v)", eq, err)
	}
}

func TestEqual_Structural(t *testing.T) {
	reg := newTestRegistry(t)
	tests := []struct {
		name string
		a, b entities.Value
		want bool
	}{
		{"strings", entities.String("x"), entities.String("x"), true},
		{"string vs number", entities.String("1"), entities.Number(1), false},
		{"lists", entities.List{entities.Number(1)}, entities.List{entities.Number(1)}, true},
		{"list length", entities.List{entities.Number(1)}, entities.List{}, false},
		{"records", entities.Record{"a": entities.Bool(true)}, entities.Record{"a": entities.Bool(true)}, true},
		{"record keys", entities.Record{"a": entities.Bool(true)}, entities.Record{"b": entities.Bool(true)}, false},
		{"class refs", entities.ClassRef{TypeName: "User"}, entities.ClassRef{TypeName: "User"}, true},
		{"nulls", entities.Null{}, entities.Null{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eq, err := reg.Equal(tt.a, tt.b)
			if err != nil {
				t.Fatalf("Equal: %v", err)
			}
			if eq != tt.want {
				t.Errorf("Equal = %v, want %v", eq, tt.want)
			}
		})
	}
}

func TestConstruct_ReflectiveFallback(t *testing.T) {
	reg := newTestRegistry(t)
	v, err := reg.Construct("User", map[string]entities.Value{"name": entities.String("bob")})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	inst, ok := v.(entities.Instance)
	if !ok {
		t.Fatalf("expected instance, got %#v", v)
	}
	user, ok := inst.Host.(*testUser)
	if !ok || user.Name != "bob" {
		t.Fatalf("expected user bob, got %#v", inst.Host)
	}
}

func TestConstruct_Hook(t *testing.T) {
	reg := NewTypeRegistry()
	err := reg.RegisterClass("User", &testUser{}, Constructor(func(fields map[string]any) (any, error) {
		name, _ := fields["name"].(string)
		return &testUser{Name: name, Verified: true}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	v, err := reg.Construct("User", map[string]entities.Value{"name": entities.String("eve")})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	user := v.(entities.Instance).Host.(*testUser)
	if user.Name != "eve" || !user.Verified {
		t.Errorf("constructor hook not applied: %#v", user)
	}
}

func TestConstruct_UnknownType(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Construct("Ghost", nil)
	if !errors.Is(err, entities.ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestToValue_Conversions(t *testing.T) {
	reg := newTestRegistry(t)

	v, err := reg.ToValue(map[string]any{"username": "guest", "tags": []any{"a", 1}})
	if err != nil {
		t.Fatalf("ToValue: %v", err)
	}
	record, ok := v.(entities.Record)
	if !ok {
		t.Fatalf("expected record, got %#v", v)
	}
	if record["username"] != entities.String("guest") {
		t.Errorf("unexpected username: %v", record["username"])
	}
	list, ok := record["tags"].(entities.List)
	if !ok || len(list) != 2 {
		t.Fatalf("expected 2-element list, got %#v", record["tags"])
	}
	if list[1] != entities.Number(1) {
		t.Errorf("int should normalize to Number, got %v", list[1])
	}
}

func TestToValue_RegisteredInstanceAndClassRef(t *testing.T) {
	reg := newTestRegistry(t)

	v, err := reg.ToValue(&testWidget{ID: "9"})
	if err != nil {
		t.Fatalf("ToValue: %v", err)
	}
	inst, ok := v.(entities.Instance)
	if !ok || inst.TypeName != "Widget" {
		t.Fatalf("expected Widget instance, got %#v", v)
	}

	ref, err := reg.ToValue(reflect.TypeOf(testWidget{}))
	if err != nil {
		t.Fatalf("ToValue(type): %v", err)
	}
	if ref != (entities.ClassRef{TypeName: "Widget"}) {
		t.Errorf("expected Widget class ref, got %#v", ref)
	}

	_, err = reg.ToValue(reflect.TypeOf(struct{ X int }{}))
	if !errors.Is(err, entities.ErrUnknownType) {
		t.Errorf("unregistered type ref should fail, got %v", err)
	}
}

func TestCELValue_InstanceExport(t *testing.T) {
	reg := newTestRegistry(t)
	v, err := reg.ToValue(&testUser{Name: "alice", Verified: true})
	if err != nil {
		t.Fatal(err)
	}
	exported, ok := reg.CELValue(v).(map[string]any)
	if !ok {
		t.Fatalf("expected map export, got %T", reg.CELValue(v))
	}
	if exported["name"] != "alice" {
		t.Errorf("expected name=alice, got %v", exported["name"])
	}
	if exported["verified"] != true {
		t.Errorf("expected verified=true, got %v", exported["verified"])
	}
}
