package authorization

import (
	"iter"
	"reflect"

	"github.com/benwis/oso/internal/entities"
)

// mockObj is a host object for tests: attributes and methods are plain
// maps, so scenarios can be built without real Go types.
type mockObj struct {
	attrs   map[string]entities.Value
	methods map[string]func(args []entities.Value) []entities.Value
}

func obj(typeName string, attrs map[string]entities.Value) entities.Instance {
	return entities.Instance{TypeName: typeName, Host: &mockObj{attrs: attrs}}
}

// mockBridge implements HostBridge over mockObj hosts.
type mockBridge struct {
	types    map[string]struct{}
	extends  map[string]string
	identity map[string]string
	equals   map[string]func(a, b *mockObj) bool

	// calls counts method invocations, consumed counts yielded items;
	// together they observe evaluation laziness.
	calls    int
	consumed int
}

func newMockBridge(types ...string) *mockBridge {
	b := &mockBridge{
		types:    map[string]struct{}{},
		extends:  map[string]string{},
		identity: map[string]string{},
		equals:   map[string]func(a, b *mockObj) bool{},
	}
	for _, t := range types {
		b.types[t] = struct{}{}
	}
	return b
}

func (b *mockBridge) Attr(inst entities.Instance, name string) (entities.Value, bool, error) {
	host := inst.Host.(*mockObj)
	v, ok := host.attrs[name]
	return v, ok, nil
}

func (b *mockBridge) Call(inst entities.Instance, method string, args []entities.Value) (iter.Seq2[entities.Value, error], error) {
	host := inst.Host.(*mockObj)
	fn, ok := host.methods[method]
	if !ok {
		return nil, entities.ErrHostCall
	}
	b.calls++
	items := fn(args)
	return func(yield func(entities.Value, error) bool) {
		for _, item := range items {
			b.consumed++
			if !yield(item, nil) {
				return
			}
		}
	}, nil
}

func (b *mockBridge) Construct(typeName string, fields map[string]entities.Value) (entities.Value, error) {
	if _, ok := b.types[typeName]; !ok {
		return nil, entities.ErrUnknownType
	}
	attrs := make(map[string]entities.Value, len(fields))
	for k, v := range fields {
		attrs[k] = v
	}
	return entities.Instance{TypeName: typeName, Host: &mockObj{attrs: attrs}}, nil
}

func (b *mockBridge) Equal(x, y entities.Value) (bool, error) {
	xi, xok := x.(entities.Instance)
	yi, yok := y.(entities.Instance)
	if xok && yok {
		if xi.TypeName == yi.TypeName {
			if hook, ok := b.equals[xi.TypeName]; ok {
				return hook(xi.Host.(*mockObj), yi.Host.(*mockObj)), nil
			}
		}
		return reflect.DeepEqual(xi.Host, yi.Host), nil
	}
	if xok != yok {
		return false, nil
	}
	return reflect.DeepEqual(x, y), nil
}

func (b *mockBridge) IsSubtype(child, parent string) bool {
	for child != "" {
		if child == parent {
			return true
		}
		child = b.extends[child]
	}
	return false
}

func (b *mockBridge) Known(typeName string) bool {
	_, ok := b.types[typeName]
	return ok
}

func (b *mockBridge) IdentityField(typeName string) (string, bool) {
	f, ok := b.identity[typeName]
	return f, ok
}

func (b *mockBridge) CELValue(v entities.Value) any {
	switch val := v.(type) {
	case entities.String:
		return string(val)
	case entities.Number:
		return float64(val)
	case entities.Bool:
		return bool(val)
	case entities.Null:
		return nil
	case entities.ClassRef:
		return val.TypeName
	case entities.List:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = b.CELValue(item)
		}
		return out
	case entities.Record:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = b.CELValue(item)
		}
		return out
	case entities.Instance:
		host := val.Host.(*mockObj)
		out := make(map[string]any, len(host.attrs))
		for k, item := range host.attrs {
			out[k] = b.CELValue(item)
		}
		return out
	default:
		return nil
	}
}

// lit wraps a value as a literal term operand.
func lit(v entities.Value) entities.Operand {
	return &entities.TermOperand{Term: entities.Literal{Value: v}}
}

// vref wraps a variable reference as a term operand.
func vref(name string) entities.Operand {
	return &entities.TermOperand{Term: entities.Variable{Name: name}}
}
