package registry

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/benwis/oso/internal/entities"
)

// TypeRegistry maps symbolic type names to host type descriptors. It backs
// every host interaction the engine performs: attribute reads, method
// invocation, instance construction, equality, and the declared subtype
// relation consulted by pattern matching.
//
// Registration must precede any query referencing the name. The registry is
// safe for concurrent reads; registration is expected to happen during
// engine setup, before queries are issued.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	byType map[reflect.Type]*Descriptor
}

// Descriptor describes one registered host type.
type Descriptor struct {
	Name string

	rtype     reflect.Type // underlying struct type, pointer stripped
	extends   string
	identity  string
	equals    func(a, b any) bool
	construct func(fields map[string]any) (any, error)
}

// ClassOption configures a registered type.
type ClassOption func(*Descriptor)

// Extends declares that this type is a subtype of parent: instances match
// patterns declared against the parent type.
func Extends(parent string) ClassOption {
	return func(d *Descriptor) { d.extends = parent }
}

// Identity names the conventional identifying attribute, enabling a bare
// primitive to stand in for an instance during pattern matching.
func Identity(field string) ClassOption {
	return func(d *Descriptor) { d.identity = field }
}

// EqualsFn installs host-defined equality for instances of this type. Both
// arguments are host objects of the registered type.
func EqualsFn(fn func(a, b any) bool) ClassOption {
	return func(d *Descriptor) { d.equals = fn }
}

// Constructor installs the hook used by constructor expressions in rule
// bodies. Without it, construction falls back to reflective field
// assignment on a fresh instance.
func Constructor(fn func(fields map[string]any) (any, error)) ClassOption {
	return func(d *Descriptor) { d.construct = fn }
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]*Descriptor),
		byType: make(map[reflect.Type]*Descriptor),
	}
}

// RegisterClass registers name for the dynamic type of sample (a zero value
// or any instance; a pointer registers its element type). Re-registering
// the same name for the same type is idempotent; a conflicting
// re-registration is an error.
func (r *TypeRegistry) RegisterClass(name string, sample any, opts ...ClassOption) error {
	if name == "" {
		return fmt.Errorf("class name is required")
	}
	rt := reflect.TypeOf(sample)
	if rt == nil {
		return fmt.Errorf("class %s: sample value is required", name)
	}
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing.rtype == rt {
			return nil
		}
		return fmt.Errorf("class %s already registered for %s", name, existing.rtype)
	}

	desc := &Descriptor{Name: name, rtype: rt}
	for _, opt := range opts {
		opt(desc)
	}
	r.byName[name] = desc
	r.byType[rt] = desc
	return nil
}

// Known reports whether name is registered.
func (r *TypeRegistry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// IdentityField returns the declared identifying attribute for name.
func (r *TypeRegistry) IdentityField(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byName[name]
	if !ok || desc.identity == "" {
		return "", false
	}
	return desc.identity, true
}

// IsSubtype reports whether child is parent or a declared (transitive)
// subtype of it.
func (r *TypeRegistry) IsSubtype(child, parent string) bool {
	if child == parent {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for name := child; name != "" && !seen[name]; {
		seen[name] = true
		desc, ok := r.byName[name]
		if !ok {
			return false
		}
		name = desc.extends
		if name == parent {
			return true
		}
	}
	return false
}

// descriptorByName returns the descriptor for name.
func (r *TypeRegistry) descriptorByName(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byName[name]
	return desc, ok
}

// descriptorOf resolves the descriptor for a host object's dynamic type.
func (r *TypeRegistry) descriptorOf(host any) (*Descriptor, bool) {
	rt := reflect.TypeOf(host)
	if rt == nil {
		return nil, false
	}
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byType[rt]
	return desc, ok
}

// Construct builds a host instance of typeName from field values, through
// the registered constructor hook or by reflective field assignment.
func (r *TypeRegistry) Construct(typeName string, fields map[string]entities.Value) (entities.Value, error) {
	desc, ok := r.descriptorByName(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", entities.ErrUnknownType, typeName)
	}

	native := make(map[string]any, len(fields))
	for name, value := range fields {
		native[name] = r.FromValue(value)
	}

	if desc.construct != nil {
		host, err := desc.construct(native)
		if err != nil {
			return nil, fmt.Errorf("%w: constructing %s: %v", entities.ErrHostCall, typeName, err)
		}
		return entities.Instance{TypeName: typeName, Host: host}, nil
	}

	ptr := reflect.New(desc.rtype)
	for name, value := range native {
		field := ptr.Elem().FieldByName(exportName(name))
		if !field.IsValid() || !field.CanSet() {
			return nil, fmt.Errorf("%w: constructing %s: no settable field %s",
				entities.ErrHostCall, typeName, name)
		}
		rv := reflect.ValueOf(value)
		if !rv.IsValid() {
			continue
		}
		if !rv.Type().AssignableTo(field.Type()) {
			if !rv.Type().ConvertibleTo(field.Type()) {
				return nil, fmt.Errorf("%w: constructing %s: field %s wants %s, got %s",
					entities.ErrHostCall, typeName, name, field.Type(), rv.Type())
			}
			rv = rv.Convert(field.Type())
		}
		field.Set(rv)
	}
	return entities.Instance{TypeName: typeName, Host: ptr.Interface()}, nil
}

// Equal implements the engine's equality: host-defined equality for
// same-type instances when a hook is registered, deep equality for
// unhooked instances, structural equality for everything else. Values of
// different kinds are unequal, never an error.
func (r *TypeRegistry) Equal(a, b entities.Value) (bool, error) {
	switch av := a.(type) {
	case entities.String:
		bv, ok := b.(entities.String)
		return ok && av == bv, nil
	case entities.Number:
		bv, ok := b.(entities.Number)
		return ok && av == bv, nil
	case entities.Bool:
		bv, ok := b.(entities.Bool)
		return ok && av == bv, nil
	case entities.Null:
		_, ok := b.(entities.Null)
		return ok, nil
	case entities.ClassRef:
		bv, ok := b.(entities.ClassRef)
		return ok && av.TypeName == bv.TypeName, nil
	case entities.List:
		bv, ok := b.(entities.List)
		if !ok || len(av) != len(bv) {
			return false, nil
		}
		for i := range av {
			eq, err := r.Equal(av[i], bv[i])
			if err != nil || !eq {
				return eq, err
			}
		}
		return true, nil
	case entities.Record:
		bv, ok := b.(entities.Record)
		if !ok || len(av) != len(bv) {
			return false, nil
		}
		for key, aval := range av {
			bval, present := bv[key]
			if !present {
				return false, nil
			}
			eq, err := r.Equal(aval, bval)
			if err != nil || !eq {
				return eq, err
			}
		}
		return true, nil
	case entities.Instance:
		bv, ok := b.(entities.Instance)
		if !ok {
			return false, nil
		}
		if desc, found := r.descriptorOf(av.Host); found && desc.equals != nil {
			if other, fits := r.descriptorOf(bv.Host); fits && other == desc {
				return desc.equals(av.Host, bv.Host), nil
			}
			return false, nil
		}
		return reflect.DeepEqual(av.Host, bv.Host), nil
	default:
		return false, fmt.Errorf("unsupported value kind: %T", a)
	}
}
