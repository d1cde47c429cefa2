package registry

import (
	"fmt"
	"iter"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/benwis/oso/internal/entities"
)

// Attribute and method access on host objects. Policy documents use the
// host's conventional lower-case attribute names (widget.id); lookup tries
// the exact name first, then the exported (capitalized) Go name, then a
// niladic method of either spelling.

// Attr reads an attribute off an instance. The second result is false when
// no such attribute exists; whether that is a no-match (pattern context) or
// an evaluation error (body context) is the caller's concern.
func (r *TypeRegistry) Attr(inst entities.Instance, name string) (entities.Value, bool, error) {
	rv := reflect.ValueOf(inst.Host)
	if !rv.IsValid() {
		return nil, false, nil
	}

	elem := rv
	if elem.Kind() == reflect.Pointer {
		if elem.IsNil() {
			return nil, false, nil
		}
		elem = elem.Elem()
	}

	if elem.Kind() == reflect.Struct {
		for _, candidate := range []string{name, exportName(name)} {
			field := elem.FieldByName(candidate)
			if field.IsValid() && field.CanInterface() {
				value, err := r.ToValue(field.Interface())
				if err != nil {
					return nil, false, fmt.Errorf("attribute %s of %s: %w", name, inst.TypeName, err)
				}
				return value, true, nil
			}
		}
	}

	method, ok := lookupMethod(rv, name)
	if ok && method.Type().NumIn() == 0 && method.Type().NumOut() == 1 {
		out := method.Call(nil)
		value, err := r.ToValue(out[0].Interface())
		if err != nil {
			return nil, false, fmt.Errorf("attribute %s of %s: %w", name, inst.TypeName, err)
		}
		return value, true, nil
	}

	return nil, false, nil
}

// Call invokes a method on an instance and returns the produced values as a
// lazy sequence. A plain method yields one value; a method returning an
// iter.Seq-shaped function is a generator and yields one value per item,
// pulled only as the consumer advances. A trailing error result fails the
// call.
func (r *TypeRegistry) Call(inst entities.Instance, name string, args []entities.Value) (iter.Seq2[entities.Value, error], error) {
	rv := reflect.ValueOf(inst.Host)
	method, ok := lookupMethod(rv, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %s", entities.ErrHostCall, inst.TypeName, name)
	}

	mt := method.Type()
	if mt.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic method %s.%s is not supported", entities.ErrHostCall, inst.TypeName, name)
	}
	if mt.NumIn() != len(args) {
		return nil, fmt.Errorf("%w: %s.%s wants %d arguments, got %d",
			entities.ErrHostCall, inst.TypeName, name, mt.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		converted, err := convertArg(r.FromValue(arg), mt.In(i))
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s argument %d: %v", entities.ErrHostCall, inst.TypeName, name, i, err)
		}
		in[i] = converted
	}

	out := method.Call(in)

	// Trailing error result.
	if n := len(out); n > 0 && mt.Out(n-1) == errorType {
		if errVal := out[n-1]; !errVal.IsNil() {
			return nil, fmt.Errorf("%w: %s.%s: %v", entities.ErrHostCall, inst.TypeName, name, errVal.Interface())
		}
		out = out[:n-1]
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %s.%s must return one value", entities.ErrHostCall, inst.TypeName, name)
	}

	result := out[0]
	if isSeqFunc(result.Type()) {
		return r.driveSeq(result), nil
	}

	value, err := r.ToValue(result.Interface())
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s result: %v", entities.ErrHostCall, inst.TypeName, name, err)
	}
	return func(yield func(entities.Value, error) bool) {
		yield(value, nil)
	}, nil
}

// driveSeq adapts a host iter.Seq function value into the engine's value
// sequence. The host generator is advanced one item at a time; stopping
// consumption stops the generator.
func (r *TypeRegistry) driveSeq(seq reflect.Value) iter.Seq2[entities.Value, error] {
	return func(yield func(entities.Value, error) bool) {
		yieldType := seq.Type().In(0)
		hostYield := reflect.MakeFunc(yieldType, func(args []reflect.Value) []reflect.Value {
			value, err := r.ToValue(args[0].Interface())
			cont := yield(value, err)
			return []reflect.Value{reflect.ValueOf(cont)}
		})
		seq.Call([]reflect.Value{hostYield})
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// isSeqFunc reports whether t has the iter.Seq shape:
// func(yield func(T) bool).
func isSeqFunc(t reflect.Type) bool {
	if t.Kind() != reflect.Func || t.NumIn() != 1 || t.NumOut() != 0 {
		return false
	}
	y := t.In(0)
	return y.Kind() == reflect.Func &&
		y.NumIn() == 1 &&
		y.NumOut() == 1 &&
		y.Out(0).Kind() == reflect.Bool
}

// lookupMethod finds a method by exact or exported name, trying the pointer
// receiver when the host was supplied by value.
func lookupMethod(rv reflect.Value, name string) (reflect.Value, bool) {
	receivers := []reflect.Value{rv}
	if rv.IsValid() && rv.Kind() != reflect.Pointer && rv.CanInterface() {
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		receivers = append(receivers, ptr)
	}
	for _, recv := range receivers {
		for _, candidate := range []string{name, exportName(name)} {
			m := recv.MethodByName(candidate)
			if m.IsValid() {
				return m, true
			}
		}
	}
	return reflect.Value{}, false
}

// convertArg coerces a native argument to the method's parameter type.
func convertArg(v any, want reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(want), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(want) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(want) {
		return rv.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", rv.Type(), want)
}

// exportName capitalizes the first rune, mapping a policy attribute name to
// its exported Go spelling.
func exportName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
