package registry

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/benwis/oso/internal/entities"
)

// ToValue converts a host value into an engine Value. Scalars, slices, and
// string-keyed maps convert structurally; instances of registered types
// become typed Instances; a reflect.Type of a registered type becomes a
// ClassRef; structpb values from the HTTP boundary convert recursively.
// Unregistered structs become untyped Instances: attribute access still
// works, but no typed pattern will match them.
func (r *TypeRegistry) ToValue(v any) (entities.Value, error) {
	switch val := v.(type) {
	case nil:
		return entities.Null{}, nil
	case entities.Value:
		return val, nil
	case entities.Term:
		return nil, fmt.Errorf("term %#v is not a value", val)
	case string:
		return entities.String(val), nil
	case bool:
		return entities.Bool(val), nil
	case int:
		return entities.Number(val), nil
	case int32:
		return entities.Number(val), nil
	case int64:
		return entities.Number(val), nil
	case float32:
		return entities.Number(val), nil
	case float64:
		return entities.Number(val), nil
	case map[string]any:
		record := make(entities.Record, len(val))
		for key, item := range val {
			converted, err := r.ToValue(item)
			if err != nil {
				return nil, err
			}
			record[key] = converted
		}
		return record, nil
	case []any:
		list := make(entities.List, len(val))
		for i, item := range val {
			converted, err := r.ToValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *structpb.Value:
		return r.structpbToValue(val)
	case *structpb.Struct:
		return r.structpbToValue(structpb.NewStructValue(val))
	case reflect.Type:
		return r.classRef(val)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		list := make(entities.List, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			converted, err := r.ToValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		record := make(entities.Record, rv.Len())
		for _, key := range rv.MapKeys() {
			converted, err := r.ToValue(rv.MapIndex(key).Interface())
			if err != nil {
				return nil, err
			}
			record[key.String()] = converted
		}
		return record, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return entities.Number(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return entities.Number(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return entities.Number(rv.Float()), nil
	case reflect.String:
		return entities.String(rv.String()), nil
	case reflect.Bool:
		return entities.Bool(rv.Bool()), nil
	case reflect.Struct, reflect.Pointer:
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return entities.Null{}, nil
		}
		name := ""
		if desc, ok := r.descriptorOf(v); ok {
			name = desc.Name
		}
		return entities.Instance{TypeName: name, Host: v}, nil
	default:
		return nil, fmt.Errorf("unsupported host value type %T", v)
	}
}

// classRef resolves a reflect.Type to its registered class reference.
func (r *TypeRegistry) classRef(rt reflect.Type) (entities.Value, error) {
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	r.mu.RLock()
	desc, ok := r.byType[rt]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: type %s is not registered", entities.ErrUnknownType, rt)
	}
	return entities.ClassRef{TypeName: desc.Name}, nil
}

// FromValue converts an engine Value back to a native host value. Instances
// unwrap to their host object; class references unwrap to the type name.
func (r *TypeRegistry) FromValue(v entities.Value) any {
	switch val := v.(type) {
	case entities.String:
		return string(val)
	case entities.Number:
		return float64(val)
	case entities.Bool:
		return bool(val)
	case entities.Null:
		return nil
	case entities.List:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.FromValue(item)
		}
		return out
	case entities.Record:
		out := make(map[string]any, len(val))
		for key, item := range val {
			out[key] = r.FromValue(item)
		}
		return out
	case entities.Instance:
		return val.Host
	case entities.ClassRef:
		return val.TypeName
	default:
		return nil
	}
}

// CELValue converts an engine Value to the shape CEL constraint expressions
// evaluate over. Like FromValue, except instances export their attributes
// as a map keyed by the policy-facing (lower-cased) field names.
func (r *TypeRegistry) CELValue(v entities.Value) any {
	if inst, ok := v.(entities.Instance); ok {
		return r.exportAttrs(inst)
	}
	if list, ok := v.(entities.List); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = r.CELValue(item)
		}
		return out
	}
	if record, ok := v.(entities.Record); ok {
		out := make(map[string]any, len(record))
		for key, item := range record {
			out[key] = r.CELValue(item)
		}
		return out
	}
	return r.FromValue(v)
}

// exportAttrs flattens an instance's exported fields into a map.
func (r *TypeRegistry) exportAttrs(inst entities.Instance) map[string]any {
	out := make(map[string]any)
	rv := reflect.ValueOf(inst.Host)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return out
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return out
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		value, err := r.ToValue(rv.Field(i).Interface())
		if err != nil {
			continue
		}
		out[policyName(field.Name)] = r.CELValue(value)
	}
	return out
}

// structpbToValue converts a protobuf Value from the service boundary.
func (r *TypeRegistry) structpbToValue(v *structpb.Value) (entities.Value, error) {
	if v == nil {
		return entities.Null{}, nil
	}
	switch v.Kind.(type) {
	case *structpb.Value_NullValue:
		return entities.Null{}, nil
	case *structpb.Value_NumberValue:
		return entities.Number(v.GetNumberValue()), nil
	case *structpb.Value_StringValue:
		return entities.String(v.GetStringValue()), nil
	case *structpb.Value_BoolValue:
		return entities.Bool(v.GetBoolValue()), nil
	case *structpb.Value_StructValue:
		fields := v.GetStructValue().GetFields()
		record := make(entities.Record, len(fields))
		for key, item := range fields {
			converted, err := r.structpbToValue(item)
			if err != nil {
				return nil, err
			}
			record[key] = converted
		}
		return record, nil
	case *structpb.Value_ListValue:
		items := v.GetListValue().GetValues()
		list := make(entities.List, len(items))
		for i, item := range items {
			converted, err := r.structpbToValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unsupported value kind: %T", v.Kind)
	}
}

// ValueToStructpb converts an engine Value for a JSON response. Instances
// serialize as their exported attribute map.
func (r *TypeRegistry) ValueToStructpb(v entities.Value) (*structpb.Value, error) {
	return structpb.NewValue(r.CELValue(v))
}

// policyName lower-cases the first rune of an exported Go field name,
// mapping it back to its policy-facing spelling.
func policyName(name string) string {
	if name == "" {
		return name
	}
	out := []rune(name)
	out[0] = toLower(out[0])
	return string(out)
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
