package entities

// Value is the tagged union of runtime values the engine evaluates over.
// Values are immutable from the engine's point of view; only the host
// mutates the objects behind an Instance handle.
type Value interface {
	isValue()
}

// String is a string value
type String string

func (String) isValue() {}

// Number is a numeric value (all host integers and floats normalize to it)
type Number float64

func (Number) isValue() {}

// Bool is a boolean value
type Bool bool

func (Bool) isValue() {}

// Null is the absent value (host nil, JSON null)
type Null struct{}

func (Null) isValue() {}

// List is an ordered collection of values
type List []Value

func (List) isValue() {}

// Record is a structural, duck-typed value: a plain map supplied in place
// of a registered class instance
type Record map[string]Value

func (Record) isValue() {}

// Instance is an opaque host object together with its registered type name.
// TypeName is empty when the host type is not registered; such instances
// never match a typed pattern but still allow attribute access.
type Instance struct {
	TypeName string
	Host     any
}

func (Instance) isValue() {}

// ClassRef names a registered type without an instance (e.g. checking
// "list" permission against the type itself rather than one object)
type ClassRef struct {
	TypeName string
}

func (ClassRef) isValue() {}
