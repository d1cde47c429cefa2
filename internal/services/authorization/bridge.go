package authorization

import (
	"iter"

	"github.com/benwis/oso/internal/entities"
)

// HostBridge is everything the engine needs from the host side: attribute
// reads, method invocation, construction, equality, and the type relation.
// The interface is defined here, on the consumer side; the type registry
// implements it.
type HostBridge interface {
	// Attr reads an attribute off an instance. ok=false means the
	// attribute does not exist: a no-match during pattern matching, an
	// evaluation error inside a rule body.
	Attr(inst entities.Instance, name string) (value entities.Value, ok bool, err error)

	// Call invokes a method. The sequence yields one value for a plain
	// method and one value per item for a generator-like method; items
	// are produced only as the consumer advances.
	Call(inst entities.Instance, method string, args []entities.Value) (iter.Seq2[entities.Value, error], error)

	// Construct builds an instance of a registered type from field values.
	Construct(typeName string, fields map[string]entities.Value) (entities.Value, error)

	// Equal applies host-defined equality for same-type instances and
	// structural equality otherwise.
	Equal(a, b entities.Value) (bool, error)

	// IsSubtype reports the declared subtype relation (reflexive).
	IsSubtype(child, parent string) bool

	// Known reports whether a type name is registered.
	Known(typeName string) bool

	// IdentityField returns the conventional identifying attribute of a
	// type, if one was declared.
	IdentityField(typeName string) (string, bool)

	// CELValue exports a value for constraint-expression evaluation
	// (instances flatten to attribute maps).
	CELValue(v entities.Value) any
}
