package entities

import "errors"

// Error taxonomy. Configuration errors are fatal and surface at load time
// where possible; evaluation errors fail the current query; the ambiguity
// error is recoverable by re-issuing the enumeration with the wildcard
// flag. A pattern that simply does not match is never an error.
var (
	// ErrUnknownType is a configuration error: a pattern or constructor
	// names a type that was never registered.
	ErrUnknownType = errors.New("unknown type")

	// ErrArityMismatch is a configuration error: two rules share a name
	// but declare different parameter counts.
	ErrArityMismatch = errors.New("rule arity mismatch")

	// ErrMalformedRule is a configuration error: a rule definition is
	// structurally invalid (missing name, empty parameter, unresolvable
	// rule call, invalid constraint expression).
	ErrMalformedRule = errors.New("malformed rule")

	// ErrUnboundVariable is an evaluation error: a variable was used as a
	// value before anything bound it.
	ErrUnboundVariable = errors.New("unbound variable")

	// ErrHostCall is an evaluation error: an attribute read, method
	// invocation, or constructor call into the host failed.
	ErrHostCall = errors.New("host call failed")

	// ErrAmbiguousWildcard is raised by allowed-action enumeration when a
	// rule permits any action: a wildcard cannot be listed as a finite
	// action set unless the caller opts into the "*" sentinel.
	ErrAmbiguousWildcard = errors.New("wildcard action cannot be enumerated")
)
