package authorization

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates constraint expressions embedded in rule bodies. The
// conventional allow-rule bindings are exposed as CEL variables: actor,
// action, resource, and ctx (request context).
type CELEngine struct {
	env *cel.Env
}

// celVariables is the set of bindings exported into CEL programs.
var celVariables = []string{"actor", "action", "resource", "ctx"}

// NewCELEngine creates a CEL environment with the engine's declarations.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEngine{env: env}, nil
}

// Evaluate compiles and runs a constraint expression against the given
// variables. Undeclared variables evaluate as empty maps so that rules can
// constrain only the bindings they care about.
func (e *CELEngine) Evaluate(expression string, vars map[string]any) (bool, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("failed to compile constraint: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("failed to create constraint program: %w", err)
	}

	input := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		if v, ok := vars[name]; ok && v != nil {
			input[name] = v
		} else {
			input[name] = map[string]any{}
		}
	}

	result, _, err := program.Eval(input)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate constraint: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("constraint did not evaluate to boolean, got: %T", result.Value())
	}
	return boolResult, nil
}

// ValidateExpression compiles an expression without running it, checking
// that it produces a boolean. Used at policy load time.
func (e *CELEngine) ValidateExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid constraint expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return fmt.Errorf("constraint expression must return boolean, got: %s", ast.OutputType())
	}
	return nil
}
