package expressions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rendis/opflow/pkg/schema"
)

// DataVariable is always bound to the whole data map, so expressions can
// reach keys that are not valid identifiers: data["first-name"].
const DataVariable = "data"

// CELEngine evaluates conditional predicates written in CEL.
// Every top-level key of the data map that is a valid identifier is declared
// as a dyn variable. Programs are cached per expression and key set.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(cel.Variable(DataVariable, cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	if data == nil {
		data = map[string]any{}
	}

	vars := declarableKeys(data)
	key := strings.Join(vars, ",") + "\x00" + expression
	prg, err := e.programs.get(key, func() (cel.Program, error) { return e.compile(expression, vars) })
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(vars)+1)
	for _, k := range vars {
		activation[k] = data[k]
	}
	activation[DataVariable] = data

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string, vars []string) (cel.Program, error) {
	decls := make([]cel.EnvOption, len(vars))
	for i, v := range vars {
		decls[i] = cel.Variable(v, cel.DynType)
	}
	env, err := e.env.Extend(decls...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL environment error: %s", err.Error()).WithCause(err)
	}

	ast, issues := env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, compileError("CEL", expression, err)
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

// declarableKeys returns the sorted keys of data usable as CEL identifiers.
func declarableKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k != DataVariable && isIdentifier(k) && !celReserved[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true,
}

var _ Engine = (*CELEngine)(nil)
