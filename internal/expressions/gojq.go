package expressions

import (
	"context"
	"errors"

	"github.com/itchyny/gojq"

	"github.com/rendis/opflow/pkg/schema"
)

// GoJQEngine runs jq programs over the data map. It backs code steps with
// language: jq, whose single output must be an object.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate yields nil when the program emits nothing, the value itself for a
// single emission and a []any otherwise. A bare halt ends the stream early.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.programs.get(expression, func() (*gojq.Code, error) { return compileJQ(expression) })
	if err != nil {
		return nil, err
	}

	var input any = map[string]any{}
	if data != nil {
		input = Normalize(data)
	}

	var emitted []any
	iter := code.RunWithContext(ctx, input)
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if runErr, isErr := v.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(runErr, &halt) && halt.Value() == nil {
				break
			}
			return nil, evalError("jq", expression, runErr)
		}
		emitted = append(emitted, v)
	}

	switch len(emitted) {
	case 0:
		return nil, nil
	case 1:
		return emitted[0], nil
	}
	return emitted, nil
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	// $ENV resolves to an empty object instead of the host environment.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
