package expressions

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/rendis/opflow/pkg/schema"
)

// Engine evaluates an expression against a data map.
// Implementations: CEL (predicates), Expr (predicates and code steps), GoJQ (code steps).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set holds one engine per expression language.
type Set struct {
	engines map[string]Engine
}

// NewSet builds the default set: cel, expr and jq.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewSetOf(celEngine, NewExprEngine(), NewGoJQEngine()), nil
}

// NewSetOf builds a set from explicit engines, keyed by Name().
func NewSetOf(engines ...Engine) *Set {
	s := &Set{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		s.engines[e.Name()] = e
	}
	return s
}

// Get returns the engine for a language.
func (s *Set) Get(language string) (Engine, error) {
	e, ok := s.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported expression language %q", language)
	}
	return e, nil
}

// Evaluate runs expression with the engine registered for language.
func (s *Set) Evaluate(ctx context.Context, language, expression string, data map[string]any) (any, error) {
	e, err := s.Get(language)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, expression, data)
}

// BranchKey coerces a predicate result into a branch label.
// Booleans become "true"/"false" and strings are used verbatim.
// Whole numbers are accepted as their decimal form.
func BranchKey(v any) (string, error) {
	switch val := v.(type) {
	case bool:
		return strconv.FormatBool(val), nil
	case string:
		if val == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "predicate produced an empty branch key")
		}
		return val, nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return strconv.FormatInt(int64(val), 10), nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation,
		"predicate result %s cannot be used as a branch key", describe(v))
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%v (%T)", v, v)
}
