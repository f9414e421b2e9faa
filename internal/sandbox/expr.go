package sandbox

import (
	"context"

	"github.com/rendis/opflow/internal/expressions"
)

// EngineSandbox adapts an expression engine to the Sandbox contract. The
// engine's result must be an object. It backs the expr and jq languages.
type EngineSandbox struct {
	engine expressions.Engine
}

func NewEngineSandbox(engine expressions.Engine) *EngineSandbox {
	return &EngineSandbox{engine: engine}
}

func (s *EngineSandbox) Run(ctx context.Context, req Request) (map[string]any, error) {
	out, err := s.engine.Evaluate(ctx, req.Source, req.Data)
	if err != nil {
		return nil, err
	}
	return asObject(s.engine.Name(), out)
}

var _ Sandbox = (*EngineSandbox)(nil)
