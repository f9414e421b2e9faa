package sandbox

import (
	"log/slog"

	"github.com/rendis/opflow/internal/expressions"
)

// NewDefaultRouter wires lua (the fallback), expr and jq.
func NewDefaultRouter(logger *slog.Logger) *Router {
	r := NewRouter(LanguageLua)
	r.Register(LanguageLua, NewLuaSandbox(logger))
	r.Register(LanguageExpr, NewEngineSandbox(expressions.NewExprEngine()))
	r.Register(LanguageJQ, NewEngineSandbox(expressions.NewGoJQEngine()))
	return r
}
