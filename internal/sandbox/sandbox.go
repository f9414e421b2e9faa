// Package sandbox runs code-step sources in isolated interpreters.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// Languages understood by the default router.
const (
	LanguageLua  = "lua"
	LanguageExpr = "expr"
	LanguageJQ   = "jq"
)

// Request is one code-step invocation.
type Request struct {
	StepID   string
	Language string
	Source   string
	// Data is the step's view of the context. Implementations must not retain it.
	Data map[string]any
}

// Sandbox executes a source program and returns its output object.
type Sandbox interface {
	Run(ctx context.Context, req Request) (map[string]any, error)
}

// Router dispatches requests to a Sandbox by language.
type Router struct {
	mu       sync.RWMutex
	byLang   map[string]Sandbox
	fallback string
}

// NewRouter creates an empty router. Requests without a language use fallback.
func NewRouter(fallback string) *Router {
	return &Router{byLang: make(map[string]Sandbox), fallback: fallback}
}

// Register binds lang to sb, replacing any previous binding.
func (r *Router) Register(lang string, sb Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLang[strings.ToLower(lang)] = sb
}

// Languages returns the registered languages, sorted.
func (r *Router) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byLang))
	for l := range r.byLang {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Run(ctx context.Context, req Request) (map[string]any, error) {
	lang := strings.ToLower(req.Language)
	if lang == "" {
		lang = r.fallback
	}
	r.mu.RLock()
	sb, ok := r.byLang[lang]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported code language %q (available: %s)", lang, strings.Join(r.Languages(), ", "))
	}
	req.Language = lang
	return sb.Run(ctx, req)
}

// asObject requires a program result to be an object. A nil result is an empty object.
func asObject(lang string, v any) (map[string]any, error) {
	switch out := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"%s program must produce an object, got %s", lang, fmt.Sprintf("%T", v))
	}
}

var _ Sandbox = (*Router)(nil)
