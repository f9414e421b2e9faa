package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func TestExpr_Predicate(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `len(items) > 2 ? "many" : "few"`, map[string]any{
		"items": []any{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "many", out)
}

func TestExpr_MapOutput(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `{"total": sum(prices), "count": len(prices)}`, map[string]any{
		"prices": []any{1.5, 2.5},
	})
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4.0, m["total"])
	assert.Equal(t, 2, m["count"])
}

func TestExpr_SameProgramDifferentShapes(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `v`, map[string]any{"v": "text"})
	require.NoError(t, err)
	assert.Equal(t, "text", out)

	out, err = e.Evaluate(ctx, `v`, map[string]any{"v": 7})
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestExpr_UndefinedIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
