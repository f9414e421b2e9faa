package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func TestCEL_TopLevelKeys(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `status == "ok" && approved`, map[string]any{
		"status":   "ok",
		"approved": true,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_NestedAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `review.verdict`, map[string]any{
		"review": map[string]any{"verdict": "B"},
	})
	require.NoError(t, err)
	assert.Equal(t, "B", out)
}

func TestCEL_DataVariableReachesAnyKey(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `data["first-name"] == "ada"`, map[string]any{
		"first-name": "ada",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_CacheIsKeyedByVariables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, `has(data.x)`, map[string]any{})
	require.NoError(t, err)

	out, err := e.Evaluate(ctx, `x == "y"`, map[string]any{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_UndeclaredVariableIsCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `missing == 1`, map[string]any{"other": 1})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_RuntimeError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `m.nope == "x"`, map[string]any{"m": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "  ", nil)
	require.Error(t, err)
}

func TestCEL_ReservedKeysAreSkipped(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `data["in"] == 1.0`, map[string]any{"in": 1.0})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_ConcurrentEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `flag`, map[string]any{"flag": true})
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
}
