package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func TestGoJQ_ObjectOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `{count: (.items | length)}`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 2}, out)
}

func TestGoJQ_NormalizesGoIntegers(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.n + 1`, map[string]any{"n": int64(41)})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQ_MultipleAndEmptyOutputs(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `.xs[]`, map[string]any{"xs": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Evaluate(ctx, `empty`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EnvIsHidden(t *testing.T) {
	t.Setenv("OPFLOW_SECRET_PROBE", "leak")
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV.OPFLOW_SECRET_PROBE`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, `.[`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `error("boom")`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "boom")
}
