package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	data := map[string]any{
		"order": map[string]any{
			"lines": []any{
				map[string]any{"sku": "A-1"},
				map[string]any{"sku": "B-2"},
			},
		},
		"dotted.key": "direct",
	}

	v, ok := Lookup(data, "order.lines.1.sku")
	require.True(t, ok)
	assert.Equal(t, "B-2", v)

	v, ok = Lookup(data, "dotted.key")
	require.True(t, ok)
	assert.Equal(t, "direct", v)

	for _, missing := range []string{"", "order.none", "order.lines.5", "order.lines.x", "order..lines", "dotted.key.more"} {
		_, ok := Lookup(data, missing)
		assert.False(t, ok, missing)
	}
}

func TestLookup_NilValueIsPresent(t *testing.T) {
	v, ok := Lookup(map[string]any{"x": nil}, "x")
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestDeepCopyMap_Isolation(t *testing.T) {
	orig := map[string]any{
		"list":   []any{map[string]any{"n": 1}},
		"nested": map[string]any{"k": "v"},
	}
	cp := DeepCopyMap(orig)

	cp["nested"].(map[string]any)["k"] = "changed"
	cp["list"].([]any)[0].(map[string]any)["n"] = 2
	cp["new"] = true

	assert.Equal(t, "v", orig["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, orig["list"].([]any)[0].(map[string]any)["n"])
	assert.NotContains(t, orig, "new")
	assert.Nil(t, DeepCopyMap(nil))
}

func TestNormalize(t *testing.T) {
	got := Normalize(map[string]any{"a": 1, "b": []any{int64(2), float32(0.5)}, "c": "s"})
	assert.Equal(t, map[string]any{"a": 1.0, "b": []any{2.0, 0.5}, "c": "s"}, got)
}
