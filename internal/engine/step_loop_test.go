package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func echoItem(_ context.Context, data map[string]any) (map[string]any, error) {
	return map[string]any{"seen": data["item"]}, nil
}

func TestLoop_CapsIterations(t *testing.T) {
	d := newTestDispatcher(t, newFakeSandbox().on("echo", echoItem), nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items","maxIterations":3,
		"steps":[{"id":"body","type":"code","source":"echo"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"items": []any{1, 2, 3, 4, 5}}))
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, 5, res.Output["totalItems"])
	assert.Equal(t, 3, res.Output["completedIterations"])
	results := res.Output["results"].([]any)
	require.Len(t, results, 3)
	last := results[2].(map[string]any)
	assert.Equal(t, 2, last["index"])
	assert.Equal(t, 3, last["item"])
	assert.Equal(t, 3, last["outputs"].(map[string]any)["body"].(map[string]any)["seen"])
}

func TestLoop_MissingCollectionIsEmpty(t *testing.T) {
	d := newTestDispatcher(t, newFakeSandbox(), nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"order.lines","steps":[{"id":"b","type":"code","source":"x"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"order": map[string]any{}}))
	require.False(t, res.Failed())
	assert.Equal(t, 0, res.Output["totalItems"])
	assert.Equal(t, 0, res.Output["completedIterations"])
	assert.Empty(t, res.Output["results"])
}

func TestLoop_NonListCollectionFails(t *testing.T) {
	d := newTestDispatcher(t, newFakeSandbox(), nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items","steps":[{"id":"b","type":"code","source":"x"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"items": "not a list"}))
	require.True(t, res.Failed())
	assert.Contains(t, res.Error, "not a list")
}

func TestLoop_NestedPathAndTypedSlices(t *testing.T) {
	d := newTestDispatcher(t, newFakeSandbox().on("echo", echoItem), nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"order.lines","steps":[{"id":"b","type":"code","source":"echo"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{
		"order": map[string]any{"lines": []string{"a", "b"}},
	}))
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, 2, res.Output["completedIterations"])
}

func TestLoop_BreakStopsAfterCurrentIteration(t *testing.T) {
	sb := newFakeSandbox().
		on("check", func(_ context.Context, data map[string]any) (map[string]any, error) {
			return map[string]any{"break": data[LoopIndexKey] == 1}, nil
		}).
		on("after", returns(map[string]any{"after": true}))
	d := newTestDispatcher(t, sb, nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items",
		"steps":[{"id":"check","type":"code","source":"check"},{"id":"after","type":"code","source":"after"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"items": []any{"a", "b", "c", "d"}}))
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, 2, res.Output["completedIterations"])
	assert.Equal(t, []string{"check", "after", "check"}, sb.Calls())
}

func TestLoop_ContinueSkipsRestOfIteration(t *testing.T) {
	sb := newFakeSandbox().
		on("skip", returns(map[string]any{"continue": true})).
		on("never", returns(map[string]any{}))
	d := newTestDispatcher(t, sb, nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items",
		"steps":[{"id":"skip","type":"code","source":"skip"},{"id":"never","type":"code","source":"never"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"items": []any{1, 2}}))
	require.False(t, res.Failed())
	assert.Equal(t, 2, res.Output["completedIterations"])
	assert.Equal(t, []string{"skip", "skip"}, sb.Calls())
}

func TestLoop_FailureStopsWithPartialOutput(t *testing.T) {
	sb := newFakeSandbox().on("maybe", func(_ context.Context, data map[string]any) (map[string]any, error) {
		if data["item"] == "bad" {
			return nil, schema.NewError(schema.ErrCodeExecution, "cannot process bad")
		}
		return map[string]any{}, nil
	})
	d := newTestDispatcher(t, sb, nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items","steps":[{"id":"work","type":"code","source":"maybe"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"items": []any{"ok", "bad", "ok"}}))
	require.True(t, res.Failed())
	assert.Contains(t, res.Error, "iteration 1")
	assert.Contains(t, res.Error, "work")
	assert.Equal(t, 1, res.Output["completedIterations"])
	results := res.Output["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "cannot process bad", results[1].(map[string]any)["error"])
}

func TestLoop_ContinueOnError(t *testing.T) {
	sb := newFakeSandbox().on("maybe", func(_ context.Context, data map[string]any) (map[string]any, error) {
		if data["item"] == "bad" {
			return nil, schema.NewError(schema.ErrCodeExecution, "cannot process bad")
		}
		return map[string]any{}, nil
	})
	d := newTestDispatcher(t, sb, nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items","continueOnError":true,
		"steps":[{"id":"work","type":"code","source":"maybe"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"items": []any{"ok", "bad", "ok"}}))
	require.False(t, res.Failed())
	assert.Equal(t, 2, res.Output["completedIterations"])
	assert.Equal(t, 1, res.Output["failedIterations"])
	assert.Len(t, res.Output["results"], 3)
}

func TestLoop_IterationsAreIsolated(t *testing.T) {
	sb := newFakeSandbox().on("acc", func(_ context.Context, data map[string]any) (map[string]any, error) {
		_, seenBefore := data["mark"]
		return map[string]any{"mark": data["item"], "sawMark": seenBefore}, nil
	})
	d := newTestDispatcher(t, sb, nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items","itemVariable":"it",
		"steps":[{"id":"acc","type":"code","source":"acc"}]}`)
	wctx := rootContext(map[string]any{"items": []any{"x", "y"}})

	res := d.Dispatch(context.Background(), step, wctx)
	require.False(t, res.Failed(), res.Error)
	for _, r := range res.Output["results"].([]any) {
		out := r.(map[string]any)["outputs"].(map[string]any)["acc"].(map[string]any)
		assert.Equal(t, false, out["sawMark"])
	}
	assert.NotContains(t, wctx.Data, "it")
	assert.NotContains(t, wctx.Data, "mark")
	assert.NotContains(t, wctx.Data, LoopIndexKey)
}

func TestLoop_BindsItemVariableAndTotals(t *testing.T) {
	var seen []map[string]any
	sb := newFakeSandbox().on("look", func(_ context.Context, data map[string]any) (map[string]any, error) {
		seen = append(seen, map[string]any{"ticket": data["ticket"], "i": data[LoopIndexKey], "n": data[LoopTotalKey]})
		return map[string]any{}, nil
	})
	d := newTestDispatcher(t, sb, nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"tickets","itemVariable":"ticket",
		"steps":[{"id":"look","type":"code","source":"look"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"tickets": []any{"T1", "T2"}}))
	require.False(t, res.Failed())
	require.Len(t, seen, 2)
	assert.Equal(t, map[string]any{"ticket": "T2", "i": 1, "n": 2}, seen[1])
}

func TestLoop_QuestionInsideIsRejected(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items",
		"steps":[{"id":"ask","type":"question","prompt":"?"}]}`)

	res := d.Dispatch(context.Background(), step, rootContext(map[string]any{"items": []any{1}}))
	require.True(t, res.Failed())
	assert.Equal(t, schema.ErrCodeValidation, res.ErrorCode)
	assert.Contains(t, res.Error, "top level")
}

func TestLoop_CancelledContextStops(t *testing.T) {
	d := newTestDispatcher(t, newFakeSandbox().on("echo", echoItem), nil)
	step := mustStep(t, `{"id":"each","type":"loop","collection":"items","steps":[{"id":"b","type":"code","source":"echo"}]}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Dispatch(ctx, step, rootContext(map[string]any{"items": []any{1, 2}}))
	require.True(t, res.Failed())
	assert.Equal(t, schema.ErrCodeCancelled, res.ErrorCode)
}
