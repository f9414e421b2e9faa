package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// Keys bound in every iteration scope besides the item variable.
const (
	LoopIndexKey = "loopIndex"
	LoopTotalKey = "loopTotal"
)

func (d *Dispatcher) runLoop(ctx context.Context, s *schema.LoopStep, wctx *WorkflowContext) *schema.StepResult {
	raw, found := expressions.Lookup(wctx.Data, s.Collection)
	if !found || raw == nil {
		return schema.CompletedResult(s.ID, map[string]any{
			"totalItems":          0,
			"completedIterations": 0,
			"results":             []any{},
		})
	}
	items, ok := toSlice(raw)
	if !ok {
		return schema.FailedResult(s.ID, schema.NewErrorf(schema.ErrCodeExecution,
			"collection %q is %T, not a list", s.Collection, raw))
	}

	itemVar := s.ItemVariable
	if itemVar == "" {
		itemVar = schema.DefaultItemVariable
	}
	limit := s.MaxIterations
	if limit <= 0 {
		limit = schema.DefaultMaxIterations
	}
	total := min(len(items), limit)

	results := make([]any, 0, total)
	completed, failedCount := 0, 0
	output := func() map[string]any {
		out := map[string]any{
			"totalItems":          len(items),
			"completedIterations": completed,
			"results":             results,
		}
		if s.ContinueOnError {
			out["failedIterations"] = failedCount
		}
		return out
	}

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			res := failure(s.ID, err)
			res.Output = output()
			return res
		}

		scope := wctx.Snapshot()
		scope.LoopDepth++
		scope.Data[itemVar] = items[i]
		scope.Data[LoopIndexKey] = i
		scope.Data[LoopTotalKey] = total

		outputs, control, failed := d.runSequence(ctx, s.Steps, scope)
		entry := map[string]any{"index": i, "item": items[i], "outputs": outputs}
		if failed != nil {
			entry["error"] = failed.Error
			results = append(results, entry)
			if !s.ContinueOnError {
				res := schema.FailedResult(s.ID, schema.NewError(codeOr(failed.ErrorCode, schema.ErrCodeStepFailed),
					iterationError(i, failed.StepID, failed.Error)))
				res.Output = output()
				return res
			}
			failedCount++
			continue
		}
		results = append(results, entry)
		completed++
		if control == schema.ControlBreak {
			break
		}
	}

	return schema.CompletedResult(s.ID, output())
}

// toSlice accepts any Go slice or array so outputs that were never
// serialised can be iterated as well as decoded JSON arrays.
func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func iterationError(i int, stepID, msg string) string {
	return fmt.Sprintf("iteration %d step %s: %s", i, stepID, msg)
}
