package engine

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

func (d *Dispatcher) runNested(ctx context.Context, s *schema.NestedStep, wctx *WorkflowContext) *schema.StepResult {
	limit := s.MaxDepth
	if limit <= 0 {
		limit = d.maxDepth
	}
	if wctx.Depth+1 > limit {
		return schema.FailedResult(s.ID, schema.NewErrorf(schema.ErrCodeValidation,
			"nested depth %d exceeds the limit of %d", wctx.Depth+1, limit))
	}

	def, err := d.resolveNested(ctx, s)
	if err != nil {
		return failure(s.ID, err)
	}
	key := def.ID
	if key == "" {
		key = "inline:" + s.ID
	}
	if slices.Contains(wctx.Visited, key) {
		path := append(append([]string(nil), wctx.Visited...), key)
		return schema.FailedResult(s.ID, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow %q is already running on this path: %s", key, strings.Join(path, " -> ")))
	}

	scope := wctx.Snapshot()
	scope.Depth++
	scope.Visited = append(scope.Visited, key)
	scope.WorkflowID = key

	logging.LogWith(ctx, d.logger).Debug("entering nested workflow",
		slog.String("workflow_id", key), slog.Int("depth", scope.Depth))

	if err := d.walk(ctx, def, scope); err != nil {
		res := failure(s.ID, err)
		res.Output = scope.Data
		return res
	}
	return schema.CompletedResult(s.ID, scope.Data)
}

func (d *Dispatcher) resolveNested(ctx context.Context, s *schema.NestedStep) (*schema.WorkflowDefinition, error) {
	if s.Workflow != nil {
		return s.Workflow, nil
	}
	if s.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "nested step names no workflow")
	}
	if d.catalog == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no workflow catalog configured")
	}
	return d.catalog.GetWorkflow(ctx, s.WorkflowID)
}

// walk runs def's graph in memory on scope, with the same routing and onError
// rules as a top-level session but without persistence or pausing.
func (d *Dispatcher) walk(ctx context.Context, def *schema.WorkflowDefinition, scope *WorkflowContext) error {
	node := def.Start
	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return failure(node, err).Err()
		}
		switch node {
		case schema.NodeEnd:
			return nil
		case schema.NodeFailed:
			return schema.NewErrorf(schema.ErrCodeStepFailed, "workflow %q reached %s", scope.WorkflowID, schema.NodeFailed)
		}
		if steps >= d.maxSteps {
			return schema.NewErrorf(schema.ErrCodeExecution, "workflow %q exceeded %d steps", scope.WorkflowID, d.maxSteps)
		}

		step, ok := def.Node(node)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no node %q", scope.WorkflowID, node)
		}
		res := d.Dispatch(ctx, step, scope)
		if !res.Failed() {
			scope.Merge(res.Output)
		}
		r, err := Route(def, step, res)
		if err != nil {
			return err
		}
		if r.Fail {
			return res.Err()
		}
		node = r.Next
	}
}
