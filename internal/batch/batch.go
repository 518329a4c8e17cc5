// Package batch runs one phase of a node group concurrently, one worker per
// node, and joins every worker before returning.
//
// A failing node never affects its siblings: its error is logged, recorded
// in the result, and the rest of the group carries on.
package batch

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/h3ow3d/stackbuilder/internal/config"
)

// Operation is the external per-node action for a phase, such as creating
// an instance or installing one.
type Operation[T any] func(ctx context.Context, node config.NodeSpec) (T, error)

// Batch configures a run.
type Batch struct {
	Log logr.Logger
	// Limit bounds how many workers run at once. Zero means one worker per
	// node with no bound.
	Limit int
}

// Run executes op for every node in group that declares phase and returns
// once all of them have finished. Nodes without the phase are skipped and
// produce neither a value nor a failure.
func Run[T any](ctx context.Context, b Batch, group config.Group, phase config.Phase, op Operation[T]) Result[T] {
	q := NewQueue[T](b.Limit)
	for _, node := range group {
		if !node.Has(phase) {
			b.Log.V(1).Info("skipping node without phase", "phase", phase, "node", node.Name)
			continue
		}
		q.Go(node.Name, func() (T, error) {
			b.Log.V(1).Info("starting", "phase", phase, "node", node.Name)
			v, err := op(ctx, node)
			if err != nil {
				b.Log.Error(err, "operation failed", "phase", phase, "node", node.Name)
			}
			return v, err
		})
	}
	return q.Drain()
}
