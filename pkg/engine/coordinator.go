package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// SolveTask is one per-site impurity solve handed to a worker. Workers
// receive their inputs by value before the parallel region; the closure
// must not touch coordinator-owned state.
type SolveTask struct {
	Site  int
	Solve func(ctx context.Context) error
}

// Coordinator fans the per-site solves out to a bounded worker pool. The
// parallel solve region is the only concurrency in the loop: everything
// before and after it runs on the coordinator goroutine, which alone
// touches the checkpoint store and the shared loop state. Wait acts as
// the barrier closing the region; a failing site cancels the group
// context so the remaining workers stop before dependent work starts.
type Coordinator struct {
	workers int
}

// NewCoordinator builds a coordinator with the given worker bound. A
// bound of zero or less uses one worker per task.
func NewCoordinator(workers int) *Coordinator {
	return &Coordinator{workers: workers}
}

// SolveAll runs the tasks in parallel and blocks until every one has
// finished or the first error cancelled the rest. The first error wins.
func (c *Coordinator) SolveAll(ctx context.Context, tasks []SolveTask) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.workers > 0 {
		g.SetLimit(c.workers)
	}
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return t.Solve(ctx)
		})
	}
	return g.Wait()
}
