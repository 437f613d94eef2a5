package mapreduce

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runPool runs tasks 0..tasks-1 on a fixed set of workers. fn receives the
// index of the worker running it, so per-worker state needs no locking. The
// first error cancels the remaining tasks and is returned.
func runPool(ctx context.Context, workers, tasks int, fn func(ctx context.Context, worker, task int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan int)

	g.Go(func() error {
		defer close(queue)
		for t := 0; t < tasks; t++ {
			select {
			case queue <- t:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for t := range queue {
				if err := fn(gctx, w, t); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
