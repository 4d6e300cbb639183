package util

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Workers returns the number of workers for a thread setting:
// threads itself, or GOMAXPROCS when threads is not positive.
func Workers(threads int) int {
	if threads <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return threads
}

// ParallelFor calls f for every i in [0, n) on at most threads workers.
// Each worker handles one contiguous range, the last worker takes the
// remainder. The first error cancels ctx and is returned.
func ParallelFor(ctx context.Context, n, threads int, f func(ctx context.Context, i int) error) error {
	nWorkers := Workers(threads)
	if nWorkers > n {
		nWorkers = n
	}
	if nWorkers <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := f(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	workerResp := n / nWorkers
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < nWorkers; w++ {
		w := w
		g.Go(func() error {
			start := workerResp * w
			end := start + workerResp
			if w == nWorkers-1 { // last worker
				end = n
			}
			for i := start; i < end; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if err := f(ctx, i); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}
