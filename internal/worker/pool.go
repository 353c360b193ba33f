// Package worker provides the bounded worker pool used to overlap network
// latency across a job's independent items.
package worker

import (
	"context"
	"sync"
)

// Run processes items with at most n concurrent workers and blocks until all
// dispatched items finish. Dispatch stops once ctx is canceled; items already
// handed to a worker run to completion. n below 1 is treated as 1.
func Run[T any](ctx context.Context, n int, items []T, fn func(context.Context, T)) {
	if n < 1 {
		n = 1
	}
	work := make(chan T)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				fn(ctx, item)
			}
		}()
	}

	for _, item := range items {
		select {
		case work <- item:
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		}
	}
	close(work)
	wg.Wait()
}
