// Package executor provides a bounded-concurrency execution primitive.
package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Result pairs one worker outcome with its input position. A worker error
// occupies the slot; it never aborts sibling tasks.
type Result[R any] struct {
	Value R
	Err   error
}

// Run executes worker over items with at most limit tasks in flight.
// Results preserve input order regardless of completion order. onItemDone,
// when non-nil, is called once per completion in completion order with a
// monotonically increasing counter.
//
// A cancelled ctx stops admitting new tasks; in-flight tasks finish and
// their slots are populated. Unstarted slots report the context error.
func Run[T, R any](
	ctx context.Context,
	items []T,
	limit int,
	worker func(ctx context.Context, item T) (R, error),
	onItemDone func(done int),
) ([]Result[R], error) {
	if limit < 1 {
		return nil, fmt.Errorf("executor limit must be >= 1, got %d", limit)
	}
	if worker == nil {
		return nil, fmt.Errorf("executor worker is required")
	}

	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results, nil
	}

	sem := semaphore.NewWeighted(int64(limit))
	var (
		wg       sync.WaitGroup
		doneMu   sync.Mutex
		done     int
		admitErr error
	)

	for i := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Admission stops here; mark every unstarted slot.
			for j := i; j < len(items); j++ {
				results[j].Err = fmt.Errorf("task not started: %w", err)
			}
			admitErr = err
			break
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)
			value, err := worker(ctx, items[idx])
			results[idx] = Result[R]{Value: value, Err: err}
			if onItemDone != nil {
				// Serialized so observers see a strictly increasing counter.
				doneMu.Lock()
				done++
				onItemDone(done)
				doneMu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	if admitErr != nil {
		return results, fmt.Errorf("bounded run interrupted: %w", admitErr)
	}
	return results, nil
}
