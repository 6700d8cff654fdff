package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_ConcurrencyBoundNeverExceeded(t *testing.T) {
	t.Parallel()

	const limit = 5
	items := make([]int, 40)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak atomic.Int64
	worker := func(_ context.Context, n int) (int, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		inFlight.Add(-1)
		return n * 2, nil
	}

	results, err := Run(context.Background(), items, limit, worker, nil)
	require.NoError(t, err)
	require.Len(t, results, len(items))
	require.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestRun_PreservesInputOrder(t *testing.T) {
	t.Parallel()

	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}

	worker := func(_ context.Context, n int) (string, error) {
		time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
		return fmt.Sprintf("item-%d", n), nil
	}

	results, err := Run(context.Background(), items, 8, worker, nil)
	require.NoError(t, err)
	for i, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, fmt.Sprintf("item-%d", i), r.Value)
	}
}

func TestRun_WorkerFailureDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()

	items := []int{0, 1, 2, 3, 4}
	boom := errors.New("boom")
	worker := func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n, nil
	}

	results, err := Run(context.Background(), items, 2, worker, nil)
	require.NoError(t, err)
	require.ErrorIs(t, results[2].Err, boom)
	for _, i := range []int{0, 1, 3, 4} {
		require.NoError(t, results[i].Err)
		require.Equal(t, i, results[i].Value)
	}
}

func TestRun_DoneCounterMonotonic(t *testing.T) {
	t.Parallel()

	items := make([]int, 30)
	var mu sync.Mutex
	var seen []int
	onDone := func(done int) {
		mu.Lock()
		seen = append(seen, done)
		mu.Unlock()
	}

	_, err := Run(context.Background(), items, 6, func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		return n, nil
	}, onDone)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, len(items))
	for i, v := range seen {
		require.Equal(t, i+1, v)
	}
}

func TestRun_LimitValidation(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), []int{1}, 0, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, nil)
	require.Error(t, err)
}

func TestRun_LimitLargerThanItems(t *testing.T) {
	t.Parallel()

	results, err := Run(context.Background(), []int{1, 2}, 100, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestRun_CancelStopsAdmission(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	items := make([]int, 50)
	var started atomic.Int64

	worker := func(_ context.Context, n int) (int, error) {
		started.Add(1)
		if started.Load() >= 3 {
			cancel()
		}
		time.Sleep(5 * time.Millisecond)
		return n, nil
	}

	results, err := Run(ctx, items, 2, worker, nil)
	require.Error(t, err)
	require.Len(t, results, len(items))
	// In-flight tasks finished; unstarted slots carry the context error.
	require.Less(t, started.Load(), int64(len(items)))
	require.Error(t, results[len(results)-1].Err)
}

func TestRun_EmptyItems(t *testing.T) {
	t.Parallel()

	results, err := Run(context.Background(), nil, 3, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}
