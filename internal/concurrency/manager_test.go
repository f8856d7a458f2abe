package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prmindmap/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	m := NewManager(DefaultConfig(), retry.DefaultPolicies().Scaled(0.001))
	m.memoryUsage = func() float64 { return 0.1 }
	return m
}

func TestProcess_PartialFailureIsolation(t *testing.T) {
	m := testManager()
	items := []int{0, 1, 2, 3, 4, 5, 6, 7}
	failing := 5

	results := Process(context.Background(), m, items, func(_ context.Context, n int) (string, error) {
		if n == failing {
			return "", errors.New("boom")
		}
		return fmt.Sprintf("item-%d", n), nil
	}, Options{Concurrency: 3})

	require.Len(t, results, len(items))
	for i, r := range results {
		if i == failing {
			assert.False(t, r.OK())
			assert.EqualError(t, r.Err, "boom")
			assert.Equal(t, failing, r.Item)
			assert.Equal(t, 1, r.Attempts, "non-retryable errors are not retried")
			continue
		}
		assert.True(t, r.OK())
		assert.Equal(t, fmt.Sprintf("item-%d", i), r.Value)
	}
	assert.Len(t, Values(results), len(items)-1)
	assert.Len(t, Failures(results), 1)
}

func TestProcess_PreservesOrder(t *testing.T) {
	m := testManager()
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	results := Process(context.Background(), m, items, func(_ context.Context, n int) (int, error) {
		// later items finish first
		time.Sleep(time.Duration(20-n) * time.Millisecond)
		return n * n, nil
	}, Options{Concurrency: 5})

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, i*i, r.Value)
	}
}

func TestProcess_BoundsInFlight(t *testing.T) {
	m := testManager()
	var inFlight, peak int32

	items := make([]int, 12)
	Process(context.Background(), m, items, func(_ context.Context, _ int) (struct{}, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return struct{}{}, nil
	}, Options{Concurrency: 3})

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestProcess_RetriesTransientErrors(t *testing.T) {
	m := testManager()
	var calls int32
	var retries []int
	var mu sync.Mutex

	results := Process(context.Background(), m, []string{"only"}, func(_ context.Context, s string) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("503 service unavailable")
		}
		return s + "-done", nil
	}, Options{
		Concurrency: 1,
		Context:     retry.ContextThemeProcessing,
		OnRetry: func(index, attempt int, err error, delay time.Duration) {
			mu.Lock()
			retries = append(retries, attempt)
			mu.Unlock()
		},
	})

	require.True(t, results[0].OK())
	assert.Equal(t, "only-done", results[0].Value)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestProcess_ExhaustedRetriesBecomeTombstone(t *testing.T) {
	m := testManager()
	var calls int32

	results := Process(context.Background(), m, []int{1}, func(_ context.Context, _ int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("connection reset by peer")
	}, Options{Concurrency: 1, Context: retry.ContextThemeProcessing})

	assert.False(t, results[0].OK())
	// theme_processing allows 2 retries
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestProcess_PermanentErrorsAreNotRetried(t *testing.T) {
	m := testManager()
	var calls int32

	results := Process(context.Background(), m, []int{1}, func(_ context.Context, _ int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("401 unauthorized: invalid api key")
	}, Options{Concurrency: 1, RetryIf: func(error) bool { return true }})

	assert.False(t, results[0].OK())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcess_PanicBecomesTombstone(t *testing.T) {
	m := testManager()

	results := Process(context.Background(), m, []int{1, 2}, func(_ context.Context, n int) (int, error) {
		if n == 2 {
			panic("nil map")
		}
		return n, nil
	}, Options{Concurrency: 2})

	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Contains(t, results[1].Err.Error(), "panicked")
}

func TestProcess_ProgressCallbackCountsEveryItem(t *testing.T) {
	m := testManager()
	var last int
	calls := 0

	Process(context.Background(), m, []int{1, 2, 3, 4}, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, Options{Concurrency: 2, OnProgress: func(done, total int) {
		calls++
		last = done
		assert.Equal(t, 4, total)
	}})

	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, last)
}

func TestProcess_Empty(t *testing.T) {
	results := Process(context.Background(), testManager(), nil, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, Options{})
	assert.Empty(t, results)
}

func TestManager_Concurrency(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.numCPU = func() int { return 10 }
	m.memoryUsage = func() float64 { return 0.2 }

	assert.Equal(t, 8, m.Concurrency(retry.ContextThemeProcessing))
	assert.Equal(t, 3, m.Concurrency(retry.ContextAIBatch), "capped per context")
	assert.Equal(t, 8, m.Concurrency("unknown"))

	m.memoryUsage = func() float64 { return 0.9 }
	assert.Equal(t, 4, m.Concurrency(retry.ContextThemeProcessing), "halved under memory pressure")

	m.numCPU = func() int { return 1 }
	m.memoryUsage = func() float64 { return 0.2 }
	assert.Equal(t, 2, m.Concurrency(retry.ContextGeneric), "floor of two")
}
