package concurrency

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prmindmap/internal/retry"
	"github.com/rs/zerolog/log"
)

// Config controls how the manager sizes its worker pool when callers do not
// set an explicit concurrency.
type Config struct {
	CPUFactor           float64                   // fraction of CPUs to use (default: 0.8)
	MinConcurrency      int                       // floor for the computed size (default: 2)
	MemoryPressureRatio float64                   // heap usage ratio that halves concurrency (default: 0.85)
	ContextCaps         map[retry.CallContext]int // per-context upper bounds
}

// DefaultConfig returns the default sizing configuration
func DefaultConfig() Config {
	return Config{
		CPUFactor:           0.8,
		MinConcurrency:      2,
		MemoryPressureRatio: 0.85,
		ContextCaps: map[retry.CallContext]int{
			retry.ContextAIBatch:         3,
			retry.ContextInference:       5,
			retry.ContextThemeProcessing: 8,
			retry.ContextGeneric:         16,
		},
	}
}

// Manager runs independent items with bounded parallelism and per-item retry.
type Manager struct {
	config      Config
	policies    retry.PolicyTable
	memoryUsage func() float64
	numCPU      func() int
}

// NewManager creates a manager. A nil policy table uses retry.DefaultPolicies.
func NewManager(config Config, policies retry.PolicyTable) *Manager {
	if config.CPUFactor <= 0 {
		config.CPUFactor = 0.8
	}
	if config.MinConcurrency <= 0 {
		config.MinConcurrency = 2
	}
	if config.MemoryPressureRatio <= 0 || config.MemoryPressureRatio > 1 {
		config.MemoryPressureRatio = 0.85
	}
	if policies == nil {
		policies = retry.DefaultPolicies()
	}
	return &Manager{
		config:      config,
		policies:    policies,
		memoryUsage: heapUsage,
		numCPU:      runtime.NumCPU,
	}
}

// Concurrency returns the pool size for callCtx: CPUs × factor, floored at
// the minimum, halved under memory pressure and bounded by the context cap.
func (m *Manager) Concurrency(callCtx retry.CallContext) int {
	n := int(math.Floor(float64(m.numCPU()) * m.config.CPUFactor))
	if n < m.config.MinConcurrency {
		n = m.config.MinConcurrency
	}

	if usage := m.memoryUsage(); usage >= m.config.MemoryPressureRatio {
		n /= 2
		if n < m.config.MinConcurrency {
			n = m.config.MinConcurrency
		}
		log.Debug().
			Float64("heap_usage", usage).
			Int("concurrency", n).
			Msg("Reducing concurrency under memory pressure")
	}

	if limit, ok := m.config.ContextCaps[callCtx]; ok && limit > 0 && n > limit {
		n = limit
	}
	return n
}

// heapUsage returns heap in use relative to the soft memory limit, or to the
// heap reserved from the OS when no limit is set.
func heapUsage() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit < math.MaxInt64 {
		return float64(ms.HeapAlloc) / float64(limit)
	}
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapInuse) / float64(ms.HeapSys)
}

// Options tune one Process call
type Options struct {
	// Concurrency overrides dynamic sizing when positive.
	Concurrency int
	// Context selects the retry policy and the concurrency cap.
	Context retry.CallContext
	// RetryIf decides whether a failure is retried; nil uses retry.IsRetryableError.
	RetryIf func(err error) bool
	// OnProgress is called after each item settles.
	OnProgress func(done, total int)
	// OnRetry is called before each backoff sleep.
	OnRetry func(index, attempt int, err error, delay time.Duration)
}

// Result is the outcome for one input item. On failure Err is set and Item
// holds the input, so the slot doubles as a tombstone.
type Result[T, R any] struct {
	Index    int
	Item     T
	Value    R
	Err      error
	Attempts int
}

// OK reports whether the item succeeded
func (r Result[T, R]) OK() bool {
	return r.Err == nil
}

// Process runs fn over items with at most N in flight, pulling the next item
// as soon as any finishes. Results are returned in input order; a failed item
// never aborts the others.
func Process[T, R any](ctx context.Context, m *Manager, items []T, fn func(context.Context, T) (R, error), opts Options) []Result[T, R] {
	results := make([]Result[T, R], len(items))
	if len(items) == 0 {
		return results
	}
	if opts.Context == "" {
		opts.Context = retry.ContextGeneric
	}
	if opts.RetryIf == nil {
		opts.RetryIf = retry.IsRetryableError
	}

	workers := opts.Concurrency
	if workers <= 0 {
		workers = m.Concurrency(opts.Context)
	}
	if workers > len(items) {
		workers = len(items)
	}

	log.Debug().
		Int("items", len(items)).
		Int("workers", workers).
		Str("context", string(opts.Context)).
		Msg("Processing items concurrently")

	indexCh := make(chan int, len(items))
	for i := range items {
		indexCh <- i
	}
	close(indexCh)

	var (
		wg       sync.WaitGroup
		notifyMu sync.Mutex
		done     int
	)
	notify := func(fn func()) {
		notifyMu.Lock()
		defer notifyMu.Unlock()
		fn()
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexCh {
				results[i] = runItem(ctx, m, i, items[i], fn, opts, notify)
				if opts.OnProgress != nil {
					notify(func() {
						done++
						opts.OnProgress(done, len(items))
					})
				}
			}
		}()
	}
	wg.Wait()

	return results
}

func runItem[T, R any](ctx context.Context, m *Manager, index int, item T, fn func(context.Context, T) (R, error), opts Options, notify func(func())) Result[T, R] {
	result := Result[T, R]{Index: index, Item: item}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		value, err := safeCall(ctx, item, fn)
		if err == nil {
			result.Value = value
			result.Err = nil
			return result
		}
		result.Err = err

		if retry.IsPermanentError(err) || !opts.RetryIf(err) {
			return result
		}
		policy := m.policies.For(opts.Context, err)
		if attempt > policy.MaxRetries {
			log.Debug().Err(err).
				Int("index", index).
				Int("attempts", attempt).
				Msg("Item failed after exhausting retries")
			return result
		}

		delay := retry.CalculateDelay(policy, attempt-1)
		if opts.OnRetry != nil {
			notify(func() { opts.OnRetry(index, attempt, err, delay) })
		}
		if sleepErr := retry.Sleep(ctx, delay); sleepErr != nil {
			result.Err = fmt.Errorf("%w (cancelled during backoff: %v)", err, sleepErr)
			return result
		}
	}
}

// safeCall converts a panic inside fn into an error so one bad item cannot
// take down its siblings.
func safeCall[T, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return fn(ctx, item)
}

// Values returns the successful values in input order, skipping tombstones
func Values[T, R any](results []Result[T, R]) []R {
	out := make([]R, 0, len(results))
	for _, r := range results {
		if r.OK() {
			out = append(out, r.Value)
		}
	}
	return out
}

// Failures returns the tombstones
func Failures[T, R any](results []Result[T, R]) []Result[T, R] {
	var out []Result[T, R]
	for _, r := range results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}
