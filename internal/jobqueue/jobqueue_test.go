package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/mindmap"
	"github.com/prmindmap/pkg/models"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	errs  []error // returned in order, nil afterwards
}

func (f *fakeRunner) Run(ctx context.Context, themes []models.Theme, opts mindmap.RunOptions) (*mindmap.Result, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	roots := make([]*models.ConsolidatedTheme, len(themes))
	for i, t := range themes {
		roots[i] = models.FromTheme(t)
	}
	return &mindmap.Result{RunID: opts.RunID, Roots: roots, Stats: mindmap.Stats{Roots: len(roots), Nodes: len(roots)}}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func themes() []models.Theme {
	return []models.Theme{
		{ID: "t1", Name: "Token refresh", AffectedFiles: []string{"auth/token.go"}},
		{ID: "t2", Name: "Dark mode", AffectedFiles: []string{"ui/theme.css"}},
	}
}

func fastConfig() *QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.RetryPolicy.InitialInterval = time.Millisecond
	cfg.RetryPolicy.MaxInterval = 5 * time.Millisecond
	cfg.JobTimeout = time.Second
	cfg.StoreRetry.BaseDelay = time.Millisecond
	cfg.StoreRetry.MaxDelay = 5 * time.Millisecond
	return cfg
}

// flakyStore fails the first completeFailures Complete calls
type flakyStore struct {
	*MemoryStore
	mu               sync.Mutex
	completeFailures int
	completeCalls    int
}

func (f *flakyStore) Complete(ctx context.Context, id string, result *mindmap.Result) error {
	f.mu.Lock()
	f.completeCalls++
	fail := f.completeCalls <= f.completeFailures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.Complete(ctx, id, result)
}

func newJob(runID string, attempt, maxAttempts int) *river.Job[MindmapJobArgs] {
	return &river.Job[MindmapJobArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   MindmapJobArgs{RunID: runID, Themes: themes()},
	}
}

func TestMindmapJobArgs_Kind(t *testing.T) {
	assert.Equal(t, "mindmap_generate", MindmapJobArgs{}.Kind())
}

func TestQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()
	assert.Equal(t, 4, cfg.MaxAttempts())
	assert.Equal(t, 4, cfg.RiverQueueConfig()[river.QueueDefault].MaxWorkers)

	p := cfg.RetryPolicy
	assert.Equal(t, 30*time.Second, p.Backoff(0))
	assert.Equal(t, 30*time.Second, p.Backoff(1))
	assert.Equal(t, time.Minute, p.Backoff(2))
	assert.Equal(t, 10*time.Minute, p.Backoff(10), "capped at MaxInterval")

	cfg.MaxWorkers = 0
	assert.Equal(t, 1, cfg.RiverQueueConfig()[river.QueueDefault].MaxWorkers)
}

func TestMindmapWorker_StoresResult(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), "run-1", 2))
	w := &MindmapWorker{runner: &fakeRunner{}, store: store, config: fastConfig()}

	require.NoError(t, w.Work(context.Background(), newJob("run-1", 1, 4)))

	run, err := store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 1, run.Attempts)
	require.NotNil(t, run.CompletedAt)

	var result mindmap.Result
	require.NoError(t, json.Unmarshal(run.Result, &result))
	assert.Equal(t, "run-1", result.RunID)
	assert.Len(t, result.Roots, 2)
}

func TestMindmapWorker_Failures(t *testing.T) {
	t.Run("transient error requeues", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Create(context.Background(), "run-2", 2))
		w := &MindmapWorker{runner: &fakeRunner{errs: []error{context.DeadlineExceeded}}, store: store, config: fastConfig()}

		err := w.Work(context.Background(), newJob("run-2", 1, 4))
		require.Error(t, err)
		assert.False(t, inference.IsPermanent(err))

		run, _ := store.Get(context.Background(), "run-2")
		assert.Equal(t, StatusQueued, run.Status)
		assert.Contains(t, run.Error, "deadline")
	})

	t.Run("last attempt fails the run", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Create(context.Background(), "run-3", 2))
		w := &MindmapWorker{runner: &fakeRunner{errs: []error{context.DeadlineExceeded}}, store: store, config: fastConfig()}

		require.Error(t, w.Work(context.Background(), newJob("run-3", 4, 4)))
		run, _ := store.Get(context.Background(), "run-3")
		assert.Equal(t, StatusFailed, run.Status)
	})

	t.Run("permanent error cancels the job", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Create(context.Background(), "run-4", 2))
		permanent := &inference.PermanentError{Err: errors.New("401 invalid api key")}
		w := &MindmapWorker{runner: &fakeRunner{errs: []error{permanent}}, store: store, config: fastConfig()}

		err := w.Work(context.Background(), newJob("run-4", 1, 4))
		require.Error(t, err)
		assert.True(t, inference.IsPermanent(err))

		run, _ := store.Get(context.Background(), "run-4")
		assert.Equal(t, StatusFailed, run.Status)
		assert.Contains(t, run.Error, "invalid api key")
	})
}

func TestMindmapWorker_NextRetryAndTimeout(t *testing.T) {
	cfg := DefaultQueueConfig()
	w := &MindmapWorker{config: cfg}
	assert.Equal(t, cfg.JobTimeout, w.Timeout(newJob("x", 1, 4)))

	next := w.NextRetry(newJob("x", 2, 4))
	assert.WithinDuration(t, time.Now().Add(time.Minute), next, 5*time.Second)
}

func waitForStatus(t *testing.T, store RunStore, id string, want RunStatus) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		var err error
		run, err = store.Get(context.Background(), id)
		return err == nil && run.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return run
}

func TestLocalQueue_RetriesThenCompletes(t *testing.T) {
	runner := &fakeRunner{errs: []error{errors.New("context deadline exceeded")}}
	q := NewLocalQueue(runner, fastConfig())
	defer q.Stop(context.Background())

	id, err := q.Enqueue(context.Background(), themes())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run := waitForStatus(t, q.Store(), id, StatusCompleted)
	assert.Equal(t, 2, run.Attempts)
	assert.Equal(t, 2, run.ThemeCount)
	assert.Equal(t, 2, runner.count())
}

func TestLocalQueue_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 1
	runner := &fakeRunner{errs: []error{errors.New("boom"), errors.New("boom again")}}
	q := NewLocalQueue(runner, cfg)
	defer q.Stop(context.Background())

	id, err := q.Enqueue(context.Background(), themes())
	require.NoError(t, err)

	run := waitForStatus(t, q.Store(), id, StatusFailed)
	assert.Contains(t, run.Error, "boom again")
	assert.Equal(t, 2, runner.count())
}

func TestLocalQueue_RejectsAfterStop(t *testing.T) {
	q := NewLocalQueue(&fakeRunner{}, fastConfig())
	require.NoError(t, q.Stop(context.Background()))

	_, err := q.Enqueue(context.Background(), themes())
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	require.NoError(t, store.Create(ctx, "a", 1))
	require.NoError(t, store.Create(ctx, "b", 3))
	assert.Error(t, store.Create(ctx, "a", 1), "duplicate id")

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, store.MarkRunning(ctx, "missing", 1), ErrRunNotFound)

	b, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, b.ThemeCount)

	require.NoError(t, store.Fail(ctx, "a", "bad"))
	run, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.True(t, run.UpdatedAt.After(run.CreatedAt))

	run.Status = StatusQueued
	again, _ := store.Get(ctx, "a")
	assert.Equal(t, StatusFailed, again.Status, "Get returns a copy")
}

func TestMindmapWorker_RetriesStoreWrites(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), completeFailures: 2}
	require.NoError(t, store.Create(context.Background(), "run-5", 2))
	w := &MindmapWorker{runner: &fakeRunner{}, store: store, config: fastConfig()}

	require.NoError(t, w.Work(context.Background(), newJob("run-5", 1, 4)))
	assert.Equal(t, 3, store.completeCalls)
	run, err := store.Get(context.Background(), "run-5")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestMindmapWorker_StoreWriteGivesUp(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), completeFailures: 100}
	require.NoError(t, store.Create(context.Background(), "run-6", 2))
	cfg := fastConfig()
	w := &MindmapWorker{runner: &fakeRunner{}, store: store, config: cfg}

	err := w.Work(context.Background(), newJob("run-6", 1, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "complete: connection reset")
	assert.Equal(t, cfg.StoreRetry.MaxRetries+1, store.completeCalls)
}

func TestPersist_MissingRunIsNotRetried(t *testing.T) {
	calls := 0
	err := persist(context.Background(), fastConfig().StoreRetry, zerolog.Nop(), "fail", func(context.Context) error {
		calls++
		return ErrRunNotFound
	})
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Equal(t, 1, calls)
}
