package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/mindmap"
	"github.com/prmindmap/internal/retry"
	"github.com/prmindmap/pkg/models"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runner builds one mindmap. *mindmap.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, themes []models.Theme, opts mindmap.RunOptions) (*mindmap.Result, error)
}

// MindmapJobArgs represents the arguments for a mindmap generation job
type MindmapJobArgs struct {
	RunID  string         `json:"run_id"`
	Themes []models.Theme `json:"themes"`
}

// Kind returns the job kind for River
func (MindmapJobArgs) Kind() string {
	return "mindmap_generate"
}

// MindmapWorker handles mindmap generation jobs
type MindmapWorker struct {
	river.WorkerDefaults[MindmapJobArgs]
	runner Runner
	store  RunStore
	config *QueueConfig
}

// Timeout bounds one attempt
func (w *MindmapWorker) Timeout(*river.Job[MindmapJobArgs]) time.Duration {
	return w.config.JobTimeout
}

// NextRetry schedules the next attempt with the configured backoff
func (w *MindmapWorker) NextRetry(job *river.Job[MindmapJobArgs]) time.Time {
	return time.Now().Add(w.config.RetryPolicy.Backoff(job.Attempt))
}

// Work builds the mindmap and stores the outcome
func (w *MindmapWorker) Work(ctx context.Context, job *river.Job[MindmapJobArgs]) error {
	err := process(ctx, w.runner, w.store, job.Args, w.config, job.Attempt, job.MaxAttempts)
	if inference.IsPermanent(err) {
		return river.JobCancel(err)
	}
	return err
}

// process runs one attempt. Permanent errors and the last attempt mark the
// run failed; other errors put it back in the queue.
func process(ctx context.Context, runner Runner, store RunStore, args MindmapJobArgs, config *QueueConfig, attempt, maxAttempts int) error {
	logger := log.With().Str("run_id", args.RunID).Int("attempt", attempt).Logger()
	logger.Info().Int("themes", len(args.Themes)).Msg("Processing mindmap job")

	// the job context may be gone by the time a status is written
	writeCtx := context.WithoutCancel(ctx)
	write := func(what string, op func(context.Context) error) error {
		return persist(writeCtx, config.StoreRetry, logger, what, op)
	}

	if err := write("mark running", func(ctx context.Context) error {
		return store.MarkRunning(ctx, args.RunID, attempt)
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark run as running")
	}

	result, err := runner.Run(ctx, args.Themes, mindmap.RunOptions{RunID: args.RunID, AuditDir: config.AuditDir})
	if err != nil {
		if inference.IsPermanent(err) || attempt >= maxAttempts {
			logger.Error().Err(err).Msg("Mindmap job failed")
			if serr := write("fail", func(ctx context.Context) error {
				return store.Fail(ctx, args.RunID, err.Error())
			}); serr != nil {
				logger.Error().Err(serr).Msg("Failed to record run failure")
			}
		} else {
			logger.Warn().Err(err).Msg("Mindmap job attempt failed, will retry")
			if serr := write("requeue", func(ctx context.Context) error {
				return store.Requeue(ctx, args.RunID, err.Error())
			}); serr != nil {
				logger.Error().Err(serr).Msg("Failed to requeue run")
			}
		}
		return fmt.Errorf("mindmap run %s: %w", args.RunID, err)
	}

	if err := write("complete", func(ctx context.Context) error {
		return store.Complete(ctx, args.RunID, result)
	}); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	logger.Info().
		Int("roots", result.Stats.Roots).
		Int("nodes", result.Stats.Nodes).
		Msg("Mindmap job completed")
	return nil
}

// persist retries a run store write with backoff. A run that does not exist
// is not retried.
func persist(ctx context.Context, config retry.RetryConfig, logger zerolog.Logger, what string, op func(context.Context) error) error {
	config.RetryIf = func(err error) bool { return !errors.Is(err, ErrRunNotFound) }
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn().Err(err).Str("write", what).Int("attempt", attempt).Dur("delay", delay).Msg("Run store write failed, retrying")
	}
	result := retry.RetryWithBackoffAndReason(ctx, config, func() (error, string) {
		err := op(ctx)
		if err != nil {
			return err, what + ": " + err.Error()
		}
		return nil, ""
	})
	if result.Success {
		return nil
	}
	if result.Attempts > 1 {
		logger.Error().Strs("reasons", result.RetryReasons).Msg("Run store write gave up")
	}
	return fmt.Errorf("%s: %w", what, result.LastError)
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	store  *Store
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(ctx context.Context, databaseURL string, runner Runner, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := NewStore(pool)
	workers := river.NewWorkers()
	river.AddWorker(workers, &MindmapWorker{runner: runner, store: store, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		store:  store,
		config: config,
	}, nil
}

// Migrate applies River's migrations and creates the runs table
func (jq *JobQueue) Migrate(ctx context.Context) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(jq.pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	return jq.store.EnsureSchema(ctx)
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and closes the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// Store exposes the run store
func (jq *JobQueue) Store() RunStore {
	return jq.store
}

// Enqueue records a new run and queues its job in the same transaction
func (jq *JobQueue) Enqueue(ctx context.Context, themes []models.Theme) (string, error) {
	runID := uuid.NewString()

	tx, err := jq.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := createRun(ctx, tx, runID, len(themes)); err != nil {
		return "", err
	}
	args := MindmapJobArgs{RunID: runID, Themes: themes}
	if _, err := jq.client.InsertTx(ctx, tx, args, &river.InsertOpts{MaxAttempts: jq.config.MaxAttempts()}); err != nil {
		return "", fmt.Errorf("failed to queue mindmap job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit mindmap job: %w", err)
	}

	log.Info().Str("run_id", runID).Int("themes", len(themes)).Msg("Queued mindmap job")
	return runID, nil
}

// LocalQueue runs jobs in goroutines against an in-process store. It keeps
// the asynchronous API usable without PostgreSQL; queued work is lost on
// restart.
type LocalQueue struct {
	runner Runner
	store  *MemoryStore
	config *QueueConfig
	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalQueue creates an in-process queue
func NewLocalQueue(runner Runner, config *QueueConfig) *LocalQueue {
	if config == nil {
		config = DefaultQueueConfig()
	}
	workers := config.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		runner: runner,
		store:  NewMemoryStore(),
		config: config,
		slots:  make(chan struct{}, workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Store exposes the run store
func (q *LocalQueue) Store() RunStore {
	return q.store
}

// Enqueue records a run and starts it as soon as a worker slot is free
func (q *LocalQueue) Enqueue(ctx context.Context, themes []models.Theme) (string, error) {
	if q.ctx.Err() != nil {
		return "", errors.New("queue is stopped")
	}
	runID := uuid.NewString()
	if err := q.store.Create(ctx, runID, len(themes)); err != nil {
		return "", err
	}

	args := MindmapJobArgs{RunID: runID, Themes: themes}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.work(args)
	}()
	return runID, nil
}

func (q *LocalQueue) work(args MindmapJobArgs) {
	maxAttempts := q.config.MaxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case q.slots <- struct{}{}:
		case <-q.ctx.Done():
			_ = q.store.Fail(context.Background(), args.RunID, "queue stopped")
			return
		}

		ctx := q.ctx
		var cancel context.CancelFunc = func() {}
		if q.config.JobTimeout > 0 {
			ctx, cancel = context.WithTimeout(q.ctx, q.config.JobTimeout)
		}
		err := process(ctx, q.runner, q.store, args, q.config, attempt, maxAttempts)
		cancel()
		<-q.slots

		if err == nil || inference.IsPermanent(err) || attempt == maxAttempts {
			return
		}
		select {
		case <-time.After(q.config.RetryPolicy.Backoff(attempt)):
		case <-q.ctx.Done():
			_ = q.store.Fail(context.Background(), args.RunID, "queue stopped")
			return
		}
	}
}

// Stop cancels running jobs and waits for them to record their outcome
func (q *LocalQueue) Stop(ctx context.Context) error {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
