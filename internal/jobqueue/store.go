package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prmindmap/internal/mindmap"
)

// RunStatus is the lifecycle state of a background run
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// ErrRunNotFound is returned when no run has the requested id
var ErrRunNotFound = errors.New("mindmap run not found")

// Run is one stored mindmap run
type Run struct {
	ID          string          `json:"id"`
	Status      RunStatus       `json:"status"`
	ThemeCount  int             `json:"theme_count"`
	Attempts    int             `json:"attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunStore persists run status and results
type RunStore interface {
	Create(ctx context.Context, id string, themeCount int) error
	Get(ctx context.Context, id string) (*Run, error)
	MarkRunning(ctx context.Context, id string, attempt int) error
	Requeue(ctx context.Context, id string, reason string) error
	Complete(ctx context.Context, id string, result *mindmap.Result) error
	Fail(ctx context.Context, id string, reason string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS mindmap_runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	theme_count  INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	result       JSONB,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS mindmap_runs_status_idx ON mindmap_runs (status);
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps runs in the mindmap_runs table
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store over pool
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the mindmap_runs table when missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create mindmap_runs: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, id string, themeCount int) error {
	return createRun(ctx, s.pool, id, themeCount)
}

func createRun(ctx context.Context, q querier, id string, themeCount int) error {
	_, err := q.Exec(ctx, `
		INSERT INTO mindmap_runs (id, status, theme_count)
		VALUES ($1, $2, $3)
	`, id, StatusQueued, themeCount)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	var (
		run     Run
		status  string
		result  []byte
		errText *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, theme_count, attempts, result, error, created_at, updated_at, completed_at
		FROM mindmap_runs
		WHERE id = $1
	`, id).Scan(&run.ID, &status, &run.ThemeCount, &run.Attempts, &result, &errText,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	run.Status = RunStatus(status)
	run.Result = result
	if errText != nil {
		run.Error = *errText
	}
	return &run, nil
}

func (s *Store) MarkRunning(ctx context.Context, id string, attempt int) error {
	return s.update(ctx, id, `
		UPDATE mindmap_runs SET status = $2, attempts = $3, updated_at = now()
		WHERE id = $1
	`, StatusRunning, attempt)
}

func (s *Store) Requeue(ctx context.Context, id string, reason string) error {
	return s.update(ctx, id, `
		UPDATE mindmap_runs SET status = $2, error = $3, updated_at = now()
		WHERE id = $1
	`, StatusQueued, reason)
}

func (s *Store) Complete(ctx context.Context, id string, result *mindmap.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result of run %s: %w", id, err)
	}
	return s.update(ctx, id, `
		UPDATE mindmap_runs
		SET status = $2, result = $3, error = NULL, updated_at = now(), completed_at = now()
		WHERE id = $1
	`, StatusCompleted, body)
}

func (s *Store) Fail(ctx context.Context, id string, reason string) error {
	return s.update(ctx, id, `
		UPDATE mindmap_runs
		SET status = $2, error = $3, updated_at = now(), completed_at = now()
		WHERE id = $1
	`, StatusFailed, reason)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MemoryStore keeps runs in process. It backs the server when no database
// is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, id string, themeCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; ok {
		return fmt.Errorf("run %s already exists", id)
	}
	now := m.now()
	m.runs[id] = &Run{ID: id, Status: StatusQueued, ThemeCount: themeCount, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) MarkRunning(_ context.Context, id string, attempt int) error {
	return m.mutate(id, func(run *Run) {
		run.Status = StatusRunning
		run.Attempts = attempt
	})
}

func (m *MemoryStore) Requeue(_ context.Context, id string, reason string) error {
	return m.mutate(id, func(run *Run) {
		run.Status = StatusQueued
		run.Error = reason
	})
}

func (m *MemoryStore) Complete(_ context.Context, id string, result *mindmap.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result of run %s: %w", id, err)
	}
	return m.mutate(id, func(run *Run) {
		now := m.now()
		run.Status = StatusCompleted
		run.Result = body
		run.Error = ""
		run.CompletedAt = &now
	})
}

func (m *MemoryStore) Fail(_ context.Context, id string, reason string) error {
	return m.mutate(id, func(run *Run) {
		now := m.now()
		run.Status = StatusFailed
		run.Error = reason
		run.CompletedAt = &now
	})
}

func (m *MemoryStore) mutate(id string, fn func(run *Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	fn(run)
	run.UpdatedAt = m.now()
	return nil
}
