/*
Package jobqueue runs mindmap generation in the background on a River job
queue backed by PostgreSQL.

# Configuration

### Performance Tuning:
- Increase MaxWorkers for more concurrent runs. Every run shares the
  process-wide inference queue, so more workers mostly means more waiting.
- JobTimeout bounds one attempt. Keep it above the pipeline run timeout.

### Reliability Tuning:
- MaxRetries counts attempts after the first one.
- RetryPolicy controls the backoff between attempts. Permanent inference
  errors (bad credentials, unknown model) are never retried.
- StoreRetry controls how run status writes survive short database outages.

## Database Requirements:
- PostgreSQL reachable through server.database_url
- River tables, created by Migrate
- mindmap_runs table, created by Store.EnsureSchema
*/
package jobqueue

import (
	"math"
	"time"

	"github.com/prmindmap/internal/retry"
	"github.com/riverqueue/river"
)

// QueueConfig holds the tunables of the job queue
type QueueConfig struct {
	// MaxWorkers is the number of runs processed concurrently
	MaxWorkers int

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	RetryPolicy RetryPolicy

	// JobTimeout bounds a single attempt
	JobTimeout time.Duration

	// AuditDir receives one audit log per run when set
	AuditDir string

	// StoreRetry retries failed run status writes
	StoreRetry retry.RetryConfig
}

// RetryPolicy defines how failed jobs are retried
type RetryPolicy struct {
	// InitialInterval is the time to wait before the first retry
	InitialInterval time.Duration // default: 30 seconds

	// MaxInterval is the maximum time to wait between retries
	MaxInterval time.Duration // default: 10 minutes

	// Multiplier is the factor by which the interval increases after each retry
	Multiplier float64 // default: 2.0 (exponential backoff)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers: 4,
		MaxRetries: 3,
		RetryPolicy: RetryPolicy{
			InitialInterval: 30 * time.Second,
			MaxInterval:     10 * time.Minute,
			Multiplier:      2.0,
		},
		JobTimeout: 45 * time.Minute,
		StoreRetry: retry.RetryConfig{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Multiplier: 2.0,
			Jitter:     true,
			LogRetries: true,
		},
	}
}

// MaxAttempts is the total number of attempts River makes for one job
func (c *QueueConfig) MaxAttempts() int {
	return c.MaxRetries + 1
}

// Backoff returns the wait before retrying after the given attempt (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	wait := float64(p.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxInterval > 0 && wait > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(wait)
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	workers := c.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: workers,
		},
	}
}
