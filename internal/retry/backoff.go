package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"` // Maximum number of retry attempts (default: 3)
	BaseDelay  time.Duration `json:"base_delay"`  // Base delay between retries (default: 1s)
	MaxDelay   time.Duration `json:"max_delay"`   // Maximum delay between retries (default: 30s)
	Multiplier float64       `json:"multiplier"`  // Exponential backoff multiplier (default: 2.0)
	Jitter     bool          `json:"jitter"`      // Add ±10% random jitter (default: true)
	LogRetries bool          `json:"log_retries"` // Whether to log retry attempts (default: true)

	// RetryIf decides whether a failed attempt may be retried. nil retries every error.
	RetryIf func(err error) bool `json:"-"`
	// OnRetry is called synchronously before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration) `json:"-"`
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`       // Total number of attempts made
	TotalDuration time.Duration `json:"total_duration"` // Total time spent on all attempts
	LastError     error         `json:"-"`              // Last error encountered
	Success       bool          `json:"success"`        // Whether the operation eventually succeeded
	RetryReasons  []string      `json:"retry_reasons"`  // Reasons for each retry attempt
}

// DefaultRetryConfig returns a retry configuration with sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// LLMRetryConfig returns a retry configuration tuned for batched inference requests
func LLMRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
		LogRetries: true,
	}
}

// RateLimitRetryConfig is used once an error has been classified as rate limiting.
// Longer waits and more attempts than the regular policies.
func RateLimitRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  5 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// RetryWithBackoff executes an operation with exponential backoff retry logic
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) RetryResult {
	return RetryWithBackoffAndReason(ctx, config, func() (error, string) {
		err := operation()
		reason := "unknown_error"
		if err != nil {
			reason = err.Error()
		}
		return err, reason
	})
}

// RetryWithBackoffAndReason executes an operation with exponential backoff retry logic and custom reason tracking
func RetryWithBackoffAndReason(ctx context.Context, config RetryConfig, operation func() (error, string)) RetryResult {
	startTime := time.Now()

	result := RetryResult{
		RetryReasons: make([]string, 0),
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err, reason := operation()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries && attempt > 0 {
				log.Debug().
					Int("retries", attempt).
					Dur("total_duration", result.TotalDuration).
					Msg("Operation succeeded after retries")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, reason)

		if attempt >= config.MaxRetries || (config.RetryIf != nil && !config.RetryIf(err)) {
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries {
				log.Debug().Err(err).
					Int("attempts", result.Attempts).
					Dur("total_duration", result.TotalDuration).
					Msg("Operation failed, giving up")
			}
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}

		delay := CalculateDelay(config, attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}
		if config.LogRetries {
			log.Debug().Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxRetries+1).
				Dur("delay", delay).
				Msg("Operation failed, retrying")
		}

		if err := Sleep(ctx, delay); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	// Unreachable: the loop always returns.
	result.TotalDuration = time.Since(startTime)
	return result
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CalculateDelay calculates the delay for the next retry attempt using exponential backoff
func CalculateDelay(config RetryConfig, attempt int) time.Duration {
	// baseDelay * multiplier^attempt
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		jitter := (rand.Float64() - 0.5) * 2 * jitterRange
		delay += jitter

		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
		if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
			delay = float64(config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryableError determines if an error is retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanentError(err) {
		return false
	}

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"internal server error",
		"dns lookup failed",
		"no such host",
		"network unreachable",
		"broken pipe",
		"context deadline exceeded",
		"500", // HTTP 500 Internal Server Error
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
	}

	return IsRateLimitError(err) || containsAny(err.Error(), retryableErrors)
}

// IsRateLimitError reports whether the error looks like upstream throttling.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), []string{
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
		"quota exceeded",
		"resource exhausted",
		"resource_exhausted",
		"overloaded",
		"429", // HTTP 429 Too Many Requests
	})
}

// IsPermanentError reports authentication and permission failures that retrying cannot fix.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), []string{
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"api key not valid",
		"unauthorized",
		"unauthenticated",
		"permission denied",
		"forbidden",
		"authentication",
		"401",
		"403",
	})
}

// containsAny reports whether s contains any of the substrings, case-insensitively
func containsAny(s string, substrs []string) bool {
	s = strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
