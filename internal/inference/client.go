package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prmindmap/internal/cache"
	"github.com/prmindmap/internal/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrCircuitOpen is returned when a caller gives up while dispatch is paused by the breaker
	ErrCircuitOpen = errors.New("inference circuit breaker open")
	// ErrClientClosed is returned for requests made after, or still queued at, Close
	ErrClientClosed = errors.New("inference client closed")
)

// PermanentError marks a failure that retrying cannot fix, such as a rejected API key.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent inference failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is or wraps a PermanentError
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backend performs one raw text completion
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// BackendFunc adapts a function to Backend
type BackendFunc func(ctx context.Context, prompt string) (string, error)

func (f BackendFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Completer is the narrow interface services use to reach the model.
// tag names the calling context for statistics only.
type Completer interface {
	Complete(ctx context.Context, tag string, prompt string) (string, error)
}

// Config controls dispatch pacing and failure handling
type Config struct {
	MaxConcurrent      int           // in-flight cap (default: 5)
	MinSpacing         time.Duration // minimum gap between dispatches (default: 200ms)
	RateLimitRetries   int           // retries for rate-limited calls (default: 3)
	RateLimitBaseDelay time.Duration // first rate-limit backoff, doubled per retry (default: 2s)
	BreakerThreshold   int           // consecutive rate-limit failures that pause dispatch (default: 5)
	BreakerCooldown    time.Duration // pause length (default: 30s)
	ResponseCacheTTL   time.Duration // 0 disables the response cache
}

// DefaultConfig returns the default dispatch configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      5,
		MinSpacing:         200 * time.Millisecond,
		RateLimitRetries:   3,
		RateLimitBaseDelay: 2 * time.Second,
		BreakerThreshold:   5,
		BreakerCooldown:    30 * time.Second,
		ResponseCacheTTL:   30 * time.Minute,
	}
}

type outcome struct {
	text string
	err  error
}

type request struct {
	ctx      context.Context
	tag      string
	prompt   string
	attempt  int
	enqueued time.Time
	done     chan outcome
}

// Client is the process-wide dispatch queue in front of a Backend. Every
// service shares one Client, so the concurrency cap, dispatch spacing and
// breaker apply across all callers.
type Client struct {
	backend   Backend
	config    Config
	limiter   *rate.Limiter
	responses *cache.ResponseCache

	mu                    sync.Mutex
	queue                 []*request
	inFlight              int
	consecutiveRateLimits int
	breakerUntil          time.Time
	closed                bool
	stats                 map[string]*ContextStats

	wake   chan struct{}
	stop   context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
}

// NewClient creates a client and starts its dispatch loop. Call Close to stop it.
func NewClient(backend Backend, config Config) *Client {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.RateLimitRetries < 0 {
		config.RateLimitRetries = 0
	}
	if config.RateLimitBaseDelay <= 0 {
		config.RateLimitBaseDelay = defaults.RateLimitBaseDelay
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = defaults.BreakerThreshold
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = defaults.BreakerCooldown
	}

	limit := rate.Inf
	if config.MinSpacing > 0 {
		limit = rate.Every(config.MinSpacing)
	}

	stop, cancel := context.WithCancel(context.Background())
	c := &Client{
		backend: backend,
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
		stats:   make(map[string]*ContextStats),
		wake:    make(chan struct{}, 1),
		stop:    stop,
		cancel:  cancel,
	}
	if config.ResponseCacheTTL > 0 {
		c.responses = cache.NewResponseCache(config.ResponseCacheTTL)
	}

	c.loopWG.Add(1)
	go c.loop()
	return c
}

// Complete queues prompt and waits for the model's raw text.
func (c *Client) Complete(ctx context.Context, tag string, prompt string) (string, error) {
	if c.responses != nil {
		if text, ok := c.responses.Get(prompt); ok {
			c.record(tag, 0, nil, true)
			return text, nil
		}
	}

	req := &request{
		ctx:      ctx,
		tag:      tag,
		prompt:   prompt,
		enqueued: time.Now(),
		done:     make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClientClosed
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()
	c.signal()

	select {
	case out := <-req.done:
		if out.err == nil && c.responses != nil {
			c.responses.Set(prompt, out.text)
		}
		return out.text, out.err
	case <-ctx.Done():
		if c.BreakerOpen() {
			return "", fmt.Errorf("%w: %v", ErrCircuitOpen, ctx.Err())
		}
		return "", ctx.Err()
	}
}

// BreakerOpen reports whether dispatch is currently paused
func (c *Client) BreakerOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.breakerUntil)
}

// QueueLength returns the number of requests waiting for dispatch
func (c *Client) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close stops the dispatch loop and rejects every queued request. Calls
// already in flight run to completion.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	for _, req := range pending {
		req.done <- outcome{err: ErrClientClosed}
	}
	c.loopWG.Wait()
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) loop() {
	defer c.loopWG.Done()

	for {
		req, wait := c.next()
		if req == nil {
			var timer *time.Timer
			var fire <-chan time.Time
			if wait > 0 {
				timer = time.NewTimer(wait)
				fire = timer.C
			}
			select {
			case <-c.stop.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case <-c.wake:
			case <-fire:
			}
			if timer != nil {
				timer.Stop()
			}
			continue
		}

		if err := c.limiter.Wait(c.stop); err != nil {
			c.mu.Lock()
			c.inFlight--
			c.mu.Unlock()
			req.done <- outcome{err: ErrClientClosed}
			return
		}

		go c.dispatch(req)
	}
}

// next pops the head of the queue when a slot is free and the breaker is
// closed. Otherwise it returns how long to wait, or 0 to wait for a signal.
func (c *Client) next() (*request, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, 0
	}
	if wait := time.Until(c.breakerUntil); wait > 0 {
		return nil, wait
	}

	for len(c.queue) > 0 && c.inFlight < c.config.MaxConcurrent {
		req := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		if err := req.ctx.Err(); err != nil {
			req.done <- outcome{err: err}
			continue
		}
		c.inFlight++
		return req, 0
	}
	return nil, 0
}

func (c *Client) dispatch(req *request) {
	start := time.Now()
	text, err := c.backend.Generate(req.ctx, req.prompt)
	latency := time.Since(start)

	c.mu.Lock()
	c.inFlight--

	if err == nil {
		c.consecutiveRateLimits = 0
		c.mu.Unlock()
		c.record(req.tag, latency, nil, false)
		req.done <- outcome{text: text}
		c.signal()
		return
	}

	if retry.IsRateLimitError(err) && !retry.IsPermanentError(err) {
		c.consecutiveRateLimits++
		if c.consecutiveRateLimits >= c.config.BreakerThreshold {
			c.breakerUntil = time.Now().Add(c.config.BreakerCooldown)
			c.consecutiveRateLimits = 0
			log.Warn().
				Dur("cooldown", c.config.BreakerCooldown).
				Int("queued", len(c.queue)).
				Msg("Inference circuit breaker opened after repeated rate limits")
		}

		if req.attempt < c.config.RateLimitRetries {
			req.attempt++
			delay := time.Duration(float64(c.config.RateLimitBaseDelay) * math.Pow(2, float64(req.attempt-1)))
			c.mu.Unlock()

			log.Debug().Err(err).
				Str("context", req.tag).
				Int("attempt", req.attempt).
				Dur("delay", delay).
				Msg("Rate limited, requeueing at front")
			go c.requeueFront(req, delay)
			c.signal()
			return
		}
	}
	c.mu.Unlock()

	c.record(req.tag, latency, err, false)
	if retry.IsPermanentError(err) {
		req.done <- outcome{err: &PermanentError{Err: err}}
	} else {
		req.done <- outcome{err: fmt.Errorf("inference call failed after %d attempts: %w", req.attempt+1, err)}
	}
	c.signal()
}

func (c *Client) requeueFront(req *request, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-req.ctx.Done():
		req.done <- outcome{err: req.ctx.Err()}
		return
	case <-c.stop.Done():
		req.done <- outcome{err: ErrClientClosed}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		req.done <- outcome{err: ErrClientClosed}
		return
	}
	c.queue = append([]*request{req}, c.queue...)
	c.mu.Unlock()
	c.signal()
}
