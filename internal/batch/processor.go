package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrCircuitOpen is returned immediately while a request type's breaker is open
	ErrCircuitOpen = errors.New("batch circuit breaker open")
	// ErrResultNotFound is returned to a caller whose item had no matching sub-result
	ErrResultNotFound = errors.New("batch result not found")
	// ErrUnknownRequestType is returned when no handler is registered for a type
	ErrUnknownRequestType = errors.New("unknown request type")
	// ErrProcessorStopped is returned for requests submitted after Stop
	ErrProcessorStopped = errors.New("batch processor stopped")
)

// ItemResult is one demultiplexed sub-result of a batch call. When ID is set
// on every result, results are matched to items by ID; otherwise by position.
type ItemResult struct {
	ID    string
	Value interface{}
	Err   error
}

// Handler executes one batch as a single external call
type Handler interface {
	ExecuteBatch(ctx context.Context, items []*Item) ([]ItemResult, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, items []*Item) ([]ItemResult, error)

func (f HandlerFunc) ExecuteBatch(ctx context.Context, items []*Item) ([]ItemResult, error) {
	return f(ctx, items)
}

// Request is one caller's submission
type Request struct {
	ID       string
	Payload  interface{}
	Priority int
}

// Pending is the future for a submitted request
type Pending struct {
	id    string
	done  chan struct{}
	once  sync.Once
	value interface{}
	err   error
}

func newPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

func (p *Pending) ID() string { return p.id }

// Done is closed once the request has a result
func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) resolve(value interface{}, err error) {
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the request resolves or ctx is done
func (p *Pending) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type breaker struct {
	failures  int
	openUntil time.Time
}

// TypeStats summarizes one request type
type TypeStats struct {
	Submitted   int64   `json:"submitted"`
	Batches     int64   `json:"batches"`
	Failed      int64   `json:"failed_batches"`
	Rejected    int64   `json:"rejected"`
	Missing     int64   `json:"missing_results"`
	Queued      int     `json:"queued"`
	BreakerOpen bool    `json:"breaker_open"`
	Metrics     Metrics `json:"metrics"`
}

// Processor groups independent requests of the same type into batches and
// runs each batch as one call to the type's Handler. A queue flushes when it
// reaches the adaptive batch size or when its oldest item exceeds the type
// timeout, whichever comes first.
type Processor struct {
	config     Config
	controller *AdaptiveController
	strategy   *Strategy

	mu       sync.Mutex
	handlers map[RequestType]Handler
	queues   map[RequestType]*typeQueue
	breakers map[RequestType]*breaker
	stats    map[RequestType]*TypeStats
	seq      uint64
	now      func() time.Time
	stopped  bool

	inflight sync.WaitGroup
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewProcessor creates a processor. load may be nil.
func NewProcessor(config Config, load LoadFunc) *Processor {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = DefaultConfig().BreakerThreshold
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = DefaultConfig().BreakerCooldown
	}
	return &Processor{
		config:     config,
		controller: NewAdaptiveController(config, load),
		strategy:   NewStrategy(config.MaxBatchTokens),
		handlers:   make(map[RequestType]Handler),
		queues:     make(map[RequestType]*typeQueue),
		breakers:   make(map[RequestType]*breaker),
		stats:      make(map[RequestType]*TypeStats),
		now:        time.Now,
	}
}

// SetClock replaces the time source used for item age and breaker cooldown
func (p *Processor) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Register installs the handler for t
func (p *Processor) Register(t RequestType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
	if _, ok := p.queues[t]; !ok {
		p.queues[t] = &typeQueue{}
	}
}

// SetGroupKey installs a grouping function for t
func (p *Processor) SetGroupKey(t RequestType, fn GroupKeyFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy.GroupKeys[t] = fn
}

func (p *Processor) statsFor(t RequestType) *TypeStats {
	s, ok := p.stats[t]
	if !ok {
		s = &TypeStats{}
		p.stats[t] = s
	}
	return s
}

// Submit queues a request and returns its future. It fails fast while the
// type's breaker is open.
func (p *Processor) Submit(t RequestType, req Request) (*Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitLocked(t, req)
}

func (p *Processor) submitLocked(t RequestType, req Request) (*Pending, error) {
	if p.stopped {
		return nil, ErrProcessorStopped
	}
	q, ok := p.queues[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequestType, t)
	}
	if b := p.breakers[t]; b != nil && p.now().Before(b.openUntil) {
		p.statsFor(t).Rejected++
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, t)
	}

	p.seq++
	pending := newPending(req.ID)
	q.push(&Item{
		ID:       req.ID,
		Type:     t,
		Payload:  req.Payload,
		Priority: req.Priority,
		Enqueued: p.now(),
		seq:      p.seq,
		pending:  pending,
	})
	p.statsFor(t).Submitted++
	return pending, nil
}

// Enqueue submits a request and waits for its result
func (p *Processor) Enqueue(ctx context.Context, t RequestType, req Request) (interface{}, error) {
	pending, err := p.Submit(t, req)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// EnqueueAs is Enqueue with the result asserted to T
func EnqueueAs[T any](ctx context.Context, p *Processor, t RequestType, req Request) (T, error) {
	var zero T
	v, err := p.Enqueue(ctx, t, req)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("batch %s: result for %s has type %T", t, req.ID, v)
	}
	return typed, nil
}

// Tick evaluates every queue once against the flush policy and dispatches
// due batches. It returns the number of batches dispatched.
func (p *Processor) Tick(ctx context.Context) int {
	return p.flush(ctx, false)
}

// Flush dispatches everything queued regardless of size or age
func (p *Processor) Flush(ctx context.Context) int {
	return p.flush(ctx, true)
}

func (p *Processor) flush(ctx context.Context, force bool) int {
	load := p.controller.Sample()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	dispatched := 0
	for t, q := range p.queues {
		tc := p.config.TypeConfigFor(t)
		for q.len() > 0 {
			size := p.controller.Size(t, q.len(), load)
			aged := now.Sub(q.oldest()) >= tc.Timeout
			if !force && q.len() < size && !aged {
				break
			}

			selected := p.strategy.Select(t, q.snapshot(), size)
			q.remove(selected)
			p.dispatchLocked(ctx, t, selected)
			dispatched++
		}
	}
	return dispatched
}

func (p *Processor) dispatchLocked(ctx context.Context, t RequestType, items []*Item) {
	handler := p.handlers[t]
	p.statsFor(t).Batches++
	p.inflight.Add(1)

	log.Debug().
		Str("type", string(t)).
		Int("items", len(items)).
		Msg("Dispatching batch")

	go func() {
		defer p.inflight.Done()
		p.execute(ctx, t, handler, items)
	}()
}

func (p *Processor) execute(ctx context.Context, t RequestType, handler Handler, items []*Item) {
	start := time.Now()
	results, err := handler.ExecuteBatch(ctx, items)
	latency := time.Since(start)

	if err != nil {
		log.Warn().Err(err).
			Str("type", string(t)).
			Int("items", len(items)).
			Msg("Batch call failed, rejecting every caller")
		batchErr := fmt.Errorf("batch %s failed: %w", t, err)
		for _, it := range items {
			it.pending.resolve(nil, batchErr)
		}
		p.recordFailure(t)
		p.controller.Record(t, len(items), latency, false)
		return
	}

	missing := demux(items, results)
	if len(results) != len(items) || missing > 0 {
		log.Warn().
			Str("type", string(t)).
			Int("submitted", len(items)).
			Int("returned", len(results)).
			Int("unmatched", missing).
			Msg("Batch result count mismatch")
	}

	p.mu.Lock()
	if b := p.breakers[t]; b != nil {
		b.failures = 0
		b.openUntil = time.Time{}
	}
	p.statsFor(t).Missing += int64(missing)
	p.mu.Unlock()

	p.controller.Record(t, len(items), latency, missing == 0)
}

// demux hands each item its sub-result and returns how many had none
func demux(items []*Item, results []ItemResult) int {
	byID := len(results) > 0
	for _, r := range results {
		if r.ID == "" {
			byID = false
			break
		}
	}

	missing := 0
	if byID {
		index := make(map[string]ItemResult, len(results))
		for _, r := range results {
			index[r.ID] = r
		}
		for _, it := range items {
			r, ok := index[it.ID]
			if !ok {
				missing++
				it.pending.resolve(nil, fmt.Errorf("%w: %s", ErrResultNotFound, it.ID))
				continue
			}
			it.pending.resolve(r.Value, r.Err)
		}
		return missing
	}

	for i, it := range items {
		if i >= len(results) {
			missing++
			it.pending.resolve(nil, fmt.Errorf("%w: %s", ErrResultNotFound, it.ID))
			continue
		}
		it.pending.resolve(results[i].Value, results[i].Err)
	}
	return missing
}

func (p *Processor) recordFailure(t RequestType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.statsFor(t).Failed++
	b, ok := p.breakers[t]
	if !ok {
		b = &breaker{}
		p.breakers[t] = b
	}
	b.failures++
	if b.failures < p.config.BreakerThreshold {
		return
	}

	b.openUntil = p.now().Add(p.config.BreakerCooldown)
	log.Warn().
		Str("type", string(t)).
		Int("consecutive_failures", b.failures).
		Dur("cooldown", p.config.BreakerCooldown).
		Msg("Batch circuit breaker opened")

	// Queued callers would only wait out the cooldown; fail them now.
	if q := p.queues[t]; q != nil {
		queued := q.snapshot()
		q.remove(queued)
		for _, it := range queued {
			it.pending.resolve(nil, fmt.Errorf("%w: %s", ErrCircuitOpen, t))
		}
	}
}

// Start runs Tick on the configured interval until ctx is done or Stop is called
func (p *Processor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	done := p.loopDone
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop, dispatches whatever is still queued and waits
// for every in-flight batch.
func (p *Processor) Stop(ctx context.Context) {
	p.mu.Lock()
	cancel, done := p.cancel, p.loopDone
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.Flush(ctx)
	p.inflight.Wait()
}

// Wait blocks until every dispatched batch has finished
func (p *Processor) Wait() {
	p.inflight.Wait()
}

// Stats returns a snapshot per request type
func (p *Processor) Stats() map[RequestType]TypeStats {
	metrics := p.controller.Metrics()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[RequestType]TypeStats, len(p.queues))
	now := p.now()
	for t, q := range p.queues {
		s := *p.statsFor(t)
		s.Queued = q.len()
		if b := p.breakers[t]; b != nil {
			s.BreakerOpen = now.Before(b.openUntil)
		}
		s.Metrics = metrics[t]
		out[t] = s
	}
	return out
}
