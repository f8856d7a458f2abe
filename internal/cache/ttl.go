package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats reports cache effectiveness
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Entries   int   `json:"entries"`
	FuzzyHits int64 `json:"fuzzy_hits,omitempty"` // served by a near match, semantic caches only
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	value    V
	inserted time.Time
	expires  time.Time
	files    []string
}

// TTLCache is an exact-key cache with lazy expiry. Entries can be tagged with
// the file paths their input referenced so they can be purged when those
// files change.
type TTLCache[V any] struct {
	mu         sync.Mutex
	items      map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewTTLCache creates a cache whose entries live for defaultTTL unless Set is
// given an explicit TTL.
func NewTTLCache[V any](defaultTTL time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		items:      make(map[string]entry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests use it to step past expiry.
func (c *TTLCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the value for key. An expired entry is deleted and reported as a miss.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.items, key)
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key. A non-positive ttl uses the cache default.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration, files ...string) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items[key] = entry[V]{
		value:    value,
		inserted: now,
		expires:  now.Add(ttl),
		files:    append([]string(nil), files...),
	}
}

// InvalidateByFiles purges every entry tagged with any of paths, regardless
// of TTL, and returns the purged keys.
func (c *TTLCache[V]) InvalidateByFiles(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	modified := make(map[string]bool, len(paths))
	for _, p := range paths {
		modified[p] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var purged []string
	for key, e := range c.items {
		for _, f := range e.files {
			if modified[f] {
				delete(c.items, key)
				purged = append(purged, key)
				break
			}
		}
	}
	return purged
}

// DeleteExpired drops every expired entry and returns the removed keys
func (c *TTLCache[V]) DeleteExpired() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var removed []string
	for key, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Len returns the number of stored entries, including ones not yet lazily expired
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTLCache[V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.Len(),
	}
}
