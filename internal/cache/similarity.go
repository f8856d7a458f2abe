package cache

import (
	"time"
)

// Kind names what a cached value was computed for. TTLs differ per kind:
// dynamic analyses go stale sooner than plain classifications.
type Kind string

const (
	KindSimilarity Kind = "similarity"
	KindExpansion  Kind = "expansion"
	KindDomain     Kind = "domain"
	KindNaming     Kind = "naming"
)

// TTLPolicy maps a cache kind to its entry lifetime
type TTLPolicy map[Kind]time.Duration

// DefaultTTLPolicy returns the built-in lifetimes
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		KindSimilarity: time.Hour,
		KindExpansion:  30 * time.Minute,
		KindDomain:     2 * time.Hour,
		KindNaming:     2 * time.Hour,
	}
}

// For returns the TTL for kind, falling back to one hour
func (p TTLPolicy) For(kind Kind) time.Duration {
	if ttl, ok := p[kind]; ok && ttl > 0 {
		return ttl
	}
	return time.Hour
}

// PairKey builds an order-independent key for two ids so that A-vs-B and
// B-vs-A share one entry.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// SimilarityResult is a cached pairwise merge verdict
type SimilarityResult struct {
	Score       float64 `json:"score"`
	ShouldMerge bool    `json:"should_merge"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// SimilarityCache stores pairwise verdicts under symmetric pair keys
type SimilarityCache struct {
	entries *TTLCache[SimilarityResult]
}

// NewSimilarityCache creates a pairwise cache with the given entry lifetime
func NewSimilarityCache(ttl time.Duration) *SimilarityCache {
	return &SimilarityCache{entries: NewTTLCache[SimilarityResult](ttl)}
}

// SetClock replaces the time source
func (c *SimilarityCache) SetClock(now func() time.Time) {
	c.entries.SetClock(now)
}

// Get returns the cached verdict for the unordered pair (a, b)
func (c *SimilarityCache) Get(a, b string) (SimilarityResult, bool) {
	return c.entries.Get(PairKey(a, b))
}

// Set stores the verdict for (a, b), tagged with the files both sides touch
func (c *SimilarityCache) Set(a, b string, result SimilarityResult, files []string) {
	c.entries.Set(PairKey(a, b), result, 0, files...)
}

// InvalidateByFiles purges every verdict that involved one of paths
func (c *SimilarityCache) InvalidateByFiles(paths []string) int {
	return len(c.entries.InvalidateByFiles(paths))
}

// DeleteExpired drops verdicts past their TTL
func (c *SimilarityCache) DeleteExpired() int {
	return len(c.entries.DeleteExpired())
}

func (c *SimilarityCache) Stats() Stats {
	return c.entries.Stats()
}
