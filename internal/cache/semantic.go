package cache

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
)

// DefaultSemanticThreshold is the Jaccard similarity at or above which two
// token sets count as the same request.
const DefaultSemanticThreshold = 0.85

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "have": true,
	"in": true, "into": true, "is": true, "it": true, "its": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "were": true, "will": true, "with": true, "which": true,
	"when": true, "while": true, "we": true, "our": true, "so": true, "if": true,
}

// TokenSet is a set of normalized words
type TokenSet map[string]struct{}

// Tokenize lowercases every field, splits on anything that is not a letter
// or digit and drops stop words and single-character tokens.
func Tokenize(fields ...string) TokenSet {
	set := make(TokenSet)
	for _, field := range fields {
		words := strings.FieldsFunc(strings.ToLower(field), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			if len(w) < 2 || stopWords[w] {
				continue
			}
			set[w] = struct{}{}
		}
	}
	return set
}

// FileStems returns the base names of paths without their extensions
func FileStems(paths []string) []string {
	stems := make([]string, 0, len(paths))
	for _, p := range paths {
		base := filepath.Base(p)
		stems = append(stems, strings.TrimSuffix(base, filepath.Ext(base)))
	}
	return stems
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets are dissimilar.
func Jaccard(a, b TokenSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for t := range small {
		if _, ok := large[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// SemanticCache answers exact-key lookups like TTLCache and, on an exact
// miss, falls back to the stored entry whose token set is most similar to
// the request's, provided the similarity reaches the threshold.
type SemanticCache[V any] struct {
	exact     *TTLCache[V]
	threshold float64

	mu     sync.RWMutex
	tokens map[string]TokenSet

	fuzzyHits int64
}

// NewSemanticCache creates a semantic cache. A threshold outside (0,1] uses
// DefaultSemanticThreshold.
func NewSemanticCache[V any](ttl time.Duration, threshold float64) *SemanticCache[V] {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSemanticThreshold
	}
	return &SemanticCache[V]{
		exact:     NewTTLCache[V](ttl),
		threshold: threshold,
		tokens:    make(map[string]TokenSet),
	}
}

// SetClock replaces the time source
func (c *SemanticCache[V]) SetClock(now func() time.Time) {
	c.exact.SetClock(now)
}

// Get looks up key, then the closest semantic match for text.
func (c *SemanticCache[V]) Get(key string, text ...string) (V, bool) {
	if v, ok := c.exact.Get(key); ok {
		return v, true
	}

	query := Tokenize(text...)
	var zero V
	if len(query) == 0 {
		return zero, false
	}

	c.mu.RLock()
	bestKey := ""
	bestScore := 0.0
	for k, set := range c.tokens {
		if k == key {
			continue
		}
		if score := Jaccard(query, set); score >= c.threshold && score > bestScore {
			bestKey, bestScore = k, score
		}
	}
	c.mu.RUnlock()

	if bestKey == "" {
		return zero, false
	}
	v, ok := c.exact.Get(bestKey)
	if !ok {
		c.forget(bestKey)
		return zero, false
	}

	c.mu.Lock()
	c.fuzzyHits++
	c.mu.Unlock()
	return v, true
}

// Set stores value under key and indexes it by the tokens of text.
func (c *SemanticCache[V]) Set(key string, value V, files []string, text ...string) {
	c.exact.Set(key, value, 0, files...)

	c.mu.Lock()
	c.tokens[key] = Tokenize(text...)
	c.mu.Unlock()
}

// InvalidateByFiles purges every entry whose input referenced one of paths
func (c *SemanticCache[V]) InvalidateByFiles(paths []string) int {
	purged := c.exact.InvalidateByFiles(paths)
	for _, k := range purged {
		c.forget(k)
	}
	return len(purged)
}

// DeleteExpired drops expired entries along with their token sets
func (c *SemanticCache[V]) DeleteExpired() int {
	removed := c.exact.DeleteExpired()
	for _, k := range removed {
		c.forget(k)
	}
	return len(removed)
}

// Stats adds the number of fuzzy hits to the exact-key counters
func (c *SemanticCache[V]) Stats() Stats {
	s := c.exact.Stats()
	c.mu.RLock()
	s.FuzzyHits = c.fuzzyHits
	c.mu.RUnlock()
	return s
}

func (c *SemanticCache[V]) forget(key string) {
	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
}
