package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ResponseCache maps a prompt to the raw model response it produced.
// Identical prompts within the TTL are answered without another call.
type ResponseCache struct {
	items *gocache.Cache
}

// NewResponseCache creates a response cache. Expired items are swept every 2*ttl.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{items: gocache.New(ttl, 2*ttl)}
}

// ResponseKey hashes the whitespace-trimmed prompt
func ResponseKey(prompt string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(prompt)))
	return hex.EncodeToString(sum[:])
}

func (c *ResponseCache) Get(prompt string) (string, bool) {
	v, ok := c.items.Get(ResponseKey(prompt))
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (c *ResponseCache) Set(prompt, response string) {
	c.items.SetDefault(ResponseKey(prompt), response)
}

// Len returns the number of cached responses, including expired ones not yet swept
func (c *ResponseCache) Len() int {
	return c.items.ItemCount()
}

// Flush drops every cached response
func (c *ResponseCache) Flush() {
	c.items.Flush()
}
