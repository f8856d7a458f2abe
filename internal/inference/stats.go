package inference

import "time"

// ContextStats aggregates calls made under one context tag
type ContextStats struct {
	Calls        int64         `json:"calls"`
	Errors       int64         `json:"errors"`
	CacheHits    int64         `json:"cache_hits"`
	TotalLatency time.Duration `json:"total_latency"`
}

// AvgLatency returns the mean latency of dispatched calls
func (s ContextStats) AvgLatency() time.Duration {
	dispatched := s.Calls - s.CacheHits
	if dispatched <= 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(dispatched)
}

// Stats returns a snapshot of per-tag statistics
func (c *Client) Stats() map[string]ContextStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ContextStats, len(c.stats))
	for tag, s := range c.stats {
		out[tag] = *s
	}
	return out
}

func (c *Client) record(tag string, latency time.Duration, err error, cacheHit bool) {
	if tag == "" {
		tag = "default"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[tag]
	if !ok {
		s = &ContextStats{}
		c.stats[tag] = s
	}
	s.Calls++
	if cacheHit {
		s.CacheHits++
		return
	}
	s.TotalLatency += latency
	if err != nil {
		s.Errors++
	}
}
