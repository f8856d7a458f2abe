package batch

import (
	"time"
)

// RequestType names a kind of request that is batched together
type RequestType string

const (
	TypeSimilarity RequestType = "similarity"
	TypeCrossLevel RequestType = "cross_level"
)

// TypeConfig holds the batch-size bounds and flush timeout for one request type
type TypeConfig struct {
	MinSize     int           // smallest batch the controller may choose
	MaxSize     int           // largest batch the controller may choose
	InitialSize int           // starting batch size
	Timeout     time.Duration // oldest-item age that forces a flush
	MaxLatency  time.Duration // batch latency above which the size shrinks
}

// Config holds configuration for batch processing
type Config struct {
	TickInterval     time.Duration // how often queues are evaluated
	BreakerThreshold int           // consecutive failed batches that open the breaker
	BreakerCooldown  time.Duration // how long an open breaker rejects requests
	MaxBatchTokens   int           // token ceiling for one batch payload
	Types            map[RequestType]TypeConfig
}

// DefaultTypeConfig is used for request types without explicit configuration
func DefaultTypeConfig() TypeConfig {
	return TypeConfig{
		MinSize:     1,
		MaxSize:     10,
		InitialSize: 5,
		Timeout:     500 * time.Millisecond,
		MaxLatency:  30 * time.Second,
	}
}

// DefaultConfig returns a default configuration for batch processing
func DefaultConfig() Config {
	return Config{
		TickInterval:     100 * time.Millisecond,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
		MaxBatchTokens:   10000,
		Types: map[RequestType]TypeConfig{
			TypeSimilarity: {MinSize: 2, MaxSize: 12, InitialSize: 8, Timeout: 300 * time.Millisecond, MaxLatency: 30 * time.Second},
			TypeCrossLevel: {MinSize: 2, MaxSize: 10, InitialSize: 6, Timeout: 500 * time.Millisecond, MaxLatency: 40 * time.Second},
		},
	}
}

// TypeConfigFor returns the configuration for t, falling back to DefaultTypeConfig
func (c Config) TypeConfigFor(t RequestType) TypeConfig {
	tc, ok := c.Types[t]
	if !ok {
		return DefaultTypeConfig()
	}
	return tc.normalized()
}

func (tc TypeConfig) normalized() TypeConfig {
	def := DefaultTypeConfig()
	if tc.MinSize <= 0 {
		tc.MinSize = def.MinSize
	}
	if tc.MaxSize < tc.MinSize {
		tc.MaxSize = tc.MinSize
	}
	if tc.InitialSize < tc.MinSize || tc.InitialSize > tc.MaxSize {
		tc.InitialSize = tc.MinSize + (tc.MaxSize-tc.MinSize)/2
	}
	if tc.Timeout <= 0 {
		tc.Timeout = def.Timeout
	}
	if tc.MaxLatency <= 0 {
		tc.MaxLatency = def.MaxLatency
	}
	return tc
}

// ConfigFromMap creates a Config from a map (typically from TOML/JSON config).
// Per-type settings live under "types", e.g. types.similarity.max_size.
func ConfigFromMap(configMap map[string]interface{}) Config {
	config := DefaultConfig()

	if v, ok := intFrom(configMap, "tick_interval_ms"); ok {
		config.TickInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := intFrom(configMap, "breaker_threshold"); ok {
		config.BreakerThreshold = v
	}
	if v, ok := intFrom(configMap, "breaker_cooldown_ms"); ok {
		config.BreakerCooldown = time.Duration(v) * time.Millisecond
	}
	if v, ok := intFrom(configMap, "max_batch_tokens"); ok {
		config.MaxBatchTokens = v
	}

	types, _ := configMap["types"].(map[string]interface{})
	for name, raw := range types {
		typeMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		t := RequestType(name)
		tc, ok := config.Types[t]
		if !ok {
			tc = DefaultTypeConfig()
		}
		if v, ok := intFrom(typeMap, "min_size"); ok {
			tc.MinSize = v
		}
		if v, ok := intFrom(typeMap, "max_size"); ok {
			tc.MaxSize = v
		}
		if v, ok := intFrom(typeMap, "initial_size"); ok {
			tc.InitialSize = v
		}
		if v, ok := intFrom(typeMap, "timeout_ms"); ok {
			tc.Timeout = time.Duration(v) * time.Millisecond
		}
		if v, ok := intFrom(typeMap, "max_latency_ms"); ok {
			tc.MaxLatency = time.Duration(v) * time.Millisecond
		}
		config.Types[t] = tc.normalized()
	}

	return config
}

// intFrom extracts a positive integer that may have been decoded as int,
// int64 or float64 depending on the source format.
func intFrom(m map[string]interface{}, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, v > 0
	case int64:
		return int(v), v > 0
	case float64:
		return int(v), v > 0
	default:
		return 0, false
	}
}
