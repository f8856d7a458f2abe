package retry

import "time"

// CallContext names the kind of work being retried. Each context gets its own
// backoff parameters from a PolicyTable.
type CallContext string

const (
	ContextGeneric         CallContext = "generic"
	ContextAIBatch         CallContext = "ai_batch"
	ContextThemeProcessing CallContext = "theme_processing"
	ContextInference       CallContext = "inference"
)

// Policy holds the regular and the rate-limited retry parameters for one context
type Policy struct {
	Normal      RetryConfig
	RateLimited RetryConfig
}

// PolicyTable maps a call context to its retry policy.
type PolicyTable map[CallContext]Policy

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() PolicyTable {
	themeProcessing := DefaultRetryConfig()
	themeProcessing.MaxRetries = 2
	themeProcessing.BaseDelay = 500 * time.Millisecond

	inference := DefaultRetryConfig()
	inference.BaseDelay = 2 * time.Second

	return PolicyTable{
		ContextGeneric: {
			Normal:      DefaultRetryConfig(),
			RateLimited: RateLimitRetryConfig(),
		},
		ContextAIBatch: {
			Normal:      LLMRetryConfig(),
			RateLimited: RateLimitRetryConfig(),
		},
		ContextThemeProcessing: {
			Normal:      themeProcessing,
			RateLimited: RateLimitRetryConfig(),
		},
		ContextInference: {
			Normal:      inference,
			RateLimited: RateLimitRetryConfig(),
		},
	}
}

// For returns the retry configuration to use for the given context after err.
// Unknown contexts fall back to the generic policy.
func (t PolicyTable) For(ctx CallContext, err error) RetryConfig {
	policy, ok := t[ctx]
	if !ok {
		policy, ok = t[ContextGeneric]
		if !ok {
			policy = Policy{Normal: DefaultRetryConfig(), RateLimited: RateLimitRetryConfig()}
		}
	}
	if IsRateLimitError(err) {
		return policy.RateLimited
	}
	return policy.Normal
}

// Scaled returns a copy of the table with every delay multiplied by factor.
// Tests use it to shrink real backoff to milliseconds.
func (t PolicyTable) Scaled(factor float64) PolicyTable {
	out := make(PolicyTable, len(t))
	for k, p := range t {
		out[k] = Policy{Normal: scale(p.Normal, factor), RateLimited: scale(p.RateLimited, factor)}
	}
	return out
}

func scale(c RetryConfig, factor float64) RetryConfig {
	c.BaseDelay = time.Duration(float64(c.BaseDelay) * factor)
	c.MaxDelay = time.Duration(float64(c.MaxDelay) * factor)
	return c
}
