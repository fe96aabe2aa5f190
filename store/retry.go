package store

import (
	"math/rand"
	"time"

	"github.com/c360studio/taskgate/config"
)

// RetryConfig holds the backoff policy for transient store errors.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per operation.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for store operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// retryConfigFrom maps the resilience config section onto a RetryConfig.
func retryConfigFrom(res config.ResilienceConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if res.RetryAttempts > 0 {
		cfg.MaxAttempts = res.RetryAttempts
	}
	if res.RetryBaseDelaySeconds > 0 {
		cfg.BackoffBase = res.BaseDelay()
	}
	if res.RetryMaxDelaySeconds > 0 {
		cfg.MaxBackoff = res.MaxDelay()
	}
	if res.RetryBackoffFactor > 0 {
		cfg.BackoffMultiplier = res.RetryBackoffFactor
	}
	return cfg
}

// backoff computes the exponential backoff with jitter for an attempt.
// Jitter prevents thundering herd when multiple callers retry at once.
func (r RetryConfig) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= r.BackoffMultiplier
	}

	backoff := time.Duration(float64(r.BackoffBase) * multiplier)
	if backoff > r.MaxBackoff {
		backoff = r.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
