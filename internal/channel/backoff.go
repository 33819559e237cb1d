package channel

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig bounds the backoff applied to failed network attempts. It
// is shared by channel establishment and the orchestrator's invoke retry
// loop.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int     // attempts per operation, minimum 1
	Jitter       float64 // fraction of the delay, 0 disables
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  4,
		Jitter:       0.2,
	}
}

// BackoffCalculator computes bounded exponential delays with jitter.
type BackoffCalculator struct {
	cfg RetryConfig
}

// NewBackoffCalculator creates a calculator for the given policy.
func NewBackoffCalculator(cfg RetryConfig) *BackoffCalculator {
	return &BackoffCalculator{cfg: cfg}
}

// Delay returns the wait before retry number attempt (0-indexed).
func (b *BackoffCalculator) Delay(attempt int) time.Duration {
	delay := float64(b.cfg.InitialDelay)
	if attempt > 0 {
		delay *= math.Pow(b.cfg.Multiplier, float64(attempt))
	}
	if ceil := float64(b.cfg.MaxDelay); ceil > 0 && delay > ceil {
		delay = ceil
	}
	if b.cfg.Jitter > 0 {
		spread := delay * b.cfg.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
