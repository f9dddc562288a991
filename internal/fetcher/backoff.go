package fetcher

import (
	"math"
	mathrand "math/rand"
	"time"
)

// defaultJitterFactor is the default proportion of delay added as random
// jitter.
const defaultJitterFactor = 0.5

// RetryConfig is the Slice Fetcher's bounded exponential backoff schedule
// between attempts within one Fetch call (spec.md §4.3: initial ~250ms,
// doubling, capped, up to ~5 attempts).
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth of the delay.
	MaxDelay time.Duration

	// Jitter enables random jitter in retry delays to prevent a thundering
	// herd of fetch workers retrying in lockstep.
	Jitter bool

	// JitterFactor is the maximum proportion of delay added as jitter. Only
	// used if Jitter is true; defaults to defaultJitterFactor if not set.
	JitterFactor float64
}

// DefaultRetryConfig is the schedule a Fetcher uses when Options.Retry is
// unset.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		Jitter:       true,
		JitterFactor: defaultJitterFactor,
	}
}

// backoffDelay returns the delay before the given retry attempt. attempt
// is 0-indexed: the first retry (after the initial attempt fails) is
// attempt 1. backoffDelay(cfg, 0) is always zero.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := cfg.InitialDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		factor := cfg.JitterFactor
		if factor <= 0 {
			factor = defaultJitterFactor
		}

		//nolint:gosec // jitter does not need crypto-grade randomness
		jitter := mathrand.Float64() * float64(delay) * factor
		delay += time.Duration(jitter)
	}

	return delay
}
