package services

import "time"

// Default retry timings for failed creations.
const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// RetryDelay returns the wait before retry number retryCount (1-based):
// base * 2^(retryCount-1), capped at max. Values below 1 are treated as 1.
func RetryDelay(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	// Shifting past the cap overflows for large counts; stop doubling early.
	delay := base
	for i := 1; i < retryCount; i++ {
		if delay >= max {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
