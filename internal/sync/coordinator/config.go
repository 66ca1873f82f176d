package coordinator

import (
	"math/rand/v2"
	"time"
)

const (
	// jitterFraction is the maximum relative offset applied to the sync interval
	jitterFraction = 0.1
	// maxJitter caps the offset for long intervals
	maxJitter = 30 * time.Second
)

// calculateSyncInterval returns base with a random jitter of up to ±10% (at most ±30s),
// so that several instances sharing targets don't sync in lockstep.
// A non-positive base disables periodic runs.
func calculateSyncInterval(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := min(time.Duration(float64(base)*jitterFraction), maxJitter)
	if jitter <= 0 {
		return base
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return base + offset
}
