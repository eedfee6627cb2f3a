package effector

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy configures retry delays.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoffPolicy is used when the zero policy is supplied.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: 3}
}

// ComputeBackoff returns the delay before retry attempt (0-based) using
// exponential growth and deterministic jitter seeded by the intent id, so the
// same failure sequence always waits the same amount of time.
func ComputeBackoff(intentID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(intentID, attempt, policy.MaxJitterMs)) * time.Millisecond
}

func deterministicJitter(intentID string, attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", intentID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs)) //nolint:gosec // maxJitterMs is positive
}
