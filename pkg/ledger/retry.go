package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy is an explicit backoff policy injected into the client.
// Retry behavior is never inherited from node-library internals.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryPolicy suits blockchain-typical node flakiness: a handful of
// attempts over tens of seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        500 * time.Millisecond,
		Max:         15 * time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Delay returns the backoff before attempt (zero-based). Jitter is a PRF of
// the seed and attempt index, so a retry schedule is reproducible in tests
// and audit logs.
func (p RetryPolicy) Delay(attempt int, seed string) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(p.Base) * factor)
	if delay > p.Max || delay < 0 {
		delay = p.Max
	}
	return delay + p.jitter(attempt, seed)
}

func (p RetryPolicy) jitter(attempt int, seed string) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(h[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
