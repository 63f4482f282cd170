package fetchcache

import (
	"math/rand/v2"
	"time"
)

// JitterWindow bounds the random delay added to exponential backoff: [0, JitterWindow).
const JitterWindow = time.Second

// maxShift keeps BaseDelay<<attempt inside int64 for any realistic BaseDelay.
const maxShift = 32

// RetryConfig is the retry policy of a Query. Immutable once the query is created.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	Exponential bool

	// Jitter overrides the random draw added to exponential delays.
	// nil => uniform in [0, JitterWindow).
	Jitter func() time.Duration
}

// NextDelay returns the wait before the retry that follows the attempt-th failure.
// attempt is zero-based: the delay before the first retry uses attempt = 0.
//
//	constant:    BaseDelay
//	exponential: BaseDelay * 2^attempt + jitter
func (c RetryConfig) NextDelay(attempt int) time.Duration {
	if !c.Exponential {
		return c.BaseDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return c.BaseDelay<<attempt + c.jitter()
}

func (c RetryConfig) jitter() time.Duration {
	if c.Jitter != nil {
		return c.Jitter()
	}
	return rand.N(JitterWindow)
}
