package outbox

import (
	"math"
	"math/rand"
	"time"
)

// Default backoff parameters. All are overridable via config.
const (
	DefaultBaseDelay    = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultRetryCeiling = 3

	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Backoff computes retry delays: exponential in the retry count, capped
// at Max, with optional ±25% jitter. Zero value is unusable; construct
// with NewBackoff.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// NewBackoff returns a Backoff with the given base and cap. Non-positive
// values fall back to the defaults.
func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}

	if max <= 0 {
		max = DefaultMaxDelay
	}

	return Backoff{Base: base, Max: max, Jitter: true}
}

// Delay returns the wait before the attempt following retryCount
// failures: min(base * 2^retryCount, max), plus jitter when enabled.
// Monotone non-decreasing in retryCount before jitter, and never above
// Max even with jitter applied.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	d := float64(b.Base) * math.Pow(backoffFactor, float64(retryCount))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter {
		jitter := d * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
		d += jitter

		if d > float64(b.Max) {
			d = float64(b.Max)
		}
	}

	return time.Duration(d)
}
