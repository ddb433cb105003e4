package tunnel

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum spacing between consecutive link
// transmissions: a token bucket of size one refilled once per interval.
type RateLimiter struct {
	interval time.Duration
	limiter  *rate.Limiter
	last     time.Time // lastLinkTxTime
}

// NewRateLimiter creates a limiter allowing one transmission per interval.
// A non-positive interval disables limiting.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	r := &RateLimiter{interval: interval}
	if interval > 0 {
		r.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return r
}

// Ready reports whether a transmission at now keeps the minimum spacing.
func (r *RateLimiter) Ready(now time.Time) bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.TokensAt(now) >= 1
}

// Mark records a transmission at now.
func (r *RateLimiter) Mark(now time.Time) {
	if r.limiter != nil {
		r.limiter.AllowN(now, 1)
	}
	r.last = now
}

// Delay returns how long after now the next transmission may happen.
func (r *RateLimiter) Delay(now time.Time) time.Duration {
	if r.Ready(now) || r.last.IsZero() {
		return 0
	}
	if d := r.interval - now.Sub(r.last); d > 0 {
		return d
	}
	return 0
}

// LastTx returns the time of the last recorded transmission.
func (r *RateLimiter) LastTx() time.Time {
	return r.last
}
