package ratelimiter

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles a byte stream using the token bucket algorithm.
//
// It wraps golang.org/x/time/rate with one token per byte. Self-heal uses it
// to cap the bandwidth spent copying data from the latest replica to stale
// ones so that healing does not starve foreground traffic.
//
// A limiter built with a zero rate is unlimited: every call returns
// immediately without touching the bucket.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing bytesPerSecond sustained throughput.
//
// Parameters:
//   - bytesPerSecond: Maximum sustained rate. Zero disables limiting.
//   - burst: Bucket capacity in bytes. Zero defaults to one second of traffic.
//
// Example:
//
//	// 8 MiB/s with a 1 MiB burst
//	limiter := New(8<<20, 1<<20)
func New(bytesPerSecond, burst uint) *RateLimiter {
	if bytesPerSecond == 0 {
		return &RateLimiter{}
	}
	if burst == 0 {
		burst = bytesPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst)),
	}
}

// Unlimited reports whether the limiter lets everything through.
func (r *RateLimiter) Unlimited() bool {
	return r == nil || r.limiter == nil
}

// Reserve claims n bytes and returns how long the caller must wait before
// sending them. Callers that may not block schedule the send after the
// returned delay.
func (r *RateLimiter) Reserve(n int) time.Duration {
	if r.Unlimited() || n <= 0 {
		return 0
	}
	now := time.Now()
	burst := r.limiter.Burst()
	var delay time.Duration
	for n > 0 {
		step := min(n, burst)
		// reservations queue, so the last one carries the total delay
		if d := r.limiter.ReserveN(now, step).DelayFrom(now); d > delay {
			delay = d
		}
		n -= step
	}
	return delay
}
