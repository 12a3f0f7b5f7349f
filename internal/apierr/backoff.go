package apierr

import "time"

// Backoff computes the wait before the next attempt. Rate limits use their
// own, longer schedule.
type Backoff struct {
	Base          time.Duration
	Max           time.Duration
	RateLimitBase time.Duration
	RateLimitMax  time.Duration
}

// DefaultBackoff is 1s doubling to 10s, or 5s doubling to 30s for rate limits.
var DefaultBackoff = Backoff{
	Base:          time.Second,
	Max:           10 * time.Second,
	RateLimitBase: 5 * time.Second,
	RateLimitMax:  30 * time.Second,
}

// WithBase scales the schedule from a configured base delay. The rate-limit
// base stays five times the base, as in the defaults.
func WithBase(base time.Duration) Backoff {
	if base <= 0 {
		return DefaultBackoff
	}
	return Backoff{
		Base:          base,
		Max:           10 * base,
		RateLimitBase: 5 * base,
		RateLimitMax:  30 * base,
	}
}

// Delay returns min(max, base * 2^attempt) for retryable kinds and zero
// otherwise.
func (b Backoff) Delay(err error, attempt int) time.Duration {
	e := Classify(err)
	if e == nil || !e.Retryable {
		return 0
	}
	switch e.Kind {
	case KindRateLimit:
		return expo(b.RateLimitBase, b.RateLimitMax, attempt)
	default:
		return expo(b.Base, b.Max, attempt)
	}
}

// RetryDelay applies DefaultBackoff.
func RetryDelay(err error, attempt int) time.Duration {
	return DefaultBackoff.Delay(err, attempt)
}

func expo(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
