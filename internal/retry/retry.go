// Package retry re-runs operations against the external service using the
// shared classification and backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/metrics"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	MaxAttempts int
	Backoff     apierr.Backoff
	Sleep       SleepFunc // nil means a real timer
}

// DefaultPolicy makes three attempts on the default backoff.
var DefaultPolicy = Policy{MaxAttempts: 3, Backoff: apierr.DefaultBackoff}

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts run out. After the n-th failure it waits Backoff.Delay(err, n-1).
// Non-retryable errors are returned as is. Exhaustion wraps the last error.
func (p Policy) Do(ctx context.Context, name string, log *logging.Logger, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, apierr.ErrDisabled) || !apierr.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.Backoff.Delay(err, attempt)
		if log != nil {
			log.Debug().
				Str("operation", name).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(err).
				Msg("retrying")
		}
		metrics.Retries.WithLabelValues(name).Inc()

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, name string, log *logging.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, name, log, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
