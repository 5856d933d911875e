package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Default backoff settings.
const (
	DefaultInitial = 500 * time.Millisecond
	DefaultMax     = 30 * time.Second
	DefaultJitter  = 0.25

	// maxJitter caps the jitter fraction.
	maxJitter = 1.0
)

// ErrExhausted is returned by Do when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff computes exponentially growing waits. The zero value uses the
// package defaults.
type Backoff struct {
	// Initial is the wait before the first retry.
	Initial time.Duration
	// Max caps every wait, jitter included.
	Max time.Duration
	// Jitter is the fraction of the wait added at random, in [0, 1].
	Jitter float64
}

func (b Backoff) initial() time.Duration {
	if b.Initial <= 0 {
		return DefaultInitial
	}
	return b.Initial
}

func (b Backoff) max() time.Duration {
	if b.Max <= 0 {
		return DefaultMax
	}
	return b.Max
}

func (b Backoff) jitter() float64 {
	switch {
	case b.Jitter <= 0:
		return DefaultJitter
	case b.Jitter > maxJitter:
		return maxJitter
	}
	return b.Jitter
}

// Next returns the wait before retry number attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	limit := float64(b.max())
	wait := float64(b.initial()) * math.Pow(2, float64(attempt))
	if wait >= limit {
		return b.max()
	}

	//nolint:gosec // jitter for retry timing is not security-sensitive
	wait += wait * b.jitter() * rand.Float64()
	if wait > limit {
		wait = limit
	}
	return time.Duration(wait)
}

// OnRetryFunc is called before waiting for the next attempt.
type OnRetryFunc func(attempt int, err error, wait time.Duration)

// Do calls fn up to attempts times, waiting b.Next between failures. A
// non-positive attempts means a single call. The last error is returned
// wrapped in ErrExhausted; a cancelled context returns its error.
func Do(ctx context.Context, b Backoff, attempts int, fn func(context.Context) error, onRetry OnRetryFunc) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		wait := b.Next(attempt)
		if onRetry != nil {
			onRetry(attempt+1, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}
