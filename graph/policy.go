package graph

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy indicates a RetryPolicy with impossible settings.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines automatic retry configuration for transient failures.
//
// The engine itself only retries checkpoint conflicts. Collaborators
// (completion providers, the semantic catalog) use RetryPolicy.Do to retry
// their own transient failures inside a step.
//
// Exponential backoff with jitter is used to avoid thundering herd problems.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial one).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay cap for exponential backoff.
	// Must be >= BaseDelay. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether an error is transient.
	// If nil, all errors are considered non-retryable.
	Retryable func(error) bool
}

// Validate checks if the RetryPolicy configuration is valid.
// Returns an error if any constraints are violated:
//   - MaxAttempts must be >= 1 (1 means no retries, just initial attempt)
//   - If both MaxDelay and BaseDelay are > 0, then MaxDelay must be >= BaseDelay
//     (MaxDelay == 0 is treated as "no maximum delay cap")
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. It waits between attempts and stops early when ctx is
// done. The last error is returned.
//
// A nil policy calls fn once.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if rp == nil {
		return fn(ctx)
	}
	if err := rp.Validate(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt-1, rp.BaseDelay, rp.maxDelay(), nil)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if rp.Retryable == nil || !rp.Retryable(err) {
			return err
		}
	}
	return err
}

func (rp *RetryPolicy) maxDelay() time.Duration {
	if rp.MaxDelay > 0 {
		return rp.MaxDelay
	}
	return rp.BaseDelay * (1 << 10)
}

// computeBackoff calculates the delay before a retry using exponential
// backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// Parameters:
//   - attempt: Zero-based retry attempt number (0 = first retry).
//   - base: Base delay for exponential calculation.
//   - maxDelay: Maximum allowed delay (caps exponential growth).
//   - rng: Random number generator for jitter. May be nil.
//
// Example delays with base=1s, maxDelay=30s:
//   - attempt 0: 1-2s
//   - attempt 1: 2-3s
//   - attempt 2: 4-5s
//   - attempt 10: 30-31s (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	exponentialDelay := base * (1 << attempt)
	if exponentialDelay > maxDelay || exponentialDelay <= 0 {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}
