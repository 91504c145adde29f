package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy retries a failed call with exponential backoff and jitter. The delay before
// retry n (starting at 1) is min(BaseDelay * BackoffMultiplier^(n-1), MaxDelay), randomized
// by ±JitterFactor.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first. 1 disables retries.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// BackoffMultiplier scales the delay after each retry.
	BackoffMultiplier float64
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// JitterFactor randomizes every delay by up to this fraction in either direction.
	JitterFactor float64

	// Retryable reports whether an error is worth another attempt. Defaults to IsRetryable.
	Retryable func(error) bool

	// OnRetry, when set, is called before waiting ahead of retry number attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns the retry policy used when none is given.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
		JitterFactor:      0.1,
	}
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 1
	return p
}

func (p RetryPolicy) validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("retry policy needs at least one attempt")
	case p.BaseDelay <= 0:
		return errors.New("retry base delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("retry max delay (%s) is below the base delay (%s)", p.MaxDelay, p.BaseDelay)
	case p.BackoffMultiplier < 1:
		return errors.New("retry backoff multiplier must be at least 1")
	case p.JitterFactor < 0 || p.JitterFactor >= 1:
		return errors.New("retry jitter factor must be in [0, 1)")
	}
	return nil
}

// Do runs op until it succeeds, returns a non-retryable error, or runs out of attempts.
// When breaker is not nil it is consulted before every attempt, and an open circuit ends
// the loop immediately with an error matching ErrCircuitOpen.
func (p RetryPolicy) Do(ctx context.Context, breaker *CircuitBreaker, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		if breaker != nil && !breaker.Admits() {
			return struct{}{}, backoff.Permanent(ErrCircuitOpen)
		}
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, delay time.Duration) {
			p.OnRetry(attempt, err, delay)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return err
	}
	return nil
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = p.BackoffMultiplier
	bo.MaxInterval = p.MaxDelay
	bo.RandomizationFactor = p.JitterFactor
	return bo
}
