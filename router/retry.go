package router

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
)

// RetryPolicy governs automatic retries of rate-limited provider calls.
// Only rate-limit errors are retried; every other failure, retryable or
// not, is surfaced to the caller immediately.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// BaseDelay is the backoff for the first retry
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff before jitter
	MaxDelay time.Duration

	// jitter returns a value in [0,1); injectable for tests
	jitter func() float64

	// sleep waits out a backoff; injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the standard policy: three retries with
// exponential backoff from 500ms capped at 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
	}
}

// Delay computes the backoff before retry number attempt (zero-based):
// BaseDelay doubled per attempt, capped at MaxDelay, plus up to 25% jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}

	jitter := p.jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return delay + time.Duration(jitter()*0.25*float64(delay))
}

// shouldRetry reports whether the error is a retryable rate limit and the
// attempt budget allows another try.
func (p RetryPolicy) shouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return providers.CodeOf(err) == providers.CodeRateLimited && providers.IsRetryable(err)
}

func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	if p.sleep != nil {
		return p.sleep(ctx, p.Delay(attempt))
	}
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn with the policy. The last error is returned as-is once the
// budget is exhausted or a non-retryable failure occurs.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !p.shouldRetry(err, attempt) {
			return err
		}
		logger.Info("retrying rate-limited request",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", p.MaxRetries))
		if werr := p.wait(ctx, attempt); werr != nil {
			return err
		}
	}
}
