package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/providers"
)

func noJitter() float64 { return 0 }

func instantPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   8 * time.Millisecond,
		jitter:     noJitter,
		sleep:      func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func rateLimited() error {
	return providers.NewError(providers.OpenAI, providers.CodeRateLimited, "rate limit exceeded", 429, true, nil)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, jitter: noJitter}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))

	// Capped at MaxDelay from attempt 5 onward (100ms << 5 = 3.2s).
	assert.Equal(t, 2*time.Second, p.Delay(5))
	assert.Equal(t, 2*time.Second, p.Delay(30))
}

func TestRetryPolicy_DelayJitter(t *testing.T) {
	p := RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		jitter:    func() float64 { return 1.0 },
	}
	// Full jitter adds 25% on top of the backoff.
	assert.Equal(t, 125*time.Millisecond, p.Delay(0))
}

func TestRetryPolicy_DoSucceedsAfterRetries(t *testing.T) {
	p := instantPolicy(3)

	calls := 0
	err := p.Do(context.Background(), zap.NewNop(), func() error {
		calls++
		if calls < 3 {
			return rateLimited()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_DoExhaustsBudget(t *testing.T) {
	p := instantPolicy(3)

	calls := 0
	err := p.Do(context.Background(), zap.NewNop(), func() error {
		calls++
		return rateLimited()
	})
	require.Error(t, err)

	// First attempt plus three retries, and the last error comes back as-is.
	assert.Equal(t, 4, calls)
	assert.Equal(t, providers.CodeRateLimited, providers.CodeOf(err))
}

func TestRetryPolicy_DoDoesNotRetryOtherCodes(t *testing.T) {
	p := instantPolicy(3)

	tests := []struct {
		name string
		err  error
	}{
		{"retryable but not rate limited", providers.NewError(providers.OpenAI, providers.CodeGatewayTimeout, "timeout", 504, true, nil)},
		{"non-retryable", providers.NewError(providers.OpenAI, providers.CodeInvalidAPIKey, "bad key", 401, false, nil)},
		{"untagged", errors.New("plain failure")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := p.Do(context.Background(), zap.NewNop(), func() error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetryPolicy_DoStopsWhenContextCancelled(t *testing.T) {
	p := instantPolicy(3)
	p.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	calls := 0
	err := p.Do(context.Background(), zap.NewNop(), func() error {
		calls++
		return rateLimited()
	})
	require.Error(t, err)

	// The rate-limit error surfaces, not the cancellation.
	assert.Equal(t, providers.CodeRateLimited, providers.CodeOf(err))
	assert.Equal(t, 1, calls)
}
