package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamma/internal/fault"
)

func fastConfig(retries int) Config {
	return Config{
		MaxRetries: retries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestSucceedsFirstAttempt(t *testing.T) {
	result := WithBackoff(context.Background(), fastConfig(3), func() error {
		return nil
	})
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
}

func TestRetriesRetryableFault(t *testing.T) {
	calls := 0
	result := WithBackoff(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return fault.New(fault.UpstreamError, "flaky")
		}
		return nil
	})
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
}

func TestNonRetryableFaultFailsFast(t *testing.T) {
	calls := 0
	result := WithBackoff(context.Background(), fastConfig(3), func() error {
		calls++
		return fault.New(fault.AuthFailed, "bad key")
	})
	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.True(t, fault.IsCode(result.LastError, fault.AuthFailed))
}

func TestExhaustsRetries(t *testing.T) {
	result := WithBackoff(context.Background(), fastConfig(2), func() error {
		return fault.New(fault.RateLimited, "full")
	})
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.True(t, fault.IsCode(result.LastError, fault.RateLimited))
}

func TestRetryAfterHintOverridesDelay(t *testing.T) {
	cfg := fastConfig(1)
	cfg.MaxDelay = time.Second

	start := time.Now()
	result := WithBackoff(context.Background(), cfg, func() error {
		return fault.New(fault.RateLimited, "full").WithRetryAfter(50 * time.Millisecond)
	})
	elapsed := time.Since(start)

	assert.False(t, result.Success)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(10)
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := WithBackoff(ctx, cfg, func() error {
		return fault.New(fault.UpstreamError, "down")
	})

	require.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCalculateDelayCapsAtMax(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 10}
	assert.Equal(t, 5*time.Second, calculateDelay(cfg, 6))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(fault.New(fault.Timeout, "t")))
	assert.True(t, IsRetryable(fault.New(fault.RateLimited, "r")))
	assert.False(t, IsRetryable(fault.New(fault.ContentBlocked, "c")))
	assert.False(t, IsRetryable(fault.New(fault.InvalidRequest, "v")))
}
