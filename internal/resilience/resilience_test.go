package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "adapter:send", FailureThreshold: 2, RecoveryTimeout: 20 * time.Millisecond, SuccessThreshold: 1})
	failing := errors.New("boom")

	require.Error(t, cb.Execute(context.Background(), func(context.Context) error { return failing }))
	_ = cb.Execute(context.Background(), func(context.Context) error { return failing })
	// second failure should have opened the breaker
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)

	time.Sleep(25 * time.Millisecond)
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	require.Equal(t, StateClosed, cb.State())
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, Strategy: BackoffFixed, InitialDelay: time.Millisecond}
	err := Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRecoveryDedupesWithinWindow(t *testing.T) {
	r := NewRecovery(DefaultPolicies(), 50*time.Millisecond)
	require.True(t, r.ShouldLog("device", "write failed"))
	require.False(t, r.ShouldLog("device", "write failed"))
	time.Sleep(60 * time.Millisecond)
	require.True(t, r.ShouldLog("device", "write failed"))
}
