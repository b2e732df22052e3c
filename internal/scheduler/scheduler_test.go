package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEveryTicksUntilCancelled(t *testing.T) {
	s := New(nil)
	var count int32
	ctx := context.Background()
	task := s.Every(ctx, 5*time.Millisecond, func(ctx context.Context, tick time.Time) {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(30 * time.Millisecond)
	task.Cancel()
	got := atomic.LoadInt32(&count)
	require.True(t, got >= 2, "expected at least 2 ticks, got %d", got)
}

func TestSleepHonorsCancellation(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Sleep(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAfterRunsOnce(t *testing.T) {
	s := New(nil)
	var count int32
	task := s.After(context.Background(), 5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(20 * time.Millisecond)
	task.Cancel()
	require.Equal(t, int32(1), atomic.LoadInt32(&count))
}
