package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
)

func TestTrackDropsOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 2
	store := NewMemStore()
	p := New(cfg, store, scheduler.New(nil), nil)

	p.Track(Point{Kind: "intensity", Source: "dev-1", TimestampMs: 1})
	p.Track(Point{Kind: "intensity", Source: "dev-1", TimestampMs: 2})
	p.Track(Point{Kind: "intensity", Source: "dev-1", TimestampMs: 3})

	require.Equal(t, int64(1), p.Dropped())
	batch := p.drain(10)
	require.Len(t, batch, 2)
	require.Equal(t, int64(2), batch[0].TimestampMs)
	require.Equal(t, int64(3), batch[1].TimestampMs)
}

func TestInlineAlertFiresAndCoolsDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertCooldown = 20 * time.Millisecond
	store := NewMemStore()
	p := New(cfg, store, scheduler.New(nil), nil)
	p.RegisterRules("temperature", AlertRule{Field: "celsius", Op: OpGreaterThan, Threshold: 80, Severity: "critical", Message: "overheating"})

	p.Track(Point{Kind: "temperature", Source: "dev-1", TimestampMs: 1, Values: map[string]float64{"celsius": 90}})
	require.Len(t, store.Alerts, 1)

	p.Track(Point{Kind: "temperature", Source: "dev-1", TimestampMs: 2, Values: map[string]float64{"celsius": 95}})
	require.Len(t, store.Alerts, 1, "duplicate alert within cooldown should be suppressed")

	time.Sleep(25 * time.Millisecond)
	p.Track(Point{Kind: "temperature", Source: "dev-1", TimestampMs: 3, Values: map[string]float64{"celsius": 95}})
	require.Len(t, store.Alerts, 2)
}

func TestRetentionDeletesOldPoints(t *testing.T) {
	store := NewMemStore()
	now := time.Now()
	for i := 0; i < 5; i++ {
		age := time.Duration(i) * 10 * 24 * time.Hour
		store.Points = append(store.Points, Point{Kind: "k", Source: "s", TimestampMs: now.Add(-age).UnixMilli()})
	}
	cfg := DefaultConfig()
	cfg.RetentionDays = 25
	p := New(cfg, store, scheduler.New(nil), nil)

	p.RunRetention(context.Background(), now)
	for _, pt := range store.Points {
		require.True(t, pt.TimestampMs >= now.AddDate(0, 0, -25).UnixMilli())
	}
}
