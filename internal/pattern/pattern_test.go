package pattern

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/command"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
)

func TestRampIntensityInterpolatesLinearly(t *testing.T) {
	r := Ramp{From: 0, To: 100, Dur: 10 * time.Second, Kind: adapter.CommandVibrate}
	require.InDelta(t, 0, r.IntensityAt(0), 0.001)
	require.InDelta(t, 50, r.IntensityAt(5*time.Second), 0.001)
	require.InDelta(t, 100, r.IntensityAt(10*time.Second), 0.001)
}

func TestPulseAlternatesHighLow(t *testing.T) {
	p := Pulse{High: 80, Low: 10, OnDur: time.Second, OffDur: time.Second, Kind: adapter.CommandVibrate}
	require.Equal(t, 80.0, p.IntensityAt(500*time.Millisecond))
	require.Equal(t, 10.0, p.IntensityAt(1500*time.Millisecond))
}

func TestSequenceConcatenatesSegments(t *testing.T) {
	seq := Sequence{Segments: []Segment{
		{Pattern: Constant{Value: 10, Dur: time.Second}},
		{Pattern: Constant{Value: 90, Dur: time.Second}},
	}}
	require.Equal(t, 10.0, seq.IntensityAt(500*time.Millisecond))
	require.Equal(t, 90.0, seq.IntensityAt(1200*time.Millisecond))
	require.Equal(t, 2*time.Second, seq.Duration())
}

func TestComposeModifiersClampsToMaxFraction(t *testing.T) {
	mods := map[ModifierKind]float64{
		ModifierMedia:     1.5,
		ModifierBiometric: 1.5,
		ModifierSpatial:   1.5,
	}
	got := composeModifiers(mods, 1.2)
	require.Equal(t, 1.2, got)
}

func TestComposeModifiersDefaultsAbsentStreamsToNeutral(t *testing.T) {
	got := composeModifiers(map[ModifierKind]float64{}, 1.0)
	require.Equal(t, 1.0, got)
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	cmds []adapter.Command
}

func (f *fakeEnqueuer) Enqueue(deviceID string, cmd adapter.Command, priority command.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeEnqueuer) last() (adapter.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		return adapter.Command{}, false
	}
	return f.cmds[len(f.cmds)-1], true
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cmds)
}

func TestEngineTripsSafetyThresholdAndStops(t *testing.T) {
	// spec.md S4: a pattern whose composed intensity exceeds max_intensity
	// must trip safety-threshold-exceeded and stop the device.
	enq := &fakeEnqueuer{}
	sched := scheduler.New(nil)
	engine := New(5*time.Millisecond, enq, nil, sched)

	events := make(chan Event, 8)
	engine.Subscribe(func(evt Event) { events <- evt })

	require.NoError(t, engine.StartPattern("d1", Constant{Value: 95, Kind: adapter.CommandVibrate}, Limits{
		MaxIntensity:         80,
		MaxIntensityFraction: 1,
	}))

	engine.Start(context.Background())
	defer engine.Stop("d1")

	var sawTrip, sawStopped bool
	deadline := time.After(time.Second)
	for !sawTrip || !sawStopped {
		select {
		case evt := <-events:
			if evt.Kind == EventSafetyThresholdTrip {
				sawTrip = true
			}
			if evt.Kind == EventPatternStopped {
				sawStopped = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for safety trip")
		}
	}

	cmd, ok := enq.last()
	require.True(t, ok)
	require.Equal(t, adapter.CommandStop, cmd.Kind)
}

func TestEngineSafetyCheckUsesUnclampedSampleNotDeviceCap(t *testing.T) {
	// The device cap (60) is applied only to the delivered intensity; the
	// unclamped sample is what the safety-threshold check compares against
	// MaxIntensity.
	enq := &fakeEnqueuer{}
	sched := scheduler.New(nil)
	engine := New(5*time.Millisecond, enq, nil, sched)

	require.NoError(t, engine.StartPattern("d1", Constant{Value: 95, Kind: adapter.CommandVibrate}, Limits{
		MaxIntensity:         80,
		MaxIntensityFraction: 1,
		DeviceIntensityCap:   60,
	}))
	engine.Start(context.Background())
	defer engine.Stop("d1")

	// 95 exceeds MaxIntensity (80), so the tick trips safety before any
	// command is clamped and delivered for this device.
	deadline := time.Now().Add(200 * time.Millisecond)
	for enq.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cmd, ok := enq.last()
	require.True(t, ok)
	require.Equal(t, adapter.CommandStop, cmd.Kind)
}

func TestStartPatternEmitsStartedEvent(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := New(5*time.Millisecond, enq, nil, scheduler.New(nil))

	events := make(chan Event, 4)
	engine.Subscribe(func(evt Event) { events <- evt })

	require.NoError(t, engine.StartPattern("d1", Constant{Value: 10}, Limits{}))
	select {
	case evt := <-events:
		require.Equal(t, EventPatternStarted, evt.Kind)
		require.Equal(t, "d1", evt.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for patternStarted")
	}
}

func TestBiometricModifierCanTripSafety(t *testing.T) {
	// spec.md S4: a biometric modifier of 3.0 pushes a 50-intensity sample
	// to 150, past max_intensity, tripping the safety stop.
	enq := &fakeEnqueuer{}
	engine := New(5*time.Millisecond, enq, nil, scheduler.New(nil))

	events := make(chan Event, 8)
	engine.Subscribe(func(evt Event) { events <- evt })

	require.NoError(t, engine.StartPattern("d1", Constant{Value: 50, Kind: adapter.CommandVibrate}, Limits{
		MaxIntensity: 80,
	}))
	engine.UpdateBiometric("d1", 3.0, 1.0, 70, 70)

	engine.Start(context.Background())
	defer engine.Shutdown()

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Kind == EventSafetyThresholdTrip {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for safety trip")
		}
	}
}

func TestCooldownBlocksRestartUntilExpiry(t *testing.T) {
	enq := &fakeEnqueuer{}
	engine := New(5*time.Millisecond, enq, nil, scheduler.New(nil))

	require.NoError(t, engine.StartPattern("d1", Constant{Value: 10}, Limits{CooldownPeriod: time.Hour}))
	engine.Stop("d1")

	err := engine.StartPattern("d1", Constant{Value: 10}, Limits{})
	require.ErrorIs(t, err, ErrCooldownActive)
}

func TestEngineEmitsIntensitySamplesWithinLimits(t *testing.T) {
	enq := &fakeEnqueuer{}
	sched := scheduler.New(nil)
	engine := New(5*time.Millisecond, enq, nil, sched)

	require.NoError(t, engine.StartPattern("d1", Constant{Value: 40, Kind: adapter.CommandVibrate}, Limits{
		MaxIntensity:         80,
		MaxIntensityFraction: 1,
	}))
	engine.Start(context.Background())
	defer engine.Stop("d1")

	deadline := time.Now().Add(100 * time.Millisecond)
	for enq.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cmd, ok := enq.last()
	require.True(t, ok)
	require.Equal(t, adapter.CommandVibrate, cmd.Kind)
	require.Equal(t, 40, cmd.Intensity)
}
