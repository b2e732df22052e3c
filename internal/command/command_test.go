package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []adapter.Command
	err  error
}

func (r *recordingSender) Send(ctx context.Context, deviceID string, cmd adapter.Command) (adapter.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return adapter.Result{}, r.err
	}
	r.sent = append(r.sent, cmd)
	return adapter.Result{CommandID: cmd.ID, Success: true}, nil
}

func (r *recordingSender) Sent() []adapter.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]adapter.Command, len(r.sent))
	copy(out, r.sent)
	return out
}

func TestEnqueueRejectsIntensityAboveCap(t *testing.T) {
	p := New(DefaultConfig(), &recordingSender{}, scheduler.New(nil))
	p.SetSafetyLimits("d1", SafetyLimits{IntensityCap: 50})

	err := p.Enqueue("d1", adapter.Command{ID: "c1", Kind: adapter.CommandVibrate, Intensity: 90}, PriorityNormal)
	require.Error(t, err)
	require.Equal(t, 0, p.QueueDepth("d1"))
}

func TestEnqueueRejectsDisallowedPattern(t *testing.T) {
	p := New(DefaultConfig(), &recordingSender{}, scheduler.New(nil))
	p.SetSafetyLimits("d1", SafetyLimits{AllowedPatterns: map[string]bool{"wave": true}})

	err := p.Enqueue("d1", adapter.Command{ID: "c1", Kind: adapter.CommandPatternStart, PatternRef: "storm"}, PriorityNormal)
	require.Error(t, err)
}

func TestBatchingCollapsesRepeatedIntensityCommands(t *testing.T) {
	// spec.md S1: several vibrate commands for the same device queued in a
	// short window collapse to the latest intensity rather than each being
	// delivered.
	p := New(DefaultConfig(), &recordingSender{}, scheduler.New(nil))

	require.NoError(t, p.Enqueue("d1", adapter.Command{ID: "c1", Kind: adapter.CommandVibrate, Intensity: 10}, PriorityNormal))
	require.NoError(t, p.Enqueue("d1", adapter.Command{ID: "c2", Kind: adapter.CommandVibrate, Intensity: 40}, PriorityNormal))
	require.NoError(t, p.Enqueue("d1", adapter.Command{ID: "c3", Kind: adapter.CommandVibrate, Intensity: 70}, PriorityNormal))

	require.Equal(t, 1, p.QueueDepth("d1"))
	q, _ := p.queueFor("d1")
	item, ok := q.pop(0)
	require.True(t, ok)
	require.Equal(t, 70, item.Cmd.Intensity)
	require.Equal(t, "c3", item.Cmd.ID)
}

func TestStopCancelsQueuedPatternStart(t *testing.T) {
	p := New(DefaultConfig(), &recordingSender{}, scheduler.New(nil))

	require.NoError(t, p.Enqueue("d1", adapter.Command{ID: "start", Kind: adapter.CommandPatternStart, PatternRef: "wave"}, PriorityNormal))
	require.NoError(t, p.Enqueue("d1", adapter.Command{ID: "stop", Kind: adapter.CommandStop}, PriorityCritical))

	q, _ := p.queueFor("d1")
	// the pattern_start should have been cancelled; only stop remains.
	item, ok := q.pop(0)
	require.True(t, ok)
	require.Equal(t, "stop", item.Cmd.ID)
	_, ok = q.pop(0)
	require.False(t, ok)
}

func TestCriticalDispatchesBeforeNormal(t *testing.T) {
	sender := &recordingSender{}
	p := New(DefaultConfig(), sender, scheduler.New(nil))

	require.NoError(t, p.Enqueue("d1", adapter.Command{ID: "normal", Kind: adapter.CommandRotate}, PriorityNormal))
	require.NoError(t, p.Enqueue("d1", adapter.Command{ID: "critical", Kind: adapter.CommandStop}, PriorityCritical))

	p.dispatchOne(context.Background(), "d1")
	sent := sender.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "critical", sent[0].ID)
}

func TestDispatchRetriesOnFailureThenGivesUp(t *testing.T) {
	sender := &recordingSender{err: assertErr}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	p := New(cfg, sender, scheduler.New(nil))

	require.NoError(t, p.Enqueue("d1", adapter.Command{ID: "c1", Kind: adapter.CommandVibrate, Intensity: 10}, PriorityNormal))
	p.dispatchOne(context.Background(), "d1")

	deadline := time.Now().Add(200 * time.Millisecond)
	for p.QueueDepth("d1") == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 1, p.QueueDepth("d1"))

	p.dispatchOne(context.Background(), "d1")
	require.Equal(t, 0, p.QueueDepth("d1"))
}

var assertErr = &dispatchError{}

type dispatchError struct{}

func (*dispatchError) Error() string { return "dispatch failed" }

func TestSubmitResolvesOnDelivery(t *testing.T) {
	sender := &recordingSender{}
	p := New(DefaultConfig(), sender, scheduler.New(nil))

	done, err := p.Submit("d1", adapter.Command{ID: "c1", Kind: adapter.CommandVibrate, Intensity: 20}, PriorityNormal)
	require.NoError(t, err)

	p.dispatchOne(context.Background(), "d1")
	select {
	case outcome := <-done:
		require.NoError(t, outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command resolution")
	}
}

func TestSubmitResolvesCollapsedCommandAsSuccess(t *testing.T) {
	// spec.md S1: every submitter of a collapsed intensity update sees
	// success, even though only the last value reaches the wire.
	sender := &recordingSender{}
	p := New(DefaultConfig(), sender, scheduler.New(nil))

	first, err := p.Submit("d1", adapter.Command{ID: "c1", Kind: adapter.CommandVibrate, Intensity: 10}, PriorityNormal)
	require.NoError(t, err)
	_, err = p.Submit("d1", adapter.Command{ID: "c2", Kind: adapter.CommandVibrate, Intensity: 90}, PriorityNormal)
	require.NoError(t, err)

	select {
	case outcome := <-first:
		require.NoError(t, outcome)
	case <-time.After(time.Second):
		t.Fatal("superseded command was never resolved")
	}
	require.Equal(t, 1, p.QueueDepth("d1"))
}

func TestSubmitResolvesExhaustedRetriesAsCommandFailed(t *testing.T) {
	sender := &recordingSender{err: assertErr}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	p := New(cfg, sender, scheduler.New(nil))

	done, err := p.Submit("d1", adapter.Command{ID: "c1", Kind: adapter.CommandVibrate, Intensity: 10}, PriorityNormal)
	require.NoError(t, err)

	p.dispatchOne(context.Background(), "d1")
	select {
	case outcome := <-done:
		require.Error(t, outcome)
	case <-time.After(time.Second):
		t.Fatal("failed command was never resolved")
	}
}

func TestDropQueueResolvesPendingCommands(t *testing.T) {
	p := New(DefaultConfig(), &recordingSender{}, scheduler.New(nil))

	done, err := p.Submit("d1", adapter.Command{ID: "c1", Kind: adapter.CommandVibrate, Intensity: 10}, PriorityNormal)
	require.NoError(t, err)

	p.DropQueue("d1")
	select {
	case outcome := <-done:
		require.Error(t, outcome)
	case <-time.After(time.Second):
		t.Fatal("dropped command was never resolved")
	}
	require.Equal(t, 0, p.QueueDepth("d1"))
}
