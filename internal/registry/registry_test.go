package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
)

type stubAdapter struct {
	mu        sync.Mutex
	connected bool
	listeners []adapter.Listener
	sendErr   error
}

func (s *stubAdapter) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *stubAdapter) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *stubAdapter) Send(ctx context.Context, cmd adapter.Command) (adapter.Result, error) {
	if s.sendErr != nil {
		return adapter.Result{}, s.sendErr
	}
	return adapter.Result{CommandID: cmd.ID, Success: true}, nil
}

func (s *stubAdapter) Subscribe(l adapter.Listener) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return func() {}
}

func (s *stubAdapter) Status() adapter.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adapter.Status{Connected: s.connected}
}

func newStubFactory(stub *stubAdapter) adapter.Factory {
	return func(address string, cfg adapter.Config) (adapter.Adapter, error) {
		return stub, nil
	}
}

func TestRegistryConnectTransitionsToOnline(t *testing.T) {
	store := NewMemStore()
	stub := &stubAdapter{}
	factories := map[string]adapter.Factory{"mock": newStubFactory(stub)}
	sched := scheduler.New(nil)
	reg := New(DefaultConfig(), store, factories, sched)

	require.NoError(t, reg.AddOrUpdate(context.Background(), Device{ID: "d1", Protocol: "mock", Enabled: true}))
	require.NoError(t, reg.Connect(context.Background(), "d1"))

	d, ok := reg.Get("d1")
	require.True(t, ok)
	require.Equal(t, StatusOnline, d.Status)
}

func TestRegistryConnectRejectsDisabledDevice(t *testing.T) {
	store := NewMemStore()
	factories := map[string]adapter.Factory{"mock": newStubFactory(&stubAdapter{})}
	reg := New(DefaultConfig(), store, factories, scheduler.New(nil))

	require.NoError(t, reg.AddOrUpdate(context.Background(), Device{ID: "d1", Protocol: "mock", Enabled: false}))
	err := reg.Connect(context.Background(), "d1")
	require.Error(t, err)
}

func TestRegistrySendBumpsErrorCountToThreshold(t *testing.T) {
	store := NewMemStore()
	failing := &stubAdapter{}
	failing.sendErr = errTestSend
	factories := map[string]adapter.Factory{"mock": newStubFactory(failing)}
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 2
	reg := New(cfg, store, factories, scheduler.New(nil))

	require.NoError(t, reg.AddOrUpdate(context.Background(), Device{ID: "d1", Protocol: "mock", Enabled: true}))
	require.NoError(t, reg.Connect(context.Background(), "d1"))

	_, _ = reg.Send(context.Background(), "d1", adapter.Command{ID: "c1"})
	d, _ := reg.Get("d1")
	require.Equal(t, 1, d.ErrorCount)
	require.Equal(t, StatusOnline, d.Status)

	_, _ = reg.Send(context.Background(), "d1", adapter.Command{ID: "c2"})
	d, _ = reg.Get("d1")
	require.Equal(t, 2, d.ErrorCount)
	require.Equal(t, StatusError, d.Status)
}

var errTestSend = &stubSendError{}

type stubSendError struct{}

func (*stubSendError) Error() string { return "stub send failure" }

func TestAddOrUpdatePreservesRuntimeFields(t *testing.T) {
	// spec.md §4.3: re-admitting a known device merges the new info but
	// keeps last_connected, error_count, and enabled from the existing
	// record.
	store := NewMemStore()
	failing := &stubAdapter{}
	failing.sendErr = errTestSend
	factories := map[string]adapter.Factory{"mock": newStubFactory(failing)}
	reg := New(DefaultConfig(), store, factories, scheduler.New(nil))

	require.NoError(t, reg.AddOrUpdate(context.Background(), Device{ID: "d1", Protocol: "mock", Enabled: true}))
	require.NoError(t, reg.Connect(context.Background(), "d1"))
	_, _ = reg.Send(context.Background(), "d1", adapter.Command{ID: "c1"})

	require.NoError(t, reg.AddOrUpdate(context.Background(), Device{ID: "d1", Protocol: "mock", Kind: "haptic-controller"}))

	d, ok := reg.Get("d1")
	require.True(t, ok)
	require.Equal(t, "haptic-controller", d.Kind)
	require.Equal(t, 1, d.ErrorCount)
	require.True(t, d.Enabled)
	require.Equal(t, StatusOnline, d.Status)
}

func TestDeviceRecordRoundTripsThroughJSON(t *testing.T) {
	// spec.md §8: serialize -> store -> load -> equal on all fields except
	// the adapter handle (which never serializes).
	in := Device{
		ID:           "d1",
		Kind:         "stroke-controller",
		Protocol:     "duplex-tcp",
		Address:      "10.0.0.9:9000",
		Capabilities: []string{"vibrate", "pattern"},
		Firmware:     "2.4.1",
		Status:       StatusOffline,
		LastSeen:     time.UnixMilli(1700000000000).UTC(),
		ErrorCount:   2,
		Config:       map[string]interface{}{"intensity_cap": float64(70)},
		Enabled:      true,
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	var out Device
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in, out)
}

func TestRemoveUnknownDeviceReturnsError(t *testing.T) {
	reg := New(DefaultConfig(), NewMemStore(), nil, scheduler.New(nil))
	require.Error(t, reg.Remove(context.Background(), "ghost"))
}

func TestConnectIsIdempotentWhileOnline(t *testing.T) {
	store := NewMemStore()
	stub := &stubAdapter{}
	var built int
	factories := map[string]adapter.Factory{"mock": func(address string, cfg adapter.Config) (adapter.Adapter, error) {
		built++
		return stub, nil
	}}
	reg := New(DefaultConfig(), store, factories, scheduler.New(nil))

	require.NoError(t, reg.AddOrUpdate(context.Background(), Device{ID: "d1", Protocol: "mock", Enabled: true}))
	require.NoError(t, reg.Connect(context.Background(), "d1"))
	require.NoError(t, reg.Connect(context.Background(), "d1"))
	require.Equal(t, 1, built)
}

func TestRegistrySweepForcesStaleDeviceOffline(t *testing.T) {
	store := NewMemStore()
	stub := &stubAdapter{}
	factories := map[string]adapter.Factory{"mock": newStubFactory(stub)}
	cfg := DefaultConfig()
	cfg.StaleTimeout = time.Millisecond
	reg := New(cfg, store, factories, scheduler.New(nil))

	require.NoError(t, reg.AddOrUpdate(context.Background(), Device{ID: "d1", Protocol: "mock", Enabled: true}))
	require.NoError(t, reg.Connect(context.Background(), "d1"))

	time.Sleep(5 * time.Millisecond)
	reg.sweep(context.Background(), time.Now())

	d, _ := reg.Get("d1")
	require.Equal(t, StatusOffline, d.Status)
}
