// Package registry implements the Device Registry (spec.md §4.3): device
// records, protocol-adapter lifecycle, and the periodic lifecycle sweep.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/resilience"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
)

// Status is a device's connection lifecycle state (spec.md §3).
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusOffline     Status = "offline"
	StatusOnline      Status = "online"
	StatusError       Status = "error"
	StatusDisabled    Status = "disabled"
	StatusMaintenance Status = "maintenance"
)

// Device is a registered physical device record (spec.md §3), persisted as
// JSON under "<prefix>:<device_id>" (spec.md §6).
type Device struct {
	ID           string                 `json:"id"`
	Kind         string                 `json:"kind"`
	Protocol     string                 `json:"protocol"` // protocol tag, keys the adapter Factory
	Address      string                 `json:"address"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Firmware     string                 `json:"firmware,omitempty"`
	Status       Status                 `json:"status"`
	LastSeen     time.Time              `json:"last_seen"`
	ErrorCount   int                    `json:"error_count"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Enabled      bool                   `json:"enabled"`
}

// Store is the external device-record collaborator (spec.md §6: a KV
// contract keyed "<prefix>:<device_id>"). Implementations may be backed by
// any persistent key-value system; the registry never assumes SQL.
type Store interface {
	Get(ctx context.Context, key string) (*Device, error)
	Put(ctx context.Context, key string, device *Device) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]*Device, error)
}

// EventKind names a registry-emitted lifecycle notification.
type EventKind string

const (
	EventDeviceUpdated EventKind = "deviceUpdated"
	EventDeviceRemoved EventKind = "deviceRemoved"
)

// Event is emitted on registry state transitions.
type Event struct {
	Kind   EventKind
	Device Device
}

// Listener receives registry events.
type Listener func(Event)

// Config configures the Registry and its lifecycle sweep.
type Config struct {
	StoragePrefix  string
	StaleTimeout   time.Duration // no status update within this window forces offline
	ErrorThreshold int           // adapter errors since the last successful connect at which status -> error
	SweepInterval  time.Duration
	ConnectRetry   resilience.RetryConfig
	AutoConnect    bool // connect enabled devices as they are admitted
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoragePrefix:  "device",
		StaleTimeout:   2 * time.Minute,
		ErrorThreshold: 3,
		SweepInterval:  30 * time.Second,
		ConnectRetry:   resilience.DefaultRetryConfig(),
	}
}

type deviceEntry struct {
	device  Device
	adapter adapter.Adapter
	breaker *resilience.CircuitBreaker
}

// Registry is the Device Registry of spec.md §4.3: it owns device records,
// constructs protocol adapters via a factory keyed by protocol tag, and
// runs the periodic lifecycle sweep.
type Registry struct {
	cfg       Config
	store     Store
	factories map[string]adapter.Factory
	sched     *scheduler.Scheduler

	mu      sync.Mutex
	devices map[string]*deviceEntry

	listenersMu sync.Mutex
	listeners   []Listener

	sweepTask *scheduler.Task
}

// New constructs a Registry backed by store, dispatching protocol adapters
// via factories (keyed by protocol tag, spec.md §4.3).
func New(cfg Config, store Store, factories map[string]adapter.Factory, sched *scheduler.Scheduler) *Registry {
	return &Registry{
		cfg:       cfg,
		store:     store,
		factories: factories,
		sched:     sched,
		devices:   make(map[string]*deviceEntry),
	}
}

// Subscribe registers a listener for registry events.
func (r *Registry) Subscribe(l Listener) func() {
	r.listenersMu.Lock()
	idx := len(r.listeners)
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		if idx < len(r.listeners) {
			r.listeners[idx] = nil
		}
	}
}

func (r *Registry) emit(evt Event) {
	r.listenersMu.Lock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(evt)
		}
	}
}

func (r *Registry) key(id string) string {
	return fmt.Sprintf("%s:%s", r.cfg.StoragePrefix, id)
}

// AddOrUpdate inserts or merges a device record. An existing record keeps
// its LastSeen, ErrorCount, Enabled, and Status through the merge (spec.md
// §4.3: "preserves last_connected, error_count, and enabled"). When
// cfg.AutoConnect is set and the device is enabled, a connect is kicked off
// in the background.
func (r *Registry) AddOrUpdate(ctx context.Context, device Device) error {
	if device.Status == "" {
		device.Status = StatusUnknown
	}

	r.mu.Lock()
	entry, existed := r.devices[device.ID]
	if existed {
		device.LastSeen = entry.device.LastSeen
		device.ErrorCount = entry.device.ErrorCount
		device.Enabled = entry.device.Enabled
		device.Status = entry.device.Status
		entry.device = device
	} else {
		entry = &deviceEntry{device: device}
		r.devices[device.ID] = entry
	}
	merged := entry.device
	r.mu.Unlock()

	if err := r.store.Put(ctx, r.key(device.ID), &merged); err != nil {
		return svcerr.Internal("persist device record", err)
	}

	r.emit(Event{Kind: EventDeviceUpdated, Device: merged})

	if r.cfg.AutoConnect && merged.Enabled && merged.Status != StatusOnline {
		go func() { _ = r.Connect(ctx, merged.ID) }()
	}
	return nil
}

// Remove disconnects (if connected) and deletes device id.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()
	if !ok {
		return svcerr.DeviceNotFound(id)
	}

	if entry.adapter != nil {
		_ = entry.adapter.Disconnect(ctx)
	}
	if err := r.store.Delete(ctx, r.key(id)); err != nil {
		return svcerr.Internal("delete device record", err)
	}
	r.emit(Event{Kind: EventDeviceRemoved, Device: entry.device})
	return nil
}

// SetEnabled toggles a device's enabled flag, disconnecting it immediately
// when disabled.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	entry, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return svcerr.DeviceNotFound(id)
	}
	entry.device.Enabled = enabled
	if !enabled {
		entry.device.Status = StatusDisabled
	}
	device := entry.device
	ad := entry.adapter
	r.mu.Unlock()

	if !enabled && ad != nil {
		_ = ad.Disconnect(ctx)
	}
	return r.AddOrUpdate(ctx, device)
}

// Get returns a snapshot of device id's record.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return entry.device, true
}

// AdapterStatus satisfies internal/pattern.StatusProvider, giving the
// pattern engine the round-trip latency figures it needs for compensation.
func (r *Registry) AdapterStatus(id string) (adapter.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[id]
	if !ok || entry.adapter == nil {
		return adapter.Status{}, false
	}
	return entry.adapter.Status(), true
}

// List returns a snapshot of all registered devices.
func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, entry.device)
	}
	return out
}

// Connect constructs (if needed) and opens the adapter for device id,
// retrying transient connect failures per cfg.ConnectRetry (spec.md §4.3,
// §4.7) behind a named circuit breaker.
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return svcerr.DeviceNotFound(id)
	}
	if !entry.device.Enabled {
		r.mu.Unlock()
		return svcerr.New(svcerr.CodeDeviceBusy, svcerr.KindDeviceBusy, svcerr.SeverityInfo, svcerr.CategoryPersistent, "device is disabled")
	}
	if entry.adapter != nil {
		r.mu.Unlock()
		return nil
	}
	factory, ok := r.factories[entry.device.Protocol]
	if !ok {
		r.mu.Unlock()
		return svcerr.New(svcerr.CodeProtocolError, svcerr.KindConfiguration, svcerr.SeverityError, svcerr.CategoryFatal, "no adapter factory for protocol").WithDetails("protocol", entry.device.Protocol)
	}
	if entry.breaker == nil {
		entry.breaker = resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("registry.connect." + id))
	}
	breaker := entry.breaker
	r.mu.Unlock()

	var built adapter.Adapter
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, r.cfg.ConnectRetry, func(ctx context.Context) error {
			a, buildErr := factory(entry.device.Address, adapter.DefaultConfig())
			if buildErr != nil {
				return buildErr
			}
			if connErr := a.Connect(ctx); connErr != nil {
				return connErr
			}
			built = a
			return nil
		})
	})

	if err != nil {
		r.markError(ctx, id, err)
		return err
	}

	r.mu.Lock()
	entry.adapter = built
	entry.device.Status = StatusOnline
	entry.device.LastSeen = time.Now()
	entry.device.ErrorCount = 0
	device := entry.device
	r.mu.Unlock()

	built.Subscribe(func(evt adapter.Event) {
		r.handleAdapterEvent(ctx, id, evt)
	})

	r.emit(Event{Kind: EventDeviceUpdated, Device: device})
	return nil
}

func (r *Registry) handleAdapterEvent(ctx context.Context, id string, evt adapter.Event) {
	switch evt.Kind {
	case adapter.EventDisconnected:
		r.mu.Lock()
		entry, ok := r.devices[id]
		if ok {
			entry.device.Status = StatusOffline
			entry.device.LastSeen = time.Now()
		}
		device := Device{}
		if ok {
			device = entry.device
		}
		r.mu.Unlock()
		if ok {
			r.emit(Event{Kind: EventDeviceUpdated, Device: device})
		}
	case adapter.EventError:
		r.markError(ctx, id, evt.Err)
	}
}

// markError bumps a device's error counter and transitions it to error
// status once cfg.ErrorThreshold is crossed (spec.md §4.3). The error state
// drops the adapter binding: only online devices hold an adapter.
func (r *Registry) markError(ctx context.Context, id string, cause error) {
	r.mu.Lock()
	entry, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.device.ErrorCount++
	var dropped adapter.Adapter
	if entry.device.ErrorCount >= r.cfg.ErrorThreshold {
		entry.device.Status = StatusError
		dropped = entry.adapter
		entry.adapter = nil
	}
	device := entry.device
	r.mu.Unlock()

	if dropped != nil {
		_ = dropped.Disconnect(ctx)
	}
	r.emit(Event{Kind: EventDeviceUpdated, Device: device})
}

// Disconnect closes device id's adapter, if any.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return svcerr.DeviceNotFound(id)
	}
	ad := entry.adapter
	entry.adapter = nil
	entry.device.Status = StatusOffline
	device := entry.device
	r.mu.Unlock()

	r.emit(Event{Kind: EventDeviceUpdated, Device: device})
	if ad == nil {
		return nil
	}
	return ad.Disconnect(ctx)
}

// Send dispatches cmd to device id's adapter.
func (r *Registry) Send(ctx context.Context, id string, cmd adapter.Command) (adapter.Result, error) {
	r.mu.Lock()
	entry, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return adapter.Result{}, svcerr.DeviceNotFound(id)
	}
	ad := entry.adapter
	r.mu.Unlock()
	if ad == nil {
		return adapter.Result{}, svcerr.DeviceDisconnected(id)
	}

	res, err := ad.Send(ctx, cmd)
	if err != nil {
		r.markError(ctx, id, err)
	} else {
		r.mu.Lock()
		if e, ok := r.devices[id]; ok {
			e.device.LastSeen = time.Now()
		}
		r.mu.Unlock()
	}
	return res, err
}

// Start launches the periodic lifecycle sweep.
func (r *Registry) Start(ctx context.Context) {
	r.sweepTask = r.sched.Every(ctx, r.cfg.SweepInterval, func(ctx context.Context, tick time.Time) {
		r.sweep(ctx, tick)
	})
}

// Stop halts the lifecycle sweep.
func (r *Registry) Stop() {
	if r.sweepTask != nil {
		r.sweepTask.Cancel()
	}
}

// sweep forces stale devices offline and escalates devices at or past the
// error threshold, without holding the registry lock during any I/O
// (spec.md §4.3: "deviceUpdated events are emitted without holding locks
// across adapter I/O").
func (r *Registry) sweep(ctx context.Context, now time.Time) {
	type staleDisconnect struct {
		id string
		ad adapter.Adapter
	}
	var toDisconnect []staleDisconnect
	var toEmit []Device

	r.mu.Lock()
	for id, entry := range r.devices {
		if entry.device.Status == StatusOnline && !entry.device.LastSeen.IsZero() &&
			now.Sub(entry.device.LastSeen) > r.cfg.StaleTimeout {
			entry.device.Status = StatusOffline
			toDisconnect = append(toDisconnect, staleDisconnect{id: id, ad: entry.adapter})
			entry.adapter = nil
			toEmit = append(toEmit, entry.device)
			continue
		}
		if entry.device.Status != StatusError && entry.device.ErrorCount >= r.cfg.ErrorThreshold {
			entry.device.Status = StatusError
			toDisconnect = append(toDisconnect, staleDisconnect{id: id, ad: entry.adapter})
			entry.adapter = nil
			toEmit = append(toEmit, entry.device)
		}
	}
	r.mu.Unlock()

	for _, sd := range toDisconnect {
		if sd.ad != nil {
			_ = sd.ad.Disconnect(ctx)
		}
	}
	for _, d := range toEmit {
		r.emit(Event{Kind: EventDeviceUpdated, Device: d})
	}
}
