package pattern

import (
	"context"
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/command"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
)

// EventKind names an engine-emitted lifecycle notification.
type EventKind string

const (
	EventPatternStarted      EventKind = "patternStarted"
	EventPatternStopped      EventKind = "patternStopped"
	EventSafetyThresholdTrip EventKind = "safety-threshold-exceeded"
)

// Event is emitted by the engine on instance lifecycle transitions.
type Event struct {
	Kind      EventKind
	DeviceID  string
	Reason    string
	Timestamp time.Time
}

// Listener receives engine events.
type Listener func(Event)

// Limits are the safety invariants enforced on every tick (spec.md §4.6).
type Limits struct {
	MaxIntensity float64

	// MaxIntensityFraction caps the composed modifier product. Zero means
	// no cap beyond the non-negativity floor, letting a strong biometric
	// signal push a sample past MaxIntensity and trip the safety check.
	MaxIntensityFraction float64

	MaxDuration    time.Duration
	CooldownPeriod time.Duration

	// DeviceIntensityCap is the device's configured intensity_cap
	// (spec.md §3, §4.6: "clamps to [0, device_intensity_cap]"). It is
	// a delivery clamp, distinct from MaxIntensity's safety-trip check,
	// which evaluates the unclamped sample. Defaults to 100 if zero.
	DeviceIntensityCap float64
}

// Enqueuer is the collaborator the engine emits generated commands through;
// internal/command.Processor satisfies it.
type Enqueuer interface {
	Enqueue(deviceID string, cmd adapter.Command, priority command.Priority) error
}

// StatusProvider supplies the adapter status used for latency compensation
// (spec.md §4.6: "latency compensation via adapter Status() query").
type StatusProvider interface {
	AdapterStatus(deviceID string) (adapter.Status, bool)
}

type instance struct {
	deviceID    string
	pattern     Pattern // nil while the entry only holds a cooldown window
	limits      Limits
	startedAt   time.Time
	lastTick    time.Time
	modifiers   map[ModifierKind]float64
	timeWarp    float64 // media-drift warp factor; 0 means neutral
	cooldownEnd time.Time
}

// Engine is the Pattern Engine of spec.md §4.6: it ticks every running
// pattern instance, composes external modifiers, enforces safety
// invariants, and emits generated commands to an Enqueuer.
type Engine struct {
	sched    *scheduler.Scheduler
	enqueuer Enqueuer
	status   StatusProvider
	interval time.Duration

	mu        sync.Mutex
	instances map[string]*instance

	listenersMu sync.Mutex
	listeners   []Listener

	tickTask *scheduler.Task
}

// New constructs an Engine ticking every interval, emitting commands
// through enqueuer. status may be nil to disable latency compensation.
func New(interval time.Duration, enqueuer Enqueuer, status StatusProvider, sched *scheduler.Scheduler) *Engine {
	return &Engine{
		sched:     sched,
		enqueuer:  enqueuer,
		status:    status,
		interval:  interval,
		instances: make(map[string]*instance),
	}
}

// Subscribe registers a listener for engine events.
func (e *Engine) Subscribe(l Listener) func() {
	e.listenersMu.Lock()
	idx := len(e.listeners)
	e.listeners = append(e.listeners, l)
	e.listenersMu.Unlock()
	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		if idx < len(e.listeners) {
			e.listeners[idx] = nil
		}
	}
}

func (e *Engine) emit(evt Event) {
	e.listenersMu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenersMu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(evt)
		}
	}
}

// Start launches the engine's tick loop.
func (e *Engine) Start(ctx context.Context) {
	e.tickTask = e.sched.Every(ctx, e.interval, func(ctx context.Context, tick time.Time) {
		e.tickAll(ctx, tick)
	})
}

// Shutdown halts the tick loop. Running instances are left in place; a
// subsequent Start resumes ticking them.
func (e *Engine) Shutdown() {
	if e.tickTask != nil {
		e.tickTask.Cancel()
	}
}

// StartPattern begins running pattern on deviceID, honoring the device's
// cooldown window from its last stop and emitting patternStarted.
func (e *Engine) StartPattern(deviceID string, p Pattern, limits Limits) error {
	e.mu.Lock()
	if existing, ok := e.instances[deviceID]; ok && time.Now().Before(existing.cooldownEnd) {
		e.mu.Unlock()
		return ErrCooldownActive
	}
	e.instances[deviceID] = &instance{
		deviceID:  deviceID,
		pattern:   p,
		limits:    limits,
		startedAt: time.Now(),
		lastTick:  time.Now(),
		modifiers: make(map[ModifierKind]float64),
	}
	e.mu.Unlock()

	e.emit(Event{Kind: EventPatternStarted, DeviceID: deviceID, Timestamp: time.Now()})
	return nil
}

// ErrCooldownActive is returned by StartPattern while a device is in its
// post-stop cooldown window.
var ErrCooldownActive = &cooldownError{}

type cooldownError struct{}

func (*cooldownError) Error() string { return "pattern: device is in cooldown" }

// SetModifier updates one of a running instance's external modifier
// streams with a precomputed factor (spec.md §4.6). The media stream is a
// timing warp; the other two scale intensity.
func (e *Engine) SetModifier(deviceID string, kind ModifierKind, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[deviceID]
	if !ok || inst.pattern == nil {
		return
	}
	if kind == ModifierMedia {
		inst.timeWarp = clamp(value, 0.5, 1.5)
		return
	}
	inst.modifiers[kind] = value
}

// UpdateMediaPosition feeds a media-position sample. Drift between the
// media position and the pattern's own elapsed time beyond 100ms warps
// tick timing by 1 + drift/1000, clamped to [0.5, 1.5] (spec.md §4.6).
func (e *Engine) UpdateMediaPosition(deviceID string, mediaPos time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[deviceID]
	if !ok || inst.pattern == nil {
		return
	}
	drift := mediaPos - time.Since(inst.startedAt)
	if drift > -100*time.Millisecond && drift < 100*time.Millisecond {
		inst.timeWarp = 1
		return
	}
	inst.timeWarp = clamp(1+float64(drift.Milliseconds())/1000, 0.5, 1.5)
}

// UpdateBiometric feeds a biometric sample relative to the device's
// baseline: modifier = arousal/baseline_arousal * min(hr/baseline_hr, 1.5)
// (spec.md §4.6).
func (e *Engine) UpdateBiometric(deviceID string, arousal, baselineArousal, heartRate, baselineHeartRate float64) {
	if baselineArousal <= 0 || baselineHeartRate <= 0 {
		return
	}
	hrFactor := heartRate / baselineHeartRate
	if hrFactor > 1.5 {
		hrFactor = 1.5
	}
	e.SetModifier(deviceID, ModifierBiometric, (arousal/baselineArousal)*hrFactor)
}

// UpdateSpatial feeds a spatial sample: proximity and |velocity| each clamp
// to [0.1, 1.5] and multiply (spec.md §4.6).
func (e *Engine) UpdateSpatial(deviceID string, proximity, velocity float64) {
	if velocity < 0 {
		velocity = -velocity
	}
	e.SetModifier(deviceID, ModifierSpatial, clamp(proximity, 0.1, 1.5)*clamp(velocity, 0.1, 1.5))
}

// Stop halts the running pattern on deviceID, emits a zero-intensity stop
// command, and starts the device's cooldown window if one is configured.
func (e *Engine) Stop(deviceID string) {
	e.mu.Lock()
	inst, ok := e.instances[deviceID]
	if ok && inst.pattern != nil {
		e.retireLocked(inst)
	} else {
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	_ = e.enqueuer.Enqueue(deviceID, adapter.Command{Kind: adapter.CommandStop, Intensity: 0}, command.PriorityCritical)
	e.emit(Event{Kind: EventPatternStopped, DeviceID: deviceID, Timestamp: time.Now()})
}

// retireLocked clears an instance's running state, leaving only its
// cooldown window behind when one applies. Caller holds e.mu.
func (e *Engine) retireLocked(inst *instance) {
	if inst.limits.CooldownPeriod > 0 {
		e.instances[inst.deviceID] = &instance{
			deviceID:    inst.deviceID,
			cooldownEnd: time.Now().Add(inst.limits.CooldownPeriod),
		}
		return
	}
	delete(e.instances, inst.deviceID)
}

func (e *Engine) tickAll(ctx context.Context, now time.Time) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.instances))
	for id, inst := range e.instances {
		if inst.pattern == nil {
			// cooldown-only entry; drop it once the window has passed.
			if now.After(inst.cooldownEnd) {
				delete(e.instances, id)
			}
			continue
		}
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.tickOne(id, now)
	}
}

// tickOne evaluates one running instance: applies latency compensation and
// media time-warp, composes modifiers, enforces safety invariants, and
// emits a command for the current sample (spec.md §4.6).
func (e *Engine) tickOne(deviceID string, now time.Time) {
	e.mu.Lock()
	inst, ok := e.instances[deviceID]
	if !ok || inst.pattern == nil {
		e.mu.Unlock()
		return
	}
	elapsed := now.Sub(inst.startedAt)
	inst.lastTick = now
	limits := inst.limits
	pat := inst.pattern
	warp := inst.timeWarp
	modifiers := make(map[ModifierKind]float64, len(inst.modifiers))
	for k, v := range inst.modifiers {
		modifiers[k] = v
	}
	e.mu.Unlock()

	if limits.MaxDuration > 0 && elapsed >= limits.MaxDuration {
		e.stopInstance(deviceID, "max duration reached", false)
		return
	}

	compensated := elapsed + e.latencyCompensation(deviceID)
	if warp > 0 {
		compensated = time.Duration(float64(compensated) * warp)
	}

	base := pat.IntensityAt(compensated)
	modifier := composeModifiers(modifiers, limits.MaxIntensityFraction)
	final := base * modifier

	if limits.MaxIntensity > 0 && final > limits.MaxIntensity {
		e.stopInstance(deviceID, "intensity exceeded safety threshold", true)
		return
	}

	deviceCap := limits.DeviceIntensityCap
	if deviceCap <= 0 {
		deviceCap = 100
	}
	cmd := adapter.Command{
		Kind:        pat.TypeAt(compensated),
		Intensity:   int(clamp(final, 0, deviceCap)),
		PatternArgs: pat.MetadataAt(compensated),
	}
	_ = e.enqueuer.Enqueue(deviceID, cmd, command.PriorityNormal)
}

// latencyOffsetMs is the fixed compensation margin spec.md §9 prescribes on
// top of the most recent measured samples: "latency_offset = network_latency
// + processing_latency + 50 ms".
const latencyOffsetMs = 50

// latencyCompensation returns the round-trip delay to fold into the sample
// timestamp so the device receives the sample intended for its actual
// arrival time (spec.md §4.6, §9), using the most recent latency samples
// rather than a mixed running average.
func (e *Engine) latencyCompensation(deviceID string) time.Duration {
	if e.status == nil {
		return 0
	}
	st, ok := e.status.AdapterStatus(deviceID)
	if !ok {
		return 0
	}
	return time.Duration(st.NetworkLatencyMs+st.ProcessingLatencyMs+latencyOffsetMs) * time.Millisecond
}

// stopInstance halts deviceID's instance, starts its cooldown window, and
// emits the lifecycle events spec.md §4.6 requires: a zero-intensity stop
// command immediately, plus safety-threshold-exceeded when tripped.
func (e *Engine) stopInstance(deviceID, reason string, safetyTrip bool) {
	e.mu.Lock()
	inst, ok := e.instances[deviceID]
	if ok && inst.pattern != nil {
		e.retireLocked(inst)
	} else {
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	_ = e.enqueuer.Enqueue(deviceID, adapter.Command{Kind: adapter.CommandStop, Intensity: 0}, command.PriorityCritical)
	if safetyTrip {
		e.emit(Event{Kind: EventSafetyThresholdTrip, DeviceID: deviceID, Reason: reason, Timestamp: time.Now()})
	}
	e.emit(Event{Kind: EventPatternStopped, DeviceID: deviceID, Reason: reason, Timestamp: time.Now()})
}
