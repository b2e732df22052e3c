// Package command implements the Command Processor (spec.md §4.5):
// per-device priority queues, batching/dedup, per-device rate limiting, and
// retry-driven redelivery.
package command

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/metrics"
	"github.com/straticus1/aeimsLib-sub004/internal/resilience"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
	"github.com/straticus1/aeimsLib-sub004/internal/telemetry"
)

// Priority orders command delivery within a device's queue (spec.md §4.5:
// "critical > high > normal > low").
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// SafetyLimits is the pre-enqueue validation contract (spec.md §4.5: "a
// command violating the device's intensity cap or allowed-pattern set is
// never enqueued").
type SafetyLimits struct {
	IntensityCap    int
	AllowedPatterns map[string]bool // nil or empty means all patterns allowed
}

// QueuedCommand is one admitted, not-yet-delivered command. Done, when
// non-nil, is resolved exactly once with the command's final outcome: nil
// on delivery (or when collapsed into a newer command), a typed error when
// the command goes stale, is cancelled, or exhausts its retry attempts.
type QueuedCommand struct {
	Cmd        adapter.Command
	Priority   Priority
	EnqueuedAt time.Time
	Attempts   int
	Done       func(error)
}

func (qc QueuedCommand) resolve(err error) {
	if qc.Done != nil {
		qc.Done(err)
	}
}

// Sender is the collaborator the processor dispatches delivered commands
// through; internal/registry.Registry satisfies it.
type Sender interface {
	Send(ctx context.Context, deviceID string, cmd adapter.Command) (adapter.Result, error)
}

// Config configures processor-wide defaults; per-device safety limits are
// set separately via SetSafetyLimits.
type Config struct {
	MaxQueueAge      time.Duration
	MaxAttempts      int
	Retry            resilience.RetryConfig
	RatePerSecond    float64
	Burst            int
	DispatchInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueAge:      5 * time.Second,
		MaxAttempts:      3,
		Retry:            resilience.DefaultRetryConfig(),
		RatePerSecond:    20,
		Burst:            30,
		DispatchInterval: 10 * time.Millisecond,
	}
}

// Processor is the Command Processor of spec.md §4.5.
type Processor struct {
	cfg    Config
	sender Sender
	sched  *scheduler.Scheduler

	mu       sync.Mutex
	queues   map[string]*deviceQueue
	limiters map[string]*rate.Limiter
	limits   map[string]SafetyLimits

	dispatchTask *scheduler.Task
	telemetry    *telemetry.Pipeline
	metrics      *metrics.Metrics
}

// SetTelemetry attaches the telemetry pipeline every dispatched command is
// tracked through (spec.md §2: "Telemetry Pipeline is written to from every
// other component"). Nil is a valid no-op.
func (p *Processor) SetTelemetry(t *telemetry.Pipeline) {
	p.telemetry = t
}

// SetMetrics attaches the Prometheus collectors dispatch outcomes and queue
// depths are recorded against. Nil is a valid no-op.
func (p *Processor) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// New constructs a Processor dispatching delivered commands through sender.
func New(cfg Config, sender Sender, sched *scheduler.Scheduler) *Processor {
	return &Processor{
		cfg:      cfg,
		sender:   sender,
		sched:    sched,
		queues:   make(map[string]*deviceQueue),
		limiters: make(map[string]*rate.Limiter),
		limits:   make(map[string]SafetyLimits),
	}
}

// SetSafetyLimits installs the intensity cap and allowed-pattern set
// validated against every command enqueued for deviceID.
func (p *Processor) SetSafetyLimits(deviceID string, limits SafetyLimits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[deviceID] = limits
}

func (p *Processor) queueFor(deviceID string) (*deviceQueue, *rate.Limiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[deviceID]
	if !ok {
		q = &deviceQueue{}
		p.queues[deviceID] = q
		p.limiters[deviceID] = rate.NewLimiter(rate.Limit(p.cfg.RatePerSecond), p.cfg.Burst)
	}
	return q, p.limiters[deviceID]
}

func (p *Processor) validate(deviceID string, cmd adapter.Command) error {
	p.mu.Lock()
	limits, ok := p.limits[deviceID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if limits.IntensityCap > 0 && cmd.Intensity > limits.IntensityCap {
		return svcerr.Validation("command intensity exceeds device intensity cap").WithDetails("device_id", deviceID)
	}
	if cmd.PatternRef != "" && len(limits.AllowedPatterns) > 0 && !limits.AllowedPatterns[cmd.PatternRef] {
		return svcerr.AuthzDenied("pattern not permitted for device").WithDetails("pattern", cmd.PatternRef)
	}
	return nil
}

// Enqueue admits cmd into deviceID's priority queue after pre-enqueue
// safety validation, applying the dedup/batching rules of spec.md §4.5
// (intensity collapse, start+stop cancellation; S1). A validation failure
// is returned immediately and the command never reaches the queue.
func (p *Processor) Enqueue(deviceID string, cmd adapter.Command, priority Priority) error {
	if err := p.validate(deviceID, cmd); err != nil {
		return err
	}
	q, _ := p.queueFor(deviceID)
	q.upsert(QueuedCommand{Cmd: cmd, Priority: priority, EnqueuedAt: time.Now()})
	return nil
}

// Submit is Enqueue returning a completion channel that resolves with the
// command's final outcome: nil once the adapter accepted it (or a newer
// command superseded it in the queue), or the terminal error otherwise.
func (p *Processor) Submit(deviceID string, cmd adapter.Command, priority Priority) (<-chan error, error) {
	if err := p.validate(deviceID, cmd); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	q, _ := p.queueFor(deviceID)
	q.upsert(QueuedCommand{
		Cmd:        cmd,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		Done:       func(err error) { done <- err },
	})
	return done, nil
}

// DropQueue discards deviceID's queue, resolving everything still pending
// with a device-removed error (spec.md §5: "on device removal ... queue is
// drained with device-removed").
func (p *Processor) DropQueue(deviceID string) {
	p.mu.Lock()
	q := p.queues[deviceID]
	delete(p.queues, deviceID)
	delete(p.limiters, deviceID)
	delete(p.limits, deviceID)
	p.mu.Unlock()
	if q == nil {
		return
	}
	cause := svcerr.New(svcerr.CodeDeviceNotFound, svcerr.KindDevice, svcerr.SeverityWarning, svcerr.CategoryPersistent, "device removed").
		WithDetails("device_id", deviceID)
	for {
		item, ok := q.pop(0)
		if !ok {
			return
		}
		item.resolve(cause)
	}
}

// Start launches the dispatch loop.
func (p *Processor) Start(ctx context.Context) {
	p.dispatchTask = p.sched.Every(ctx, p.cfg.DispatchInterval, func(ctx context.Context, _ time.Time) {
		p.dispatchTick(ctx)
	})
}

// Stop halts the dispatch loop.
func (p *Processor) Stop() {
	if p.dispatchTask != nil {
		p.dispatchTask.Cancel()
	}
}

func (p *Processor) dispatchTick(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.queues))
	for id := range p.queues {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.dispatchOne(ctx, id)
	}
}

// dispatchOne pops and delivers at most one command for deviceID, honoring
// its token-bucket rate limit. On failure it re-enqueues at the front of
// the same priority band and retries per cfg.Retry until MaxAttempts is
// exhausted (spec.md §4.5, §4.7).
func (p *Processor) dispatchOne(ctx context.Context, deviceID string) {
	p.mu.Lock()
	q := p.queues[deviceID]
	limiter := p.limiters[deviceID]
	p.mu.Unlock()
	if q == nil {
		return
	}
	if limiter != nil && !limiter.Allow() {
		return
	}

	item, ok := q.pop(p.cfg.MaxQueueAge)
	if !ok {
		return
	}

	start := time.Now()
	_, err := p.sender.Send(ctx, deviceID, item.Cmd)
	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.RecordCommand(item.Priority.String(), outcome, time.Since(start))
		p.metrics.CommandQueueDepth.WithLabelValues(deviceID).Set(float64(q.depth()))
	}
	if p.telemetry != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.telemetry.Track(telemetry.Point{
			Kind:        "command",
			Source:      deviceID,
			TimestampMs: time.Now().UnixMilli(),
			Values:      map[string]float64{"intensity": float64(item.Cmd.Intensity), "attempts": float64(item.Attempts + 1)},
			Context:     map[string]interface{}{"kind": string(item.Cmd.Kind), "outcome": outcome},
		})
	}
	if err == nil {
		item.resolve(nil)
		return
	}

	item.Attempts++
	if item.Attempts >= p.cfg.MaxAttempts {
		item.resolve(svcerr.CommandFailed("attempts exhausted", err))
		return
	}
	delay := resilience.NextDelay(p.cfg.Retry, item.Attempts-1)
	retryItem := item
	p.sched.After(ctx, delay, func(ctx context.Context) {
		q.pushFront(retryItem)
	})
}

// QueueDepth reports the number of commands currently queued for deviceID,
// across all priority bands.
func (p *Processor) QueueDepth(deviceID string) int {
	p.mu.Lock()
	q, ok := p.queues[deviceID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}
