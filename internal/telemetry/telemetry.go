// Package telemetry implements the ingestion, batching, alerting, and
// retention pipeline described in spec.md §4.8.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/straticus1/aeimsLib-sub004/internal/metrics"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
)

// Point is a single telemetry observation (spec.md §3).
type Point struct {
	ID          string
	Kind        string
	Source      string
	TimestampMs int64
	Values      map[string]float64
	Context     map[string]interface{}
}

// Aggregate is a per-minute rolling aggregate keyed by (kind, source).
type Aggregate struct {
	Kind        string
	Source      string
	MinuteStart int64
	Count       int64
	Bytes       int64
	Sums        map[string]float64
}

// Store is the append-only persistence collaborator for telemetry
// collections (spec.md §6: telemetry_points, telemetry_stats,
// telemetry_alerts indexed on (timestamp, kind, source)).
type Store interface {
	AppendPoints(ctx context.Context, points []Point) error
	UpsertAggregate(ctx context.Context, agg Aggregate) error
	AppendAlert(ctx context.Context, alert Alert) error
	DeleteOlderThan(ctx context.Context, cutoffMs int64) error
}

// Config configures the pipeline.
type Config struct {
	BufferSize     int
	BatchSize      int
	FlushInterval  time.Duration
	AlertInterval  time.Duration
	AlertCooldown  time.Duration
	RetentionDays  int
	RetentionEvery time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:     10000,
		BatchSize:      200,
		FlushInterval:  time.Second,
		AlertInterval:  10 * time.Second,
		AlertCooldown:  time.Minute,
		RetentionDays:  30,
		RetentionEvery: time.Hour,
	}
}

// Pipeline is a multi-producer, single-consumer telemetry ring buffer with
// batched egress, inline + windowed alert evaluation, and retention
// sweeping (spec.md §4.8, §5).
type Pipeline struct {
	cfg       Config
	store     Store
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics

	mu      sync.Mutex
	buf     []Point
	head    int
	count   int
	dropped int64

	rulesMu sync.RWMutex
	rules   map[string][]AlertRule // keyed by series (kind)

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time

	aggMu sync.Mutex
	aggs  map[string]*Aggregate // keyed by kind|source|minute
	dirty map[string]bool       // aggregate keys touched since the last flush

	flushTask    *schedulerTask
	alertTask    *schedulerTask
	retentionTask *schedulerTask
}

type schedulerTask = struct{ cancel func() }

// New constructs a Pipeline. sched must not be nil; m may be nil to disable
// metrics recording.
func New(cfg Config, store Store, sched *scheduler.Scheduler, m *metrics.Metrics) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		scheduler: sched,
		metrics:   m,
		buf:       make([]Point, cfg.BufferSize),
		rules:     make(map[string][]AlertRule),
		cooldowns: make(map[string]time.Time),
		aggs:      make(map[string]*Aggregate),
		dirty:     make(map[string]bool),
	}
}

// Track accepts a point, never blocking. When the ring buffer is full the
// oldest point is dropped and a drop counter is incremented (spec.md §4.8).
func (p *Pipeline) Track(point Point) {
	if point.ID == "" {
		point.ID = uuid.NewString()
	}
	p.mu.Lock()
	idx := (p.head + p.count) % len(p.buf)
	if p.count == len(p.buf) {
		// buffer full: overwrite oldest, advance head, count drop.
		p.buf[p.head] = point
		p.head = (p.head + 1) % len(p.buf)
		p.dropped++
		if p.metrics != nil {
			p.metrics.TelemetryDropped.Inc()
		}
	} else {
		p.buf[idx] = point
		p.count++
	}
	p.mu.Unlock()

	p.evaluateInline(point)
	p.accumulate(point)
	if p.metrics != nil {
		p.metrics.TelemetryPointsTotal.Inc()
	}
}

// Dropped returns the cumulative number of points dropped due to overflow.
func (p *Pipeline) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// drain removes up to n points from the ring buffer in FIFO order.
func (p *Pipeline) drain(n int) []Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.count {
		n = p.count
	}
	out := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.buf[p.head])
		p.head = (p.head + 1) % len(p.buf)
		p.count--
	}
	return out
}

// Start begins the flush, alert-window, and retention background tasks.
func (p *Pipeline) Start(ctx context.Context) {
	p.flushTask = wrap(p.scheduler.Every(ctx, p.cfg.FlushInterval, func(ctx context.Context, _ time.Time) {
		p.flush(ctx)
	}))
	p.alertTask = wrap(p.scheduler.Every(ctx, p.cfg.AlertInterval, func(ctx context.Context, _ time.Time) {
		p.evaluateWindowed(ctx)
	}))
	if p.cfg.RetentionEvery > 0 {
		p.retentionTask = wrap(p.scheduler.Every(ctx, p.cfg.RetentionEvery, func(ctx context.Context, tick time.Time) {
			p.RunRetention(ctx, tick)
		}))
	}
}

// Stop cancels the background tasks.
func (p *Pipeline) Stop() {
	for _, t := range []*schedulerTask{p.flushTask, p.alertTask, p.retentionTask} {
		if t != nil && t.cancel != nil {
			t.cancel()
		}
	}
}

func wrap(t *scheduler.Task) *schedulerTask {
	return &schedulerTask{cancel: t.Cancel}
}

func (p *Pipeline) flush(ctx context.Context) {
	for {
		batch := p.drain(p.cfg.BatchSize)
		if len(batch) > 0 && p.store != nil {
			_ = p.store.AppendPoints(ctx, batch)
		}
		if len(batch) < p.cfg.BatchSize {
			break
		}
	}
	p.flushAggregates(ctx)
}

// flushAggregates persists every aggregate touched since the last flush.
// Aggregate persistence happens here, on the consumer task, so Track does no
// aggregate store I/O. Track does call the store when a point trips an
// inline alert rule: fire appends that alert before Track returns.
func (p *Pipeline) flushAggregates(ctx context.Context) {
	if p.store == nil {
		return
	}
	p.aggMu.Lock()
	pending := make([]Aggregate, 0, len(p.dirty))
	for key := range p.dirty {
		if agg, ok := p.aggs[key]; ok {
			pending = append(pending, *agg)
		}
		delete(p.dirty, key)
	}
	p.aggMu.Unlock()

	for _, agg := range pending {
		_ = p.store.UpsertAggregate(ctx, agg)
	}
}

func (p *Pipeline) accumulate(point Point) {
	minute := (point.TimestampMs / 60000) * 60000
	key := point.Kind + "|" + point.Source + "|" + strconv.FormatInt(minute, 10)

	p.aggMu.Lock()
	defer p.aggMu.Unlock()
	agg, ok := p.aggs[key]
	if !ok {
		agg = &Aggregate{Kind: point.Kind, Source: point.Source, MinuteStart: minute, Sums: make(map[string]float64)}
		p.aggs[key] = agg
	}
	agg.Count++
	agg.Bytes += int64(estimateSize(point))
	for k, v := range point.Values {
		agg.Sums[k] += v
	}
	p.dirty[key] = true
}

func estimateSize(p Point) int {
	size := len(p.Kind) + len(p.Source) + 8
	for k := range p.Values {
		size += len(k) + 8
	}
	return size
}

// RunRetention deletes points, aggregates, and alerts older than
// RetentionDays (spec.md §4.8, S6). Exported so a caller can drive it on
// its own cadence (cmd/gateway schedules this via robfig/cron) instead of,
// or in addition to, the Pipeline's own ticker.
func (p *Pipeline) RunRetention(ctx context.Context, now time.Time) {
	cutoff := now.AddDate(0, 0, -p.cfg.RetentionDays).UnixMilli()
	if p.store != nil {
		_ = p.store.DeleteOlderThan(ctx, cutoff)
	}

	p.aggMu.Lock()
	for k, agg := range p.aggs {
		if agg.MinuteStart < cutoff {
			delete(p.aggs, k)
		}
	}
	p.aggMu.Unlock()
}
