package adapter

import (
	"context"
	"sync"

	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
)

// BatchSender is implemented by adapters that can encode several commands
// into a single wire exchange. BatchingAdapter prefers it when the
// underlying adapter supports it, and falls back to one Send per command
// otherwise (spec.md §4.4: "a batching wrapper coalesces up to batch_size
// requests ... falling back to per-request framing").
type BatchSender interface {
	SendBatch(ctx context.Context, cmds []Command) ([]Result, error)
}

type batchItem struct {
	cmd    Command
	result chan Result
}

// BatchingAdapter wraps an Adapter, coalescing concurrent Send calls made
// within BatchInterval of each other — up to BatchSize commands — into a
// single underlying exchange when the wrapped adapter implements
// BatchSender.
type BatchingAdapter struct {
	inner Adapter
	cfg   Config
	sched *scheduler.Scheduler

	mu      sync.Mutex
	pending []batchItem
	task    *scheduler.Task
}

// NewBatchingAdapter wraps inner with batching behavior per cfg.
func NewBatchingAdapter(inner Adapter, cfg Config, sched *scheduler.Scheduler) *BatchingAdapter {
	return &BatchingAdapter{inner: inner, cfg: cfg, sched: sched}
}

func (b *BatchingAdapter) Connect(ctx context.Context) error    { return b.inner.Connect(ctx) }
func (b *BatchingAdapter) Disconnect(ctx context.Context) error { return b.inner.Disconnect(ctx) }
func (b *BatchingAdapter) Subscribe(l Listener) func()          { return b.inner.Subscribe(l) }
func (b *BatchingAdapter) Status() Status                       { return b.inner.Status() }

// Send enqueues cmd and waits for the batch it lands in to flush.
func (b *BatchingAdapter) Send(ctx context.Context, cmd Command) (Result, error) {
	if b.cfg.BatchSize <= 1 {
		return b.inner.Send(ctx, cmd)
	}

	item := batchItem{cmd: cmd, result: make(chan Result, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, item)
	shouldFlushNow := len(b.pending) >= b.cfg.BatchSize
	if shouldFlushNow {
		batch := b.pending
		b.pending = nil
		if b.task != nil {
			b.task.Cancel()
			b.task = nil
		}
		b.mu.Unlock()
		go b.flush(ctx, batch)
	} else {
		if b.task == nil {
			b.task = b.sched.After(context.Background(), b.cfg.BatchInterval, func(flushCtx context.Context) {
				b.mu.Lock()
				batch := b.pending
				b.pending = nil
				b.task = nil
				b.mu.Unlock()
				if len(batch) > 0 {
					b.flush(flushCtx, batch)
				}
			})
		}
		b.mu.Unlock()
	}

	select {
	case res := <-item.result:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (b *BatchingAdapter) flush(ctx context.Context, batch []batchItem) {
	if sender, ok := b.inner.(BatchSender); ok {
		cmds := make([]Command, len(batch))
		for i, it := range batch {
			cmds[i] = it.cmd
		}
		results, err := sender.SendBatch(ctx, cmds)
		for i, it := range batch {
			if err != nil {
				it.result <- Result{CommandID: it.cmd.ID, Success: false, Err: err}
				continue
			}
			if i < len(results) {
				it.result <- results[i]
			} else {
				it.result <- Result{CommandID: it.cmd.ID, Success: false}
			}
		}
		return
	}

	for _, it := range batch {
		res, err := b.inner.Send(ctx, it.cmd)
		if err != nil {
			res.Err = err
		}
		it.result <- res
	}
}

var _ Adapter = (*BatchingAdapter)(nil)
