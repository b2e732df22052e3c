package command

import (
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
)

// bandCount is the number of priority bands (Low..Critical).
const bandCount = 4

// deviceQueue is a per-device priority FIFO: four bands drained
// critical-first, each band itself FIFO.
type deviceQueue struct {
	mu    sync.Mutex
	bands [bandCount][]QueuedCommand
}

func isIntensityKind(k adapter.CommandKind) bool {
	switch k {
	case adapter.CommandVibrate, adapter.CommandRotate, adapter.CommandPosition:
		return true
	default:
		return false
	}
}

// upsert applies spec.md §4.5's batching rules before appending item:
//   - a pending command of the same kind and pattern ref in the same band
//     is replaced in place (intensity collapse) rather than duplicated.
//   - a stop/pattern_stop cancels any still-queued pattern_start for the
//     same pattern ref, across all bands (start+stop-in-batch cancellation);
//     a stop without a pattern ref cancels every queued pattern_start.
func (q *deviceQueue) upsert(item QueuedCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if isIntensityKind(item.Cmd.Kind) {
		band := q.bands[item.Priority]
		for i := range band {
			if band[i].Cmd.Kind == item.Cmd.Kind && band[i].Cmd.PatternRef == item.Cmd.PatternRef {
				// The superseded command's outcome is the newer one's;
				// both callers asked for the same end state.
				band[i].resolve(nil)
				band[i] = item
				return
			}
		}
	}

	if item.Cmd.Kind == adapter.CommandStop || item.Cmd.Kind == adapter.CommandPatternStop {
		for p := 0; p < bandCount; p++ {
			filtered := q.bands[p][:0]
			for _, qc := range q.bands[p] {
				sameRef := qc.Cmd.PatternRef == item.Cmd.PatternRef
				stopAll := item.Cmd.Kind == adapter.CommandStop && item.Cmd.PatternRef == ""
				if qc.Cmd.Kind == adapter.CommandPatternStart && (sameRef || stopAll) {
					qc.resolve(nil)
					continue
				}
				filtered = append(filtered, qc)
			}
			q.bands[p] = filtered
		}
		if item.Cmd.Kind == adapter.CommandPatternStop {
			// start+stop cancelled each other inside the queue window.
			item.resolve(nil)
			return
		}
	}

	q.bands[item.Priority] = append(q.bands[item.Priority], item)
}

// pop removes and returns the oldest command in the highest non-empty
// priority band. Commands older than maxAge are dropped along the way,
// resolved with a stale error (spec.md §4.5: "aged commands are dropped
// with a stale error"). maxAge <= 0 disables staleness dropping.
func (q *deviceQueue) pop(maxAge time.Duration) (QueuedCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := bandCount - 1; p >= 0; p-- {
		band := q.bands[p]
		for len(band) > 0 {
			head := band[0]
			band = band[1:]
			if maxAge > 0 && time.Since(head.EnqueuedAt) > maxAge {
				head.resolve(errStale)
				continue
			}
			q.bands[p] = band
			return head, true
		}
		q.bands[p] = band
	}
	return QueuedCommand{}, false
}

// errStale resolves commands that aged out of the queue.
var errStale = svcerr.New(svcerr.CodeCommandFailed, svcerr.KindCommand, svcerr.SeverityWarning, svcerr.CategoryTransient, "command went stale in queue")

// pushFront re-enqueues item at the head of its priority band, used for
// retry redelivery (spec.md §4.7).
func (q *deviceQueue) pushFront(item QueuedCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bands[item.Priority] = append([]QueuedCommand{item}, q.bands[item.Priority]...)
}

func (q *deviceQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}
