package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/observability"
)

// readyHeap orders dequeue-able items by priority value, then by
// enqueue sequence for FIFO within a priority.
type readyHeap []*Item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].PriorityValue != h[j].PriorityValue {
		return h[i].PriorityValue < h[j].PriorityValue
	}
	return h[i].Seq < h[j].Seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// scheduledHeap orders delayed items by ready time so the promoter can
// peek the next one due.
type scheduledHeap []*Item

func (h scheduledHeap) Len() int { return len(h) }

func (h scheduledHeap) Less(i, j int) bool {
	if !h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].ReadyAt.Before(h[j].ReadyAt)
	}
	if h[i].PriorityValue != h[j].PriorityValue {
		return h[i].PriorityValue < h[j].PriorityValue
	}
	return h[i].Seq < h[j].Seq
}

func (h scheduledHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *scheduledHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *scheduledHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryQueue is the in-process queue backend. One mutex guards both
// heaps; a condition variable wakes blocked dequeuers on enqueue,
// purge, and shutdown.
type MemoryQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	ready     readyHeap
	scheduled scheduledHeap
	seq       uint64
	down      bool

	priorities map[string]int
	warnDepth  int
	maxDepth   int

	log *zap.Logger
	now func() time.Time
}

func NewMemoryQueue(cfg config.Queue, log *zap.Logger) *MemoryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &MemoryQueue{
		priorities: cfg.Priorities,
		warnDepth:  cfg.WarnDepth,
		maxDepth:   cfg.MaxInMemory,
		log:        log,
		now:        time.Now,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a job. Rejections, in order: shut down, at capacity,
// unknown priority label.
func (q *MemoryQueue) Enqueue(job model.ReconciliationJob, priority string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.down {
		observability.EnqueueRejections.WithLabelValues("shutdown").Inc()
		return ErrShutdown
	}
	if len(q.ready)+len(q.scheduled) >= q.maxDepth {
		observability.EnqueueRejections.WithLabelValues("capacity").Inc()
		return ErrCapacityExceeded
	}
	value, ok := q.priorities[priority]
	if !ok {
		observability.EnqueueRejections.WithLabelValues("unknown_priority").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownPriority, priority)
	}

	now := q.now()
	q.seq++
	item := &Item{
		Job:           job,
		JobType:       JobTypeReconciliation,
		PriorityLabel: priority,
		PriorityValue: value,
		EnqueuedAt:    now,
		ReadyAt:       now,
		Seq:           q.seq,
	}
	if delay > 0 {
		item.ReadyAt = now.Add(delay)
		heap.Push(&q.scheduled, item)
	} else {
		heap.Push(&q.ready, item)
	}

	observability.JobsEnqueued.WithLabelValues(priority).Inc()
	depth := len(q.ready) + len(q.scheduled)
	observability.QueueDepth.WithLabelValues("memory").Set(float64(depth))
	if depth >= q.warnDepth {
		q.log.Warn("queue depth above warning threshold",
			zap.Int("depth", depth),
			zap.Int("warn_depth", q.warnDepth))
	}
	q.cond.Signal()
	return nil
}

// Dequeue pops the best ready item. A blocked call wakes when an item
// is enqueued, a delayed item matures, the timeout lapses, or the
// queue shuts down empty.
func (q *MemoryQueue) Dequeue(block bool, timeout time.Duration) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = q.now().Add(timeout)
	}
	for {
		now := q.now()
		q.promote(now)
		if len(q.ready) > 0 {
			item := heap.Pop(&q.ready).(*Item)
			observability.DequeueWaitSeconds.Observe(time.Since(start).Seconds())
			observability.QueueDepth.WithLabelValues("memory").Set(float64(len(q.ready) + len(q.scheduled)))
			return item
		}
		if q.down && len(q.scheduled) == 0 {
			return nil
		}
		if !block {
			return nil
		}

		// Bound the wait by whichever comes first: the next delayed
		// item maturing or the caller's deadline.
		wait := time.Duration(-1)
		if len(q.scheduled) > 0 {
			wait = q.scheduled[0].ReadyAt.Sub(now)
		}
		if !deadline.IsZero() {
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				return nil
			}
			if wait < 0 || remaining < wait {
				wait = remaining
			}
		}
		if wait < 0 {
			q.cond.Wait()
		} else {
			q.waitTimed(wait)
		}
	}
}

// waitTimed releases the lock for at most d. Callers must hold q.mu.
func (q *MemoryQueue) waitTimed(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	q.cond.Wait()
	t.Stop()
}

// promote moves matured delayed items onto the ready heap. Callers
// must hold q.mu.
func (q *MemoryQueue) promote(now time.Time) {
	for len(q.scheduled) > 0 && !q.scheduled[0].ReadyAt.After(now) {
		item := heap.Pop(&q.scheduled).(*Item)
		heap.Push(&q.ready, item)
	}
}

func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.scheduled)
}

// drain removes and returns everything queued, ready and scheduled
// alike. Used by the Redis backend to move fallback jobs back out.
func (q *MemoryQueue) drain() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*Item, 0, len(q.ready)+len(q.scheduled))
	for len(q.ready) > 0 {
		items = append(items, heap.Pop(&q.ready).(*Item))
	}
	for len(q.scheduled) > 0 {
		items = append(items, heap.Pop(&q.scheduled).(*Item))
	}
	q.cond.Broadcast()
	return items
}

// restore re-inserts a previously drained item, keeping its original
// ready time and sequence.
func (q *MemoryQueue) restore(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ReadyAt.After(q.now()) {
		heap.Push(&q.scheduled, item)
	} else {
		heap.Push(&q.ready, item)
	}
	q.cond.Signal()
}

// Purge drops everything queued, waking blocked dequeuers so they can
// re-check state.
func (q *MemoryQueue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ready) + len(q.scheduled)
	q.ready = nil
	q.scheduled = nil
	observability.QueueDepth.WithLabelValues("memory").Set(0)
	q.cond.Broadcast()
	return n
}

// Shutdown stops intake. Items already queued remain dequeue-able,
// delayed ones once they mature.
func (q *MemoryQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.down = true
	q.cond.Broadcast()
}

func (q *MemoryQueue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.down
}

func (q *MemoryQueue) Snapshot() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	return map[string]any{
		"backend":   "memory",
		"depth":     len(q.ready) + len(q.scheduled),
		"ready":     len(q.ready),
		"scheduled": len(q.scheduled),
		"shutdown":  q.down,
	}
}
