// Package queue provides the priority job queue feeding the
// reconciliation workers. Two backends share one contract: an
// in-memory two-heap queue, and a Redis-backed queue that degrades to
// the in-memory one when Redis is unreachable.
//
// Ordering is by priority value first (lower dequeues first), then
// strict FIFO within a priority. Delayed jobs stay invisible until
// their ready time passes.
package queue

import (
	"errors"
	"time"

	"github.com/claimpilot/reconciler/model"
)

// JobType tag carried in every queued envelope.
const JobTypeReconciliation = "ReconciliationJob"

var (
	// ErrShutdown rejects enqueues after Shutdown was called.
	ErrShutdown = errors.New("queue is shut down")
	// ErrCapacityExceeded rejects enqueues past the depth bound.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
	// ErrUnknownPriority rejects labels outside the configured set.
	ErrUnknownPriority = errors.New("unknown priority label")
)

// Item is the queued envelope around one job. The JSON shape is the
// Redis wire format; the in-memory queue moves the same struct.
type Item struct {
	Job           model.ReconciliationJob `json:"job"`
	JobType       string                  `json:"job_type"`
	PriorityLabel string                  `json:"priority_label"`
	PriorityValue int                     `json:"priority_value"`
	EnqueuedAt    time.Time               `json:"enqueued_at"`
	ReadyAt       time.Time               `json:"ready_at"`
	Seq           uint64                  `json:"seq"`
}

// Queue is the contract workers and the intake layer consume.
type Queue interface {
	// Enqueue adds a job under a priority label, optionally delayed.
	Enqueue(job model.ReconciliationJob, priority string, delay time.Duration) error
	// Dequeue pops the highest-priority ready item. When block is true
	// it waits up to timeout for one to appear (forever when timeout is
	// zero); nil means none arrived or the queue shut down empty.
	Dequeue(block bool, timeout time.Duration) *Item
	// Depth counts queued items, ready and scheduled together.
	Depth() int
	// Purge drops every queued item and returns how many were dropped.
	Purge() int
	// Shutdown stops intake. Blocked dequeuers drain what remains and
	// then receive nil.
	Shutdown()
	// IsShutdown reports whether Shutdown was called.
	IsShutdown() bool
	// Snapshot reports backend state for diagnostics endpoints.
	Snapshot() map[string]any
}
