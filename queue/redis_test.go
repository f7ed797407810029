package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/model"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue("redis://"+mr.Addr(), config.DefaultQueue(), nil)
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestRedisPriorityOrdering(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	q.Enqueue(testJob(1), model.PriorityLow, 0)
	q.Enqueue(testJob(2), model.PriorityNormal, 0)
	q.Enqueue(testJob(3), model.PriorityHigh, 0)

	want := []int64{3, 2, 1}
	for i, id := range want {
		item := q.Dequeue(false, 0)
		if item == nil || item.Job.AffiliateReportID != id {
			t.Fatalf("Expected report %d at position %d, got %+v", id, i, item)
		}
	}
}

func TestRedisFIFOWithinPriority(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	for id := int64(1); id <= 3; id++ {
		q.Enqueue(testJob(id), model.PriorityNormal, 0)
	}
	for id := int64(1); id <= 3; id++ {
		item := q.Dequeue(false, 0)
		if item == nil || item.Job.AffiliateReportID != id {
			t.Fatalf("Expected FIFO order %d, got %+v", id, item)
		}
	}
}

func TestRedisDelayedPromotion(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	q.fallback.now = q.now

	q.Enqueue(testJob(1), model.PriorityHigh, 5*time.Second)
	if item := q.Dequeue(false, 0); item != nil {
		t.Fatalf("Expected nothing before the delay matured, got %+v", item)
	}
	if depth := q.Depth(); depth != 1 {
		t.Errorf("Expected scheduled job counted in depth, got %d", depth)
	}

	now = now.Add(6 * time.Second)
	item := q.Dequeue(false, 0)
	if item == nil || item.Job.AffiliateReportID != 1 {
		t.Fatalf("Expected the matured job, got %+v", item)
	}
}

func TestRedisBlockingDequeue(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Enqueue(testJob(9), model.PriorityNormal, 0)
	}()

	item := q.Dequeue(true, 3*time.Second)
	if item == nil || item.Job.AffiliateReportID != 9 {
		t.Fatalf("Expected report 9 from blocking dequeue, got %+v", item)
	}
}

func TestRedisPersistsAcrossClients(t *testing.T) {
	q1, mr := newTestRedisQueue(t)
	q1.Enqueue(testJob(4), model.PriorityNormal, 0)

	// A second queue instance against the same server sees the job, as
	// it would after a process restart.
	q2, err := NewRedisQueue("redis://"+mr.Addr(), config.DefaultQueue(), nil)
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	defer q2.Close()

	item := q2.Dequeue(false, 0)
	if item == nil || item.Job.AffiliateReportID != 4 {
		t.Fatalf("Expected report 4 to survive the restart, got %+v", item)
	}
}

func TestRedisFallbackWhenDown(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	mr.Close()

	if err := q.Enqueue(testJob(5), model.PriorityNormal, 0); err != nil {
		t.Fatalf("Expected fallback to absorb the enqueue, got %v", err)
	}
	if depth := q.Depth(); depth != 1 {
		t.Errorf("Expected depth 1 from fallback, got %d", depth)
	}

	snap := q.Snapshot()
	if snap["redis_active"] != false {
		t.Errorf("Expected redis_active false, got %v", snap["redis_active"])
	}

	item := q.Dequeue(false, 0)
	if item == nil || item.Job.AffiliateReportID != 5 {
		t.Fatalf("Expected report 5 from fallback, got %+v", item)
	}
}

func TestRedisRecoveryDrainsFallback(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	mr.Close()

	if err := q.Enqueue(testJob(6), model.PriorityHigh, 0); err != nil {
		t.Fatalf("Expected fallback enqueue, got %v", err)
	}
	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart miniredis: %v", err)
	}

	// Age the probe timer so the next operation re-checks health.
	q.mu.Lock()
	q.lastProbe = time.Now().Add(-time.Minute)
	q.mu.Unlock()

	if depth := q.Depth(); depth != 1 {
		t.Fatalf("Expected the parked job after recovery, got depth %d", depth)
	}
	snap := q.Snapshot()
	if snap["redis_active"] != true {
		t.Errorf("Expected redis_active true after recovery, got %v", snap["redis_active"])
	}
	if q.fallback.Depth() != 0 {
		t.Errorf("Expected fallback drained, got %d", q.fallback.Depth())
	}

	item := q.Dequeue(false, 0)
	if item == nil || item.Job.AffiliateReportID != 6 {
		t.Fatalf("Expected report 6 out of redis, got %+v", item)
	}
}

func TestRedisShutdown(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	q.Enqueue(testJob(1), model.PriorityNormal, 0)
	q.Shutdown()

	if err := q.Enqueue(testJob(2), model.PriorityNormal, 0); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}
	if item := q.Dequeue(true, time.Second); item == nil || item.Job.AffiliateReportID != 1 {
		t.Fatalf("Expected to drain report 1, got %+v", item)
	}
	if item := q.Dequeue(true, time.Second); item != nil {
		t.Errorf("Expected nil once drained, got %+v", item)
	}
}

func TestRedisPurge(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	q.Enqueue(testJob(1), model.PriorityNormal, 0)
	q.Enqueue(testJob(2), model.PriorityHigh, 0)
	q.Enqueue(testJob(3), model.PriorityLow, time.Minute)

	if n := q.Purge(); n != 3 {
		t.Errorf("Expected 3 purged, got %d", n)
	}
	if depth := q.Depth(); depth != 0 {
		t.Errorf("Expected empty queue, got depth %d", depth)
	}
}
