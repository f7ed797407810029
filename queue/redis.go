package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/observability"
)

const (
	redisKeyPrefix = "reconcile"

	// BRPOP never blocks longer than this so dequeuers notice
	// shutdown and promote matured delayed jobs promptly.
	redisBlockTick = time.Second

	redisProbeTimeout  = 2 * time.Second
	redisProbeInterval = 30 * time.Second
)

// RedisQueue persists jobs across restarts. Each priority label gets
// its own ready list so BRPOP's key ordering preserves priority;
// delayed jobs sit in one sorted set scored by ready time. Every Redis
// failure flips the queue onto an embedded in-memory fallback, and a
// periodic probe moves fallback jobs back once Redis returns.
type RedisQueue struct {
	client   *redis.Client
	fallback *MemoryQueue
	log      *zap.Logger

	priorities map[string]int
	order      []string // labels by ascending priority value
	readyKeys  []string // aligned with order
	warnDepth  int

	mu        sync.Mutex
	seq       uint64
	down      bool
	active    bool
	lastProbe time.Time

	now func() time.Time
}

func NewRedisQueue(url string, cfg config.Queue, log *zap.Logger) (*RedisQueue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	order := make([]string, 0, len(cfg.Priorities))
	for label := range cfg.Priorities {
		order = append(order, label)
	}
	sort.Slice(order, func(i, j int) bool {
		if cfg.Priorities[order[i]] != cfg.Priorities[order[j]] {
			return cfg.Priorities[order[i]] < cfg.Priorities[order[j]]
		}
		return order[i] < order[j]
	})
	keys := make([]string, len(order))
	for i, label := range order {
		keys[i] = readyKey(label)
	}

	q := &RedisQueue{
		client:     redis.NewClient(opts),
		fallback:   NewMemoryQueue(cfg, log),
		log:        log,
		priorities: cfg.Priorities,
		order:      order,
		readyKeys:  keys,
		warnDepth:  cfg.WarnDepth,
		now:        time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisProbeTimeout)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		q.log.Warn("redis unreachable at startup, using in-memory fallback", zap.Error(err))
		q.mu.Lock()
		q.lastProbe = q.now()
		q.mu.Unlock()
	} else {
		q.mu.Lock()
		q.active = true
		q.mu.Unlock()
		q.log.Info("connected to redis queue", zap.String("addr", opts.Addr))
	}
	return q, nil
}

func readyKey(label string) string {
	return redisKeyPrefix + ":ready:" + label
}

func scheduledKey() string {
	return redisKeyPrefix + ":scheduled"
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// healthy reports whether Redis is usable, probing at most once per
// interval while down. Recovery drains the fallback back into Redis.
func (q *RedisQueue) healthy() bool {
	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		return true
	}
	if q.now().Sub(q.lastProbe) < redisProbeInterval {
		q.mu.Unlock()
		return false
	}
	q.lastProbe = q.now()
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisProbeTimeout)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		return false
	}

	q.mu.Lock()
	q.active = true
	q.mu.Unlock()
	q.log.Info("redis connection restored")
	q.drainFallback()
	return true
}

func (q *RedisQueue) markDown(op string, err error) {
	q.mu.Lock()
	wasActive := q.active
	q.active = false
	q.lastProbe = q.now()
	q.mu.Unlock()

	if wasActive {
		q.log.Warn("redis unavailable, switching to in-memory fallback",
			zap.String("op", op), zap.Error(err))
	}
}

// drainFallback moves jobs parked in the fallback during an outage
// back into Redis so they are not stranded until the next outage.
func (q *RedisQueue) drainFallback() {
	items := q.fallback.drain()
	moved := 0
	for i, item := range items {
		if err := q.push(context.Background(), item); err != nil {
			q.markDown("drain", err)
			for _, rest := range items[i:] {
				q.fallback.restore(rest)
			}
			break
		}
		moved++
	}
	if moved > 0 {
		q.log.Info("moved fallback jobs into redis", zap.Int("count", moved))
	}
}

// push routes an envelope to its ready list or the scheduled set.
func (q *RedisQueue) push(ctx context.Context, item *Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if item.ReadyAt.After(q.now()) {
		return q.client.ZAdd(ctx, scheduledKey(), redis.Z{
			Score:  unixSeconds(item.ReadyAt),
			Member: payload,
		}).Err()
	}
	return q.client.LPush(ctx, readyKey(item.PriorityLabel), payload).Err()
}

func (q *RedisQueue) Enqueue(job model.ReconciliationJob, priority string, delay time.Duration) error {
	q.mu.Lock()
	if q.down {
		q.mu.Unlock()
		observability.EnqueueRejections.WithLabelValues("shutdown").Inc()
		return ErrShutdown
	}
	value, ok := q.priorities[priority]
	if !ok {
		q.mu.Unlock()
		observability.EnqueueRejections.WithLabelValues("unknown_priority").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownPriority, priority)
	}
	q.seq++
	seq := q.seq
	q.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	now := q.now()
	item := &Item{
		Job:           job,
		JobType:       JobTypeReconciliation,
		PriorityLabel: priority,
		PriorityValue: value,
		EnqueuedAt:    now,
		ReadyAt:       now.Add(delay),
		Seq:           seq,
	}

	if !q.healthy() {
		return q.fallback.Enqueue(job, priority, delay)
	}
	if err := q.push(context.Background(), item); err != nil {
		q.markDown("enqueue", err)
		return q.fallback.Enqueue(job, priority, delay)
	}

	observability.JobsEnqueued.WithLabelValues(priority).Inc()
	depth := q.Depth()
	observability.QueueDepth.WithLabelValues("redis").Set(float64(depth))
	if depth >= q.warnDepth {
		q.log.Warn("queue depth above warning threshold",
			zap.Int("depth", depth),
			zap.Int("warn_depth", q.warnDepth))
	}
	return nil
}

func (q *RedisQueue) Dequeue(block bool, timeout time.Duration) *Item {
	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = q.now().Add(timeout)
	}

	for {
		if q.IsShutdown() && q.Depth() == 0 {
			return nil
		}
		if !q.healthy() {
			return q.dequeueFallback(block, deadline)
		}

		ctx := context.Background()
		q.promote(ctx)

		// Sweep ready lists in priority order without blocking.
		for _, key := range q.readyKeys {
			raw, err := q.client.RPop(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				q.markDown("dequeue", err)
				return q.dequeueFallback(block, deadline)
			}
			if item := q.decode(raw); item != nil {
				observability.DequeueWaitSeconds.Observe(time.Since(start).Seconds())
				observability.QueueDepth.WithLabelValues("redis").Dec()
				return item
			}
		}
		if !block {
			return nil
		}

		wait, expired := q.blockWait(deadline)
		if expired {
			return nil
		}
		res, err := q.client.BRPop(ctx, wait, q.readyKeys...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			q.markDown("dequeue", err)
			return q.dequeueFallback(block, deadline)
		}
		if len(res) == 2 {
			if item := q.decode(res[1]); item != nil {
				observability.DequeueWaitSeconds.Observe(time.Since(start).Seconds())
				observability.QueueDepth.WithLabelValues("redis").Dec()
				return item
			}
		}
	}
}

// dequeueFallback forwards to the in-memory queue with whatever time
// the caller has left.
func (q *RedisQueue) dequeueFallback(block bool, deadline time.Time) *Item {
	if deadline.IsZero() {
		return q.fallback.Dequeue(block, 0)
	}
	remaining := deadline.Sub(q.now())
	if remaining <= 0 {
		return q.fallback.Dequeue(false, 0)
	}
	return q.fallback.Dequeue(block, remaining)
}

// blockWait bounds the next BRPOP by the caller deadline, the next
// scheduled ready time, and the shutdown-responsiveness tick.
func (q *RedisQueue) blockWait(deadline time.Time) (time.Duration, bool) {
	now := q.now()
	wait := redisBlockTick

	if !deadline.IsZero() {
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return 0, true
		}
		if remaining < wait {
			wait = remaining
		}
	}

	scores, err := q.client.ZRangeWithScores(context.Background(), scheduledKey(), 0, 0).Result()
	if err == nil && len(scores) > 0 {
		due := time.Duration((scores[0].Score - unixSeconds(now)) * float64(time.Second))
		if due > 0 && due < wait {
			wait = due
		}
	}

	// Redis rejects sub-centisecond block timeouts; keep a floor.
	if wait < 50*time.Millisecond {
		wait = 50 * time.Millisecond
	}
	return wait, false
}

// promote moves matured scheduled jobs onto their ready lists.
func (q *RedisQueue) promote(ctx context.Context) {
	maxScore := strconv.FormatFloat(unixSeconds(q.now()), 'f', -1, 64)
	members, err := q.client.ZRangeByScore(ctx, scheduledKey(), &redis.ZRangeBy{
		Min: "0",
		Max: maxScore,
	}).Result()
	if err != nil {
		q.markDown("promote", err)
		return
	}
	for _, member := range members {
		item := q.decode(member)
		if item == nil {
			q.client.ZRem(ctx, scheduledKey(), member)
			continue
		}
		if err := q.client.LPush(ctx, readyKey(item.PriorityLabel), member).Err(); err != nil {
			q.markDown("promote", err)
			return
		}
		if err := q.client.ZRem(ctx, scheduledKey(), member).Err(); err != nil {
			q.markDown("promote", err)
			return
		}
	}
}

func (q *RedisQueue) decode(raw string) *Item {
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		q.log.Error("dropping undecodable queue payload", zap.Error(err))
		return nil
	}
	if item.JobType != JobTypeReconciliation {
		q.log.Warn("unexpected job type in queue payload", zap.String("job_type", item.JobType))
	}
	return &item
}

func (q *RedisQueue) Depth() int {
	if !q.healthy() {
		return q.fallback.Depth()
	}
	ctx := context.Background()
	total := 0
	for _, key := range q.readyKeys {
		n, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			q.markDown("depth", err)
			return q.fallback.Depth()
		}
		total += int(n)
	}
	n, err := q.client.ZCard(ctx, scheduledKey()).Result()
	if err != nil {
		q.markDown("depth", err)
		return q.fallback.Depth()
	}
	return total + int(n) + q.fallback.Depth()
}

func (q *RedisQueue) Purge() int {
	purged := q.fallback.Purge()
	if !q.healthy() {
		return purged
	}

	ctx := context.Background()
	for _, key := range q.readyKeys {
		n, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			q.markDown("purge", err)
			return purged
		}
		purged += int(n)
	}
	n, err := q.client.ZCard(ctx, scheduledKey()).Result()
	if err == nil {
		purged += int(n)
	}

	keys := append(append([]string{}, q.readyKeys...), scheduledKey())
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		q.markDown("purge", err)
	}
	observability.QueueDepth.WithLabelValues("redis").Set(0)
	return purged
}

func (q *RedisQueue) Shutdown() {
	q.mu.Lock()
	q.down = true
	q.mu.Unlock()
	q.fallback.Shutdown()
}

func (q *RedisQueue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.down
}

func (q *RedisQueue) Snapshot() map[string]any {
	if !q.healthy() {
		snap := q.fallback.Snapshot()
		snap["backend"] = "redis"
		snap["redis_active"] = false
		return snap
	}

	ctx := context.Background()
	ready := 0
	for _, key := range q.readyKeys {
		n, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			q.markDown("snapshot", err)
			snap := q.fallback.Snapshot()
			snap["backend"] = "redis"
			snap["redis_active"] = false
			return snap
		}
		ready += int(n)
	}
	scheduled := 0
	if n, err := q.client.ZCard(ctx, scheduledKey()).Result(); err == nil {
		scheduled = int(n)
	}

	return map[string]any{
		"backend":      "redis",
		"depth":        ready + scheduled,
		"ready":        ready,
		"scheduled":    scheduled,
		"shutdown":     q.IsShutdown(),
		"redis_active": true,
	}
}

// Close releases the Redis connection. The queue must be shut down
// first.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
