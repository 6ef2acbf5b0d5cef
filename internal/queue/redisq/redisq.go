// Package redisq is a Redis backed queue.TaskQueue and queue.Consumer.
//
// Ready tasks sit in one list per priority; delayed tasks in one sorted set
// per priority scored by their due time in milliseconds. A received task
// moves into a processing hash keyed by its receipt, and the receipt is
// scored by its visibility deadline in an inflight set. Receipts whose
// deadline passes are returned to the high priority list, which covers
// workers that died between Receive and Ack.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/queue"
)

// Config tunes a Queue.
type Config struct {
	// Prefix namespaces every key. Defaults to "mailflow:tasks".
	Prefix string
	// PollInterval is how long Receive waits when nothing is ready.
	PollInterval time.Duration
	// VisibilityTimeout is how long a received task stays invisible before
	// it is handed to another worker.
	VisibilityTimeout time.Duration
	// PromoteBatch bounds how many due delayed tasks move per Receive.
	PromoteBatch int
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = "mailflow:tasks"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
}

// Queue implements queue.TaskQueue and queue.Consumer.
type Queue struct {
	client *redis.Client
	cfg    Config
	closed atomic.Bool
	now    func() time.Time
}

var (
	_ queue.TaskQueue = (*Queue)(nil)
	_ queue.Consumer  = (*Queue)(nil)
)

// New creates a Queue on client.
func New(client *redis.Client, cfg Config) *Queue {
	cfg.defaults()
	return &Queue{client: client, cfg: cfg, now: time.Now}
}

func (q *Queue) readyKey(p queue.Priority) string {
	return q.cfg.Prefix + ":ready:" + strconv.Itoa(int(p))
}

func (q *Queue) delayedKey(p queue.Priority) string {
	return q.cfg.Prefix + ":delayed:" + strconv.Itoa(int(p))
}

func (q *Queue) processingKey() string { return q.cfg.Prefix + ":processing" }
func (q *Queue) inflightKey() string   { return q.cfg.Prefix + ":inflight" }

// KEYS: delayed sets then ready lists, in the same priority order.
// ARGV: now ms, batch size.
var promoteScript = redis.NewScript(`
local n = #KEYS / 2
local moved = 0
for i = 1, n do
	local due = redis.call("zrangebyscore", KEYS[i], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
	for _, v in ipairs(due) do
		redis.call("zrem", KEYS[i], v)
		redis.call("lpush", KEYS[n + i], v)
		moved = moved + 1
	end
end
return moved
`)

// KEYS: inflight set, processing hash, high priority ready list.
// ARGV: now ms.
var recoverScript = redis.NewScript(`
local stale = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
for _, r in ipairs(stale) do
	local v = redis.call("hget", KEYS[2], r)
	if v then
		redis.call("rpush", KEYS[3], v)
	end
	redis.call("hdel", KEYS[2], r)
	redis.call("zrem", KEYS[1], r)
end
return #stale
`)

// KEYS: processing hash, inflight set, ready lists highest first.
// ARGV: receipt, deadline ms.
var popScript = redis.NewScript(`
for i = 3, #KEYS do
	local v = redis.call("rpop", KEYS[i])
	if v then
		redis.call("hset", KEYS[1], ARGV[1], v)
		redis.call("zadd", KEYS[2], ARGV[2], ARGV[1])
		return v
	end
end
return false
`)

// KEYS: processing hash, inflight set, target ready list.
// ARGV: receipt.
var requeueScript = redis.NewScript(`
local v = redis.call("hget", KEYS[1], ARGV[1])
if not v then
	return 0
end
redis.call("rpush", KEYS[3], v)
redis.call("hdel", KEYS[1], ARGV[1])
redis.call("zrem", KEYS[2], ARGV[1])
return 1
`)

// Enqueue stores t as ready, or delayed when opts.RetryDelay is set.
func (q *Queue) Enqueue(ctx context.Context, t queue.Task, opts queue.Options) error {
	if q.closed.Load() {
		return queue.ErrClosed
	}
	t = t.Apply(opts)
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if opts.RetryDelay > 0 {
		due := q.now().Add(opts.RetryDelay).UnixMilli()
		err = q.client.ZAdd(ctx, q.delayedKey(t.Priority), redis.Z{Score: float64(due), Member: body}).Err()
	} else {
		err = q.client.LPush(ctx, q.readyKey(t.Priority), body).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

// Receive claims the next ready task, highest priority first. It returns
// (nil, nil) after PollInterval when nothing is ready.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	if q.closed.Load() {
		return nil, queue.ErrClosed
	}
	d, err := q.tryReceive(ctx)
	if err != nil || d != nil {
		return d, err
	}
	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return q.tryReceive(ctx)
}

func (q *Queue) tryReceive(ctx context.Context) (*queue.Delivery, error) {
	now := q.now()
	if err := q.promote(ctx, now); err != nil {
		return nil, err
	}
	if n, err := recoverScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.processingKey(), q.readyKey(queue.PriorityHigh)},
		now.UnixMilli()).Int(); err != nil {
		return nil, fmt.Errorf("recover stale tasks: %w", err)
	} else if n > 0 {
		logger.Warn("recovered stale tasks", "count", n, "queue", q.cfg.Prefix)
	}

	keys := []string{q.processingKey(), q.inflightKey()}
	for _, p := range queue.Priorities {
		keys = append(keys, q.readyKey(p))
	}
	receipt := uuid.NewString()
	deadline := now.Add(q.cfg.VisibilityTimeout).UnixMilli()
	body, err := popScript.Run(ctx, q.client, keys, receipt, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop task: %w", err)
	}

	var t queue.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		// Unreadable entries would be redelivered forever.
		logger.Error("dropping undecodable task", "queue", q.cfg.Prefix, "error", err)
		_ = q.Ack(ctx, &queue.Delivery{Receipt: receipt})
		return nil, nil
	}
	return &queue.Delivery{Task: t, Receipt: receipt}, nil
}

func (q *Queue) promote(ctx context.Context, now time.Time) error {
	keys := make([]string, 0, 2*len(queue.Priorities))
	for _, p := range queue.Priorities {
		keys = append(keys, q.delayedKey(p))
	}
	for _, p := range queue.Priorities {
		keys = append(keys, q.readyKey(p))
	}
	if err := promoteScript.Run(ctx, q.client, keys, now.UnixMilli(), q.cfg.PromoteBatch).Err(); err != nil {
		return fmt.Errorf("promote delayed tasks: %w", err)
	}
	return nil
}

// Ack removes a delivery for good.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), d.Receipt)
		pipe.HDel(ctx, q.processingKey(), d.Receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Nack puts the delivery back on its ready list immediately.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery) error {
	keys := []string{q.processingKey(), q.inflightKey(), q.readyKey(d.Task.Priority)}
	if err := requeueScript.Run(ctx, q.client, keys, d.Receipt).Err(); err != nil {
		return fmt.Errorf("nack task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Stats counts tasks per state.
type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

// Stats reports the current queue depth.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		ready, delayed []*redis.IntCmd
		inflight       *redis.IntCmd
	)
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range queue.Priorities {
			ready = append(ready, pipe.LLen(ctx, q.readyKey(p)))
			delayed = append(delayed, pipe.ZCard(ctx, q.delayedKey(p)))
		}
		inflight = pipe.ZCard(ctx, q.inflightKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	var s Stats
	for i := range ready {
		s.Ready += ready[i].Val()
		s.Delayed += delayed[i].Val()
	}
	s.InFlight = inflight.Val()
	return s, nil
}

// Close makes further Enqueue and Receive calls fail with queue.ErrClosed.
// The Redis client is owned by the caller.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
