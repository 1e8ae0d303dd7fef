// Package redis implements queue.Broker on Redis Streams with a consumer
// group. Task state lives in one hash per task; delayed retries wait in a
// sorted set and are moved back onto the stream when due.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-media/pkg/simplemedia/queue"
)

// Config for the Redis broker
type Config struct {
	// Prefix namespaces every key. Default "simplemedia:queue".
	Prefix string
	Group  string
	// Consumer names this process within the group. Default host-pid-random.
	Consumer string
	// Block bounds one XREADGROUP wait so Reserve notices ctx and due retries.
	Block time.Duration
	// ClaimIdle is how long a delivery may stay unacknowledged before another
	// consumer takes it over.
	ClaimIdle time.Duration
	// Retention keeps completed task records inspectable.
	Retention time.Duration
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = "simplemedia:queue"
	}
	if c.Group == "" {
		c.Group = "variant-workers"
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
}

// Broker is a queue.Broker backed by Redis Streams
type Broker struct {
	rdb redis.UniversalClient
	cfg Config
}

// enqueueScript writes the task record and appends to the stream unless a
// live record with the same id exists. A retry record counts as live only
// while it still waits in the delayed set.
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'pending' or state == 'active' then
  return 0
end
if state == 'retry' and redis.call('ZSCORE', KEYS[3], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'type', ARGV[2], 'payload', ARGV[3],
  'state', 'pending', 'attempt', 0, 'enqueued_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('XADD', KEYS[2], '*', 'id', ARGV[1])
return 1
`)

// promoteScript moves due retries from the delayed set back onto the stream
// in one step. Members whose record left the retry state are dropped.
// Task keys are built from ARGV[3], so every key must live on one node.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'state') == 'retry' then
    redis.call('HSET', key, 'state', 'pending', 'updated_at', ARGV[4])
    redis.call('XADD', KEYS[2], '*', 'id', id)
    moved = moved + 1
  end
end
return moved
`)

// New creates the consumer group if needed and returns a Broker
func New(ctx context.Context, rdb redis.UniversalClient, cfg Config) (*Broker, error) {
	cfg.defaults()
	b := &Broker{rdb: rdb, cfg: cfg}

	err := rdb.XGroupCreateMkStream(ctx, b.streamKey(), cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return b, nil
}

func (b *Broker) streamKey() string  { return b.cfg.Prefix + ":stream" }
func (b *Broker) delayedKey() string { return b.cfg.Prefix + ":delayed" }
func (b *Broker) taskKey(id string) string {
	return b.cfg.Prefix + ":task:" + id
}

func (b *Broker) Enqueue(ctx context.Context, task *queue.Task) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	added, err := enqueueScript.Run(ctx, b.rdb,
		[]string{b.taskKey(task.ID), b.streamKey(), b.delayedKey()},
		task.ID, task.Type, string(task.Payload), now,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	if added == 0 {
		return queue.ErrDuplicateTask
	}
	return nil
}

func (b *Broker) Reserve(ctx context.Context) (*queue.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.promoteDue(ctx); err != nil {
			return nil, err
		}

		msg, err := b.next(ctx)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}

		d, err := b.activate(ctx, msg)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
}

// promoteDue moves retries whose delay has passed back onto the stream.
func (b *Broker) promoteDue(ctx context.Context) error {
	now := time.Now()
	err := promoteScript.Run(ctx, b.rdb,
		[]string{b.delayedKey(), b.streamKey()},
		now.UnixMilli(), 16, b.taskKey(""), now.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed tasks: %w", err)
	}
	return nil
}

// next returns an abandoned delivery if one has idled past ClaimIdle,
// otherwise waits up to Block for a new one. Nil means nothing arrived.
func (b *Broker) next(ctx context.Context) (*redis.XMessage, error) {
	claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.streamKey(),
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim idle tasks: %w", err)
	}
	if len(claimed) > 0 {
		return &claimed[0], nil
	}

	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.streamKey(), ">"},
		Count:    1,
		Block:    b.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0], nil
		}
	}
	return nil, nil
}

// activate marks the task active and counts the attempt. Stream entries whose
// record is gone or settled are acknowledged and skipped.
func (b *Broker) activate(ctx context.Context, msg *redis.XMessage) (*queue.Delivery, error) {
	id, _ := msg.Values["id"].(string)
	fields := map[string]string{}
	if id != "" {
		var err error
		fields, err = b.rdb.HGetAll(ctx, b.taskKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
	}

	state := queue.State(fields["state"])
	if id == "" || (state != queue.StatePending && state != queue.StateActive) {
		if err := b.ack(ctx, b.rdb, msg.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var attempt *redis.IntCmd
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.taskKey(id), "state", string(queue.StateActive), "updated_at", now)
		attempt = pipe.HIncrBy(ctx, b.taskKey(id), "attempt", 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}

	enqueuedAt, _ := time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	return &queue.Delivery{
		Task: queue.Task{
			ID:         id,
			Type:       fields["type"],
			Payload:    json.RawMessage(fields["payload"]),
			Attempt:    int(attempt.Val()),
			EnqueuedAt: enqueuedAt,
		},
		Receipt: msg.ID,
	}, nil
}

func (b *Broker) ack(ctx context.Context, c redis.Cmdable, receipt string) error {
	if err := c.XAck(ctx, b.streamKey(), b.cfg.Group, receipt).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", receipt, err)
	}
	return c.XDel(ctx, b.streamKey(), receipt).Err()
}

func (b *Broker) settle(ctx context.Context, d *queue.Delivery, fn func(pipe redis.Pipeliner, key string)) error {
	key := b.taskKey(d.Task.ID)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(pipe, key)
		pipe.HSet(ctx, key, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
		pipe.XAck(ctx, b.streamKey(), b.cfg.Group, d.Receipt)
		pipe.XDel(ctx, b.streamKey(), d.Receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle %s: %w", d.Task.ID, err)
	}
	return nil
}

func (b *Broker) Complete(ctx context.Context, d *queue.Delivery, result []byte) error {
	return b.settle(ctx, d, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key, "state", string(queue.StateCompleted), "result", string(result))
		pipe.HDel(ctx, key, "last_error")
		pipe.Expire(ctx, key, b.cfg.Retention)
	})
}

func (b *Broker) Retry(ctx context.Context, d *queue.Delivery, delay time.Duration, cause error) error {
	return b.settle(ctx, d, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key, "state", string(queue.StateRetry), "last_error", errString(cause))
		pipe.ZAdd(ctx, b.delayedKey(), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: d.Task.ID,
		})
	})
}

// Fail keeps the record without expiry for operator inspection.
func (b *Broker) Fail(ctx context.Context, d *queue.Delivery, cause error) error {
	return b.settle(ctx, d, func(pipe redis.Pipeliner, key string) {
		pipe.HSet(ctx, key, "state", string(queue.StateFailed), "last_error", errString(cause))
		pipe.Persist(ctx, key)
	})
}

func (b *Broker) Info(ctx context.Context, taskID string) (*queue.TaskInfo, error) {
	fields, err := b.rdb.HGetAll(ctx, b.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrTaskNotFound
	}

	attempt, _ := strconv.Atoi(fields["attempt"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
	info := &queue.TaskInfo{
		ID:        taskID,
		Type:      fields["type"],
		State:     queue.State(fields["state"]),
		Attempt:   attempt,
		LastError: fields["last_error"],
		Payload:   json.RawMessage(fields["payload"]),
		UpdatedAt: updatedAt,
	}
	if r := fields["result"]; r != "" {
		info.Result = json.RawMessage(r)
	}
	return info, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ queue.Broker = (*Broker)(nil)
