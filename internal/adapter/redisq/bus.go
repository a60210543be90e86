// Package redisq implements the task bus on Redis: list queues for stage
// handoff, a status hash per task for cheap reads, and per-task locks.
package redisq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/tiktok-wrapped/internal/adapter/observability"
	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// Options carries the key formats and the lock TTL.
type Options struct {
	StatusKeyFormat string
	LockKeyFormat   string
	LockTTL         time.Duration
}

// releaseLockScript deletes the lock only when still held by the acquirer, so
// a worker that overran the TTL cannot release a successor's lock.
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Bus is the Redis-backed domain.Bus.
type Bus struct {
	rdb     *redis.Client
	opts    Options
	release *redis.Script
}

// New constructs a Bus over the given client.
func New(rdb *redis.Client, opts Options) *Bus {
	if opts.StatusKeyFormat == "" {
		opts.StatusKeyFormat = "task:status:%s"
	}
	if opts.LockKeyFormat == "" {
		opts.LockKeyFormat = "task:lock:%s"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	return &Bus{rdb: rdb, opts: opts, release: redis.NewScript(releaseLockScript)}
}

func (b *Bus) statusKey(taskID string) string { return fmt.Sprintf(b.opts.StatusKeyFormat, taskID) }
func (b *Bus) lockKey(taskID string) string   { return fmt.Sprintf(b.opts.LockKeyFormat, taskID) }

// Push enqueues a message at the head of a queue. Consumers pop from the
// tail, so each queue is FIFO.
func (b *Bus) Push(ctx domain.Context, queue string, msg domain.TaskMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=bus.push: %w", err)
	}
	if err := b.rdb.LPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("op=bus.push: %w", err)
	}
	observability.EnqueueTask(stageLabel(queue))
	return nil
}

// stageLabel trims the key prefix so metrics carry the short stage name
// ("task:queue:verify" counts as "verify").
func stageLabel(queue string) string {
	if i := strings.LastIndexByte(queue, ':'); i >= 0 {
		return queue[i+1:]
	}
	return queue
}

// PopAny blocks up to timeout on the given queues in priority order. A nil
// message with a nil error means the timeout elapsed. Malformed payloads are
// dropped with a warning rather than wedging the consumer.
func (b *Bus) PopAny(ctx domain.Context, timeout time.Duration, queues ...string) (string, *domain.TaskMessage, error) {
	res, err := b.rdb.BRPop(ctx, timeout, queues...).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("op=bus.pop_any: %w", err)
	}
	var msg domain.TaskMessage
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		slog.Warn("dropping malformed queue message",
			slog.String("queue", res[0]),
			slog.Any("error", err))
		return "", nil, nil
	}
	return res[0], &msg, nil
}

// SetStatus writes fields into the task's status hash.
func (b *Bus) SetStatus(ctx domain.Context, taskID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := b.rdb.HSet(ctx, b.statusKey(taskID), fields).Err(); err != nil {
		return fmt.Errorf("op=bus.set_status: %w", err)
	}
	return nil
}

// IncrStatus increments a numeric field of the status hash.
func (b *Bus) IncrStatus(ctx domain.Context, taskID, field string, delta int64) (int64, error) {
	n, err := b.rdb.HIncrBy(ctx, b.statusKey(taskID), field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("op=bus.incr_status: %w", err)
	}
	return n, nil
}

// GetStatus reads the whole status hash; an empty map means no mirror.
func (b *Bus) GetStatus(ctx domain.Context, taskID string) (map[string]string, error) {
	fields, err := b.rdb.HGetAll(ctx, b.statusKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=bus.get_status: %w", err)
	}
	return fields, nil
}

type lock struct {
	bus *Bus
	key string
	val string
}

// Release deletes the lock only when still held by this acquirer.
func (l *lock) Release(ctx domain.Context) error {
	if err := l.bus.release.Run(ctx, l.bus.rdb, []string{l.key}, l.val).Err(); err != nil {
		return fmt.Errorf("op=bus.release_lock: %w", err)
	}
	return nil
}

// AcquireLock takes the per-task lock non-blocking. ok=false means another
// holder has it.
func (b *Bus) AcquireLock(ctx domain.Context, taskID string) (domain.Lock, bool, error) {
	val := uuid.NewString()
	key := b.lockKey(taskID)
	ok, err := b.rdb.SetNX(ctx, key, val, b.opts.LockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("op=bus.acquire_lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lock{bus: b, key: key, val: val}, true, nil
}
