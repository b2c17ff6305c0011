package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"announcement-dispatcher/internal/config"
)

// RedisQueue keeps ready lists per priority, an in-flight lease set and a
// scheduled set for delayed work. Task fields live in a per-task hash.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	metaPrefix     string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewClient dials Redis using the shared connection settings.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities(cfg.PriorityQueues),
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		metaPrefix:     "queue:task:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

func (q *RedisQueue) metaFields(t Task) []any {
	return []any{
		"priority", t.Priority,
		"announcement_id", t.AnnouncementID,
		"recipient_id", t.RecipientID,
		"attempts", t.Attempts,
	}
}

// Enqueue stores the task and places it on its ready list, or in the
// scheduled set when runAt is in the future. A task whose record already
// exists is left alone and Enqueue reports false.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task, runAt time.Time) (bool, error) {
	if t.ID == "" {
		return false, ErrMissingID
	}
	t.Priority = normalizePriority(t.Priority, q.priorityQueues)
	var score int64 = -1
	if runAt.After(time.Now()) {
		score = runAt.UnixMilli()
	}
	keys := []string{q.metaKey(t.ID), q.scheduledKey, q.readyKey(t.Priority)}
	args := append([]any{t.ID, score}, q.metaFields(t)...)
	added, err := enqueueScript.Run(ctx, q.client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// Retry releases the lease on a task and schedules it again at runAt with
// the attempt count carried on t.
func (q *RedisQueue) Retry(ctx context.Context, t Task, runAt time.Time) error {
	t.Priority = normalizePriority(t.Priority, q.priorityQueues)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, t.ID)
	pipe.HSet(ctx, q.metaKey(t.ID), q.metaFields(t)...)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks onto their ready lists and
// returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := q.moveToReady(ctx, q.scheduledKey, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims tasks whose lease ran out.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := q.moveToReady(ctx, q.inflightKey, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

func (q *RedisQueue) moveToReady(ctx context.Context, from string, ids []string) error {
	reads := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = reads.HGet(ctx, q.metaKey(id), "priority")
	}
	if _, err := reads.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	pipe := q.client.TxPipeline()
	for i, id := range ids {
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(normalizePriority(cmds[i].Val(), q.priorityQueues)), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the next task in priority order and leases it for
// the visibility timeout. A zero Task means nothing was ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, nil
	}
	if err != nil {
		return Task{}, err
	}
	id, ok := res.(string)
	if !ok {
		return Task{}, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
	if err != nil {
		return Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	return Task{
		ID:             id,
		AnnouncementID: fields["announcement_id"],
		RecipientID:    fields["recipient_id"],
		Priority:       fields["priority"],
		Attempts:       attempts,
	}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
// It never re-leases a task that was acked or reclaimed.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	held, err := extendScript.Run(ctx, q.client, []string{q.inflightKey}, id, time.Now().Add(extension).UnixMilli()).Int()
	if err != nil {
		return err
	}
	if held == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Ack drops the lease and the task record.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush parks a task id for operator inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, id string) error {
	return q.client.RPush(ctx, q.dlqKey, id).Err()
}

// DLQPeek reads up to count dead-lettered ids, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
if tonumber(ARGV[2]) >= 0 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
else
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)
