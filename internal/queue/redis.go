package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tradieflow/internal/metrics"
	"tradieflow/internal/services"
)

const (
	defaultKeyPrefix      = "tradieflow:automation"
	defaultIdempotencyTTL = 24 * time.Hour

	// DeadLetterMaxLen caps the dead letter list; the oldest entries are trimmed.
	DeadLetterMaxLen = 10000
)

// claimScript moves due members of the delayed set into the processing set,
// scored by their lease deadline, and returns their ids.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// reclaimScript returns jobs whose lease expired to the delayed set so they are
// delivered again.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// RedisQueue is a durable, at-least-once delayed queue on a sorted set.
//
// Keys under the prefix:
//
//	delayed     ZSET  job id → run-at (unix ms)
//	processing  ZSET  job id → lease deadline (unix ms)
//	jobs        HASH  job id → Envelope JSON
//	dead        LIST  dead-lettered Envelope JSON
//	idem:<key>  STRING, set once per idempotency key
type RedisQueue struct {
	rdb     *redis.Client
	prefix  string
	idemTTL time.Duration
	lease   time.Duration
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

type RedisQueueOptions struct {
	KeyPrefix      string
	IdempotencyTTL time.Duration
	Lease          time.Duration
	Metrics        *metrics.Metrics
}

func NewRedisQueue(rdb *redis.Client, opts RedisQueueOptions, logger *logrus.Logger) *RedisQueue {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	return &RedisQueue{
		rdb:     rdb,
		prefix:  opts.KeyPrefix,
		idemTTL: opts.IdempotencyTTL,
		lease:   opts.Lease,
		metrics: opts.Metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func (q *RedisQueue) key(name string) string { return q.prefix + ":" + name }

// Enqueue schedules job after delay. A repeated idempotency key within the TTL
// is accepted and dropped.
func (q *RedisQueue) Enqueue(ctx context.Context, job services.RuleJob, delay time.Duration, idempotencyKey string) error {
	now := q.now()
	env := &Envelope{
		ID:             uuid.New().String(),
		Job:            job,
		IdempotencyKey: idempotencyKey,
		RunAt:          now.Add(delay),
		EnqueuedAt:     now,
	}

	if idempotencyKey != "" {
		ok, err := q.rdb.SetNX(ctx, q.key("idem:"+idempotencyKey), env.ID, q.idemTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !ok {
			q.metrics.IncQueue("duplicate")
			q.logger.WithFields(logrus.Fields{
				"rule_id":         job.RuleID,
				"idempotency_key": idempotencyKey,
			}).Info("queue: duplicate schedule ignored")
			return nil
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("jobs"), env.ID, data)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(env.RunAt.UnixMilli()), Member: env.ID})
		return nil
	}); err != nil {
		if idempotencyKey != "" {
			_ = q.rdb.Del(ctx, q.key("idem:"+idempotencyKey)).Err()
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.metrics.IncQueue("enqueued")
	return nil
}

// Claim first returns expired leases to the delayed set, then claims due jobs.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]*Envelope, error) {
	if limit <= 0 {
		limit = 1
	}
	nowMs := now.UnixMilli()

	reclaimed, err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.key("processing"), q.key("delayed")},
		nowMs, limit).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if reclaimed > 0 {
		q.logger.Warnf("queue: %d job lease(s) expired, redelivering", reclaimed)
	}

	ids, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("processing")},
		nowMs, limit, now.Add(q.lease).UnixMilli()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := q.rdb.HMGet(ctx, q.key("jobs"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed jobs: %w", err)
	}

	out := make([]*Envelope, 0, len(ids))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// payload gone, drop the orphan id
			q.rdb.ZRem(ctx, q.key("processing"), ids[i])
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			q.logger.WithError(err).Warnf("queue: dropping undecodable job %s", ids[i])
			q.rdb.ZRem(ctx, q.key("processing"), ids[i])
			q.rdb.HDel(ctx, q.key("jobs"), ids[i])
			continue
		}
		out = append(out, &env)
	}
	q.metrics.IncQueueN("delivered", len(out))
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, env *Envelope) error {
	if _, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("processing"), env.ID)
		pipe.HDel(ctx, q.key("jobs"), env.ID)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", env.ID, err)
	}
	q.metrics.IncQueue("acked")
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, env *Envelope, runAt time.Time) error {
	env.RunAt = runAt
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("jobs"), env.ID, data)
		pipe.ZRem(ctx, q.key("processing"), env.ID)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: env.ID})
		return nil
	}); err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", env.ID, err)
	}
	q.metrics.IncQueue("retried")
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.key("dead"), data)
		pipe.LTrim(ctx, q.key("dead"), 0, DeadLetterMaxLen-1)
		pipe.ZRem(ctx, q.key("processing"), env.ID)
		pipe.HDel(ctx, q.key("jobs"), env.ID)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", env.ID, err)
	}
	q.metrics.IncQueue("dead_lettered")
	q.logger.WithFields(logrus.Fields{
		"job_id":  env.ID,
		"rule_id": env.Job.RuleID,
		"attempt": env.Attempt,
		"error":   env.LastError,
	}).Warn("queue: job moved to dead letter list")
	return nil
}

// DeadLetters returns up to count dead-lettered jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]Envelope, error) {
	if count <= 0 {
		count = 100
	}
	raw, err := q.rdb.LRange(ctx, q.key("dead"), 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]Envelope, 0, len(raw))
	for _, s := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Depth reports how many jobs are waiting and in flight.
func (q *RedisQueue) Depth(ctx context.Context) (delayed, processing int64, err error) {
	if delayed, err = q.rdb.ZCard(ctx, q.key("delayed")).Result(); err != nil {
		return 0, 0, err
	}
	if processing, err = q.rdb.ZCard(ctx, q.key("processing")).Result(); err != nil {
		return 0, 0, err
	}
	return delayed, processing, nil
}
