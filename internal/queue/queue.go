package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tradieflow/internal/config"
	"tradieflow/internal/metrics"
	"tradieflow/internal/services"
)

const (
	// DefaultLease is how long a claimed job stays invisible before it is redelivered.
	DefaultLease = 5 * time.Minute

	maxBackoff = 6 * time.Hour
)

// Envelope is a scheduled job as stored by a backend.
type Envelope struct {
	ID             string           `json:"id"`
	Job            services.RuleJob `json:"job"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	// Attempt counts finished deliveries; the next delivery is Attempt+1.
	Attempt    int       `json:"attempt"`
	RunAt      time.Time `json:"run_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Backend stores delayed jobs and hands due ones to the Worker.
type Backend interface {
	services.DelayedQueue
	// Claim returns up to limit jobs due at now and hides them for the lease.
	Claim(ctx context.Context, now time.Time, limit int) ([]*Envelope, error)
	Ack(ctx context.Context, env *Envelope) error
	Retry(ctx context.Context, env *Envelope, runAt time.Time) error
	DeadLetter(ctx context.Context, env *Envelope) error
}

// Backoff returns base * 2^(attempt-1), capped at six hours.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg config.RedisConfig, logger *logrus.Logger) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	if logger != nil {
		logger.Infof("Connected to Redis at %s", addr)
	}
	return rdb, nil
}

// New builds the backend selected by cfg.Backend. rdb may be nil for the local backend.
func New(cfg config.QueueConfig, rdb *redis.Client, m *metrics.Metrics, logger *logrus.Logger) (Backend, error) {
	switch cfg.Backend {
	case "redis", "":
		if rdb == nil {
			return nil, fmt.Errorf("redis queue backend requires a redis client")
		}
		return NewRedisQueue(rdb, RedisQueueOptions{
			KeyPrefix:      cfg.KeyPrefix,
			IdempotencyTTL: cfg.IdempotencyTTL,
			Metrics:        m,
		}, logger), nil
	case "local":
		return NewLocalQueue(m, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}
