package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tradieflow/internal/metrics"
	"tradieflow/internal/services"
)

// LocalQueue keeps jobs in process memory. Jobs are lost on restart, so it is
// only meant for development and tests.
type LocalQueue struct {
	mu         sync.Mutex
	delayed    map[string]*Envelope
	processing map[string]*Envelope
	idem       map[string]struct{}
	dead       []Envelope
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	now        func() time.Time
}

func NewLocalQueue(m *metrics.Metrics, logger *logrus.Logger) *LocalQueue {
	if logger == nil {
		logger = logrus.New()
	}
	return &LocalQueue{
		delayed:    make(map[string]*Envelope),
		processing: make(map[string]*Envelope),
		idem:       make(map[string]struct{}),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

func (q *LocalQueue) Enqueue(_ context.Context, job services.RuleJob, delay time.Duration, idempotencyKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if idempotencyKey != "" {
		if _, seen := q.idem[idempotencyKey]; seen {
			q.metrics.IncQueue("duplicate")
			return nil
		}
		q.idem[idempotencyKey] = struct{}{}
	}

	now := q.now()
	env := &Envelope{
		ID:             uuid.New().String(),
		Job:            job,
		IdempotencyKey: idempotencyKey,
		RunAt:          now.Add(delay),
		EnqueuedAt:     now,
	}
	q.delayed[env.ID] = env
	q.metrics.IncQueue("enqueued")
	return nil
}

func (q *LocalQueue) Claim(_ context.Context, now time.Time, limit int) ([]*Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]*Envelope, 0)
	for _, env := range q.delayed {
		if !env.RunAt.After(now) {
			due = append(due, env)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Envelope, 0, len(due))
	for _, env := range due {
		delete(q.delayed, env.ID)
		q.processing[env.ID] = env
		cp := *env
		out = append(out, &cp)
	}
	q.metrics.IncQueueN("delivered", len(out))
	return out, nil
}

func (q *LocalQueue) Ack(_ context.Context, env *Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, env.ID)
	q.metrics.IncQueue("acked")
	return nil
}

func (q *LocalQueue) Retry(_ context.Context, env *Envelope, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, env.ID)
	cp := *env
	cp.RunAt = runAt
	q.delayed[cp.ID] = &cp
	q.metrics.IncQueue("retried")
	return nil
}

func (q *LocalQueue) DeadLetter(_ context.Context, env *Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, env.ID)
	q.dead = append(q.dead, *env)
	q.metrics.IncQueue("dead_lettered")
	q.logger.WithFields(logrus.Fields{
		"job_id":  env.ID,
		"rule_id": env.Job.RuleID,
		"error":   env.LastError,
	}).Warn("queue: job moved to dead letter list")
	return nil
}

// Len returns the number of scheduled and in-flight jobs.
func (q *LocalQueue) Len() (delayed, processing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed), len(q.processing)
}

func (q *LocalQueue) DeadLetters() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Envelope(nil), q.dead...)
}
