package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tradieflow/internal/config"
	"tradieflow/internal/metrics"
	"tradieflow/internal/models"
	"tradieflow/internal/services"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 20
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 30 * time.Second
)

// RuleExecutor is the engine entrypoint invoked for each delivered job.
type RuleExecutor interface {
	ExecuteRule(ctx context.Context, ruleID uint, tctx models.TriggerContext, attempt int) error
}

// WorkerConfig 队列消费者配置
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
}

func WorkerConfigFrom(cfg config.QueueConfig) WorkerConfig {
	return WorkerConfig{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
	}
}

// Worker polls a Backend and runs due jobs through the engine. A failed job is
// retried with exponential backoff while the error is retryable and attempts
// remain, and dead-lettered otherwise.
type Worker struct {
	backend Backend
	exec    RuleExecutor
	cfg     WorkerConfig
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

func NewWorker(backend Backend, exec RuleExecutor, cfg WorkerConfig, m *metrics.Metrics, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	return &Worker{backend: backend, exec: exec, cfg: cfg, metrics: m, logger: logger, now: time.Now}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithFields(logrus.Fields{
		"poll_interval": w.cfg.PollInterval.String(),
		"batch_size":    w.cfg.BatchSize,
		"max_attempts":  w.cfg.MaxAttempts,
	}).Info("queue worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopped")
			return nil
		case <-ticker.C:
			for {
				n, err := w.ProcessDue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					w.logger.WithError(err).Warn("queue worker: poll failed")
					break
				}
				// drain a full batch before sleeping again
				if n < w.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// ProcessDue claims one batch of due jobs and handles each. It returns the
// number of jobs claimed.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	envs, err := w.backend.Claim(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, env := range envs {
		w.handle(ctx, env)
	}
	return len(envs), nil
}

func (w *Worker) handle(ctx context.Context, env *Envelope) {
	attempt := env.Attempt + 1
	log := w.logger.WithFields(logrus.Fields{
		"job_id":  env.ID,
		"rule_id": env.Job.RuleID,
		"attempt": attempt,
	})

	err := w.execute(ctx, env, attempt)
	if err == nil {
		if ackErr := w.backend.Ack(ctx, env); ackErr != nil {
			log.WithError(ackErr).Warn("queue worker: ack failed, job may be redelivered")
		}
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("queue worker: shutting down, job left for redelivery after its lease")
		return
	}

	env.Attempt = attempt
	env.LastError = err.Error()

	if services.IsRetryable(err) && attempt < w.cfg.MaxAttempts {
		runAt := w.now().Add(Backoff(w.cfg.BackoffBase, attempt))
		log.WithField("run_at", runAt.Format(time.RFC3339)).Warnf("queue worker: job failed, retrying: %v", err)
		if rErr := w.backend.Retry(ctx, env, runAt); rErr != nil {
			log.WithError(rErr).Error("queue worker: reschedule failed")
		}
		return
	}

	log.Errorf("queue worker: job failed permanently: %v", err)
	if dErr := w.backend.DeadLetter(ctx, env); dErr != nil {
		log.WithError(dErr).Error("queue worker: dead-letter failed")
	}
}

// execute converts a panic in the engine into a retryable error so one bad job
// cannot stop the worker.
func (w *Worker) execute(ctx context.Context, env *Envelope, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic executing rule %d: %v", env.Job.RuleID, r)
		}
	}()
	if env.Job.RuleID == 0 {
		return &services.ValidationError{Field: "rule_id", Message: "missing"}
	}
	return w.exec.ExecuteRule(ctx, env.Job.RuleID, env.Job.Context, attempt)
}
