package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"tradieflow/internal/config"
)

// Pruner deletes terminal execution history older than a cutoff.
type Pruner interface {
	PruneExecutions(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sweeper runs Pruner on a cron schedule.
type Sweeper struct {
	pruner    Pruner
	retention time.Duration
	timeout   time.Duration
	cron      *cron.Cron
	logger    *logrus.Logger
}

// NewParser accepts five-field specs and descriptors such as @daily.
func NewParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// NewSweeper validates the schedule up front so a typo fails at startup.
func NewSweeper(cfg config.AutomationConfig, pruner Pruner, logger *logrus.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Sweeper{
		pruner:    pruner,
		retention: cfg.ExecutionRetention,
		timeout:   5 * time.Minute,
		cron:      cron.New(cron.WithParser(NewParser())),
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(cfg.RetentionSchedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.RetentionSchedule, err)
	}
	return s, nil
}

// Sweep runs one pruning pass.
func (s *Sweeper) Sweep() {
	if s.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.pruner.PruneExecutions(ctx, s.retention)
	if err != nil {
		s.logger.WithError(err).Error("retention sweep failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"deleted":   n,
		"retention": s.retention.String(),
	}).Debug("retention sweep finished")
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("retention sweeper started")
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("retention sweeper stopped")
}
