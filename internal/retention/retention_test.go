package retention

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradieflow/internal/config"
)

type fakePruner struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (p *fakePruner) PruneExecutions(_ context.Context, olderThan time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, olderThan)
	return 3, p.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper(config.AutomationConfig{ExecutionRetention: time.Hour, RetentionSchedule: "every tuesday"}, &fakePruner{}, quietLogger())
	assert.Error(t, err)
}

func TestParser_AcceptsDescriptorsAndFiveFields(t *testing.T) {
	p := NewParser()
	for _, spec := range []string{"@daily", "@every 1h", "30 3 * * *"} {
		_, err := p.Parse(spec)
		assert.NoError(t, err, spec)
	}
	_, err := p.Parse("0 30 3 * * *")
	assert.Error(t, err, "seconds field is not accepted")
}

func TestSweep_UsesConfiguredRetention(t *testing.T) {
	pruner := &fakePruner{}
	s, err := NewSweeper(config.AutomationConfig{ExecutionRetention: 90 * 24 * time.Hour, RetentionSchedule: "@daily"}, pruner, quietLogger())
	require.NoError(t, err)

	s.Sweep()
	pruner.err = errors.New("db down")
	s.Sweep()
	assert.Equal(t, []time.Duration{90 * 24 * time.Hour, 90 * 24 * time.Hour}, pruner.calls)
}

func TestSweep_DisabledRetention(t *testing.T) {
	pruner := &fakePruner{}
	s, err := NewSweeper(config.AutomationConfig{RetentionSchedule: "@daily"}, pruner, quietLogger())
	require.NoError(t, err)

	s.Sweep()
	assert.Empty(t, pruner.calls)
}

func TestSweeper_StartStop(t *testing.T) {
	s, err := NewSweeper(config.AutomationConfig{ExecutionRetention: time.Hour, RetentionSchedule: "@hourly"}, &fakePruner{}, quietLogger())
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
