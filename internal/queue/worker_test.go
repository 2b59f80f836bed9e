package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradieflow/internal/models"
	"tradieflow/internal/services"
)

type call struct {
	ruleID  uint
	attempt int
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	errs  []error
	panic bool
}

func (f *fakeExecutor) ExecuteRule(_ context.Context, ruleID uint, _ models.TriggerContext, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{ruleID: ruleID, attempt: attempt})
	if f.panic {
		panic("boom")
	}
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func newTestWorker(exec RuleExecutor, maxAttempts int) (*Worker, *LocalQueue, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q := NewLocalQueue(nil, quietLogger())
	q.now = func() time.Time { return now }
	w := NewWorker(q, exec, WorkerConfig{BatchSize: 10, MaxAttempts: maxAttempts, BackoffBase: 30 * time.Second}, nil, quietLogger())
	w.now = func() time.Time { return now }
	return w, q, &now
}

func TestWorker_SuccessAcks(t *testing.T) {
	exec := &fakeExecutor{}
	w, q, _ := newTestWorker(exec, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob(1), 0, ""))
	n, err := w.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []call{{ruleID: 1, attempt: 1}}, exec.calls)

	delayed, processing := q.Len()
	assert.Zero(t, delayed+processing)
	assert.Empty(t, q.DeadLetters())
}

func TestWorker_RetryableFailureBacksOffThenDeadLetters(t *testing.T) {
	transient := &services.ActionError{Action: "send_email", Err: errors.New("502 from provider"), Retryable: true}
	exec := &fakeExecutor{errs: []error{transient, transient, transient}}
	w, q, now := newTestWorker(exec, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob(2), 0, ""))

	_, err := w.ProcessDue(ctx)
	require.NoError(t, err)
	delayed, _ := q.Len()
	assert.Equal(t, 1, delayed, "first failure is rescheduled")

	// not due yet
	n, err := w.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(30 * time.Second)
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)

	*now = now.Add(time.Minute)
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)

	assert.Equal(t, []call{{2, 1}, {2, 2}, {2, 3}}, exec.calls)
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Contains(t, dead[0].LastError, "502")
}

func TestWorker_PermanentFailureDeadLettersImmediately(t *testing.T) {
	exec := &fakeExecutor{errs: []error{&services.MissingRecipientError{Action: "send_email", Field: "customerEmail"}}}
	w, q, _ := newTestWorker(exec, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob(3), 0, ""))
	_, err := w.ProcessDue(ctx)
	require.NoError(t, err)

	assert.Len(t, exec.calls, 1)
	assert.Len(t, q.DeadLetters(), 1)
}

func TestWorker_PanicIsRecoveredAndRetried(t *testing.T) {
	exec := &fakeExecutor{panic: true}
	w, q, _ := newTestWorker(exec, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob(4), 0, ""))
	_, err := w.ProcessDue(ctx)
	require.NoError(t, err)

	delayed, processing := q.Len()
	assert.Equal(t, 1, delayed)
	assert.Zero(t, processing)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	exec := &fakeExecutor{}
	q := NewLocalQueue(nil, quietLogger())
	w := NewWorker(q, exec, WorkerConfig{PollInterval: 5 * time.Millisecond}, nil, quietLogger())

	require.NoError(t, q.Enqueue(context.Background(), testJob(9), 0, ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.calls) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestLocalQueue_Idempotency(t *testing.T) {
	q := NewLocalQueue(nil, quietLogger())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testJob(1), time.Hour, "rule-1-1"))
	require.NoError(t, q.Enqueue(ctx, testJob(1), time.Hour, "rule-1-1"))
	delayed, _ := q.Len()
	assert.Equal(t, 1, delayed)
}
