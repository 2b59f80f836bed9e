package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tradieflow/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection keeps every query on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeEmailSender struct {
	mu   sync.Mutex
	sent []EmailMessage
	err  error
}

func (f *fakeEmailSender) Send(_ context.Context, msg EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeEmailSender) messages() []EmailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EmailMessage(nil), f.sent...)
}

type fakeProvider struct {
	out     *Completion
	err     error
	delay   time.Duration
	calls   int
	systems []string
	users   []string
}

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	f.calls++
	f.systems = append(f.systems, systemPrompt)
	f.users = append(f.users, userPrompt)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

type enqueued struct {
	job   RuleJob
	delay time.Duration
	key   string
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, job RuleJob, delay time.Duration, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, enqueued{job: job, delay: delay, key: key})
	return nil
}

type engineFixture struct {
	db      *gorm.DB
	svc     *AutomationService
	email   *fakeEmailSender
	queue   *fakeQueue
	ai      *fakeProvider
	reviews *ReviewRequestService
	now     time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := newTestDB(t)
	logger := quietLogger()
	f := &engineFixture{
		db:    db,
		email: &fakeEmailSender{},
		queue: &fakeQueue{},
		ai:    &fakeProvider{},
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.reviews = NewReviewRequestService(db, logger)
	executor := NewActionExecutor(ActionExecutorOptions{
		Email:      f.email,
		Reviews:    f.reviews,
		AppBaseURL: "https://app.tradieflow.test/",
	}, logger)
	f.svc = NewAutomationService(db, AutomationServiceOptions{
		Queue:   f.queue,
		Content: NewContentGenerator(f.ai, time.Second, nil, logger),
		Actions: executor,
		Now:     func() time.Time { return f.now },
	}, logger)
	return f
}

func (f *engineFixture) createRule(t *testing.T, rule *models.AutomationRule) *models.AutomationRule {
	t.Helper()
	if rule.UserID == "" {
		rule.UserID = "u1"
	}
	if rule.Name == "" {
		rule.Name = "test rule"
	}
	if rule.TriggerType == "" {
		rule.TriggerType = models.TriggerJobCompleted
	}
	if rule.ActionType == "" {
		rule.ActionType = models.ActionSendEmail
	}
	if err := f.db.Create(rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func (f *engineFixture) reloadRule(t *testing.T, id uint) models.AutomationRule {
	t.Helper()
	var rule models.AutomationRule
	if err := f.db.First(&rule, id).Error; err != nil {
		t.Fatalf("reload rule: %v", err)
	}
	return rule
}

func (f *engineFixture) executions(t *testing.T, ruleID uint) []models.AutomationExecution {
	t.Helper()
	var out []models.AutomationExecution
	if err := f.db.Where("rule_id = ?", ruleID).Order("id ASC").Find(&out).Error; err != nil {
		t.Fatalf("load executions: %v", err)
	}
	return out
}
