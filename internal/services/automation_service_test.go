package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradieflow/internal/models"
)

func jobCompletedContext() models.TriggerContext {
	return models.TriggerContext{
		"userId":        "u1",
		"customerName":  "Jo",
		"customerEmail": "jo@example.com",
		"jobTitle":      "tap install",
		"jobId":         "job-1",
	}
}

func TestProcessTrigger_SendsEmailImmediately(t *testing.T) {
	f := newEngineFixture(t)
	rule := f.createRule(t, &models.AutomationRule{
		IsActive:      true,
		StaticContent: "Thanks {{customerName}} for {{jobTitle}}!",
	})

	result, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, jobCompletedContext())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, []uint{rule.ID}, result.Executed)
	assert.Empty(t, result.Queued)
	assert.Empty(t, result.Failed)

	msgs := f.email.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "jo@example.com", msgs[0].To)
	assert.Contains(t, msgs[0].HTML, "Thanks Jo for tap install!")

	execs := f.executions(t, rule.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionSuccess, execs[0].Status)
	assert.Equal(t, "Thanks Jo for tap install!", execs[0].GeneratedContent)
	assert.Equal(t, 0, execs[0].AITokensUsed)
	assert.Equal(t, 1, execs[0].Attempt)
	assert.NotNil(t, execs[0].CompletedAt)
	assert.Equal(t, "Jo", execs[0].TriggerContext.String("customerName"))

	stored := f.reloadRule(t, rule.ID)
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.Equal(t, 1, stored.SuccessCount)
	assert.Equal(t, 0, stored.FailureCount)
	require.NotNil(t, stored.LastExecutedAt)
}

func TestProcessTrigger_AIContentRecordsTokens(t *testing.T) {
	f := newEngineFixture(t)
	f.ai.out = &Completion{Text: "Cheers Jo, enjoy the new tap.", TokensUsed: 57}
	rule := f.createRule(t, &models.AutomationRule{
		IsActive:      true,
		UseAI:         true,
		AIPrompt:      "Thank {{customerName}}",
		StaticContent: "Thanks {{customerName}}",
	})

	_, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, jobCompletedContext())
	require.NoError(t, err)

	execs := f.executions(t, rule.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, "Cheers Jo, enjoy the new tap.", execs[0].GeneratedContent)
	assert.Equal(t, 57, execs[0].AITokensUsed)
}

func TestProcessTrigger_AIFailureFallsBackToStatic(t *testing.T) {
	f := newEngineFixture(t)
	f.ai.err = errors.New("provider down")
	rule := f.createRule(t, &models.AutomationRule{
		IsActive:      true,
		UseAI:         true,
		AIPrompt:      "Thank {{customerName}}",
		StaticContent: "Thanks {{customerName}}",
	})

	result, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, jobCompletedContext())
	require.NoError(t, err)
	assert.Equal(t, []uint{rule.ID}, result.Executed)

	execs := f.executions(t, rule.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionSuccess, execs[0].Status)
	assert.Equal(t, "Thanks Jo", execs[0].GeneratedContent)
	assert.Equal(t, 0, execs[0].AITokensUsed)
}

func TestProcessTrigger_MissingRecipientFailsExecution(t *testing.T) {
	f := newEngineFixture(t)
	rule := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi"})

	tctx := jobCompletedContext()
	delete(tctx, "customerEmail")
	result, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, tctx)
	require.NoError(t, err)
	assert.Empty(t, result.Executed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, rule.ID, result.Failed[0].RuleID)
	assert.Contains(t, result.Failed[0].Error, "customerEmail")

	execs := f.executions(t, rule.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Contains(t, execs[0].ErrorMessage, "missing recipient")

	stored := f.reloadRule(t, rule.ID)
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.Equal(t, 0, stored.SuccessCount)
	assert.Equal(t, 1, stored.FailureCount)
	assert.Empty(t, f.email.messages())
}

func TestProcessTrigger_OneFailureDoesNotStopOthers(t *testing.T) {
	f := newEngineFixture(t)
	sms := f.createRule(t, &models.AutomationRule{IsActive: true, ActionType: models.ActionSendSMS, StaticContent: "sms"})
	email := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "email"})

	tctx := jobCompletedContext()
	tctx["customerPhone"] = "+61400000000"
	result, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, tctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Matched)
	assert.Equal(t, []uint{email.ID}, result.Executed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, sms.ID, result.Failed[0].RuleID)
	assert.Len(t, f.email.messages(), 1)
}

func TestProcessTrigger_Filtering(t *testing.T) {
	f := newEngineFixture(t)
	matching := f.createRule(t, &models.AutomationRule{
		IsActive:          true,
		StaticContent:     "hi",
		TriggerConditions: models.Conditions{"jobType": "plumbing"},
	})
	f.createRule(t, &models.AutomationRule{
		IsActive:          true,
		StaticContent:     "hi",
		TriggerConditions: models.Conditions{"jobType": "electrical"},
	})
	f.createRule(t, &models.AutomationRule{IsActive: false, StaticContent: "inactive"})
	f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi", TriggerType: models.TriggerInvoicePaid})
	f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi", UserID: "u2"})
	f.createRule(t, &models.AutomationRule{
		IsActive:          true,
		StaticContent:     "hi",
		TriggerConditions: models.Conditions{"tags": []interface{}{"x"}},
	})

	tctx := jobCompletedContext()
	tctx["jobType"] = "plumbing"
	tctx["tags"] = []interface{}{"x"}
	result, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, tctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, []uint{matching.ID}, result.Executed)

	var count int64
	require.NoError(t, f.db.Model(&models.AutomationExecution{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProcessTrigger_NoRules(t *testing.T) {
	f := newEngineFixture(t)

	result, err := f.svc.ProcessTrigger(context.Background(), models.TriggerQuoteSent, models.TriggerContext{"userId": "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Matched)
	assert.Empty(t, result.Executed)
	assert.Empty(t, result.Queued)
}

func TestProcessTrigger_Validation(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.svc.ProcessTrigger(context.Background(), models.TriggerType("job_started"), jobCompletedContext())
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "trigger_type", verr.Field)

	_, err = f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, models.TriggerContext{"customerName": "Jo"})
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "context.userId", verr.Field)
}

func TestProcessTrigger_DelayedRuleIsQueued(t *testing.T) {
	f := newEngineFixture(t)
	rule := f.createRule(t, &models.AutomationRule{
		IsActive:      true,
		DelayDays:     1,
		DelayHours:    12,
		StaticContent: "later",
	})

	result, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, jobCompletedContext())
	require.NoError(t, err)
	assert.Equal(t, []uint{rule.ID}, result.Queued)
	assert.Empty(t, result.Executed)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, rule.ID, job.job.RuleID)
	assert.Equal(t, int64(129_600_000), job.delay.Milliseconds())
	assert.Equal(t, IdempotencyKey(rule.ID, nil, f.now), job.key)
	assert.Equal(t, "Jo", job.job.Context.String("customerName"))

	// nothing is executed until the job comes due
	assert.Empty(t, f.executions(t, rule.ID))
	assert.Empty(t, f.email.messages())
}

func TestProcessTrigger_EnqueueFailureIsReported(t *testing.T) {
	f := newEngineFixture(t)
	f.queue.err = errors.New("redis unavailable")
	rule := f.createRule(t, &models.AutomationRule{IsActive: true, DelayHours: 2, StaticContent: "later"})

	result, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, jobCompletedContext())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, rule.ID, result.Failed[0].RuleID)
	assert.Contains(t, result.Failed[0].Error, "redis unavailable")
}

func TestReviewRequestEndToEnd(t *testing.T) {
	f := newEngineFixture(t)
	rule := f.createRule(t, &models.AutomationRule{
		IsActive:      true,
		DelayDays:     7,
		ActionType:    models.ActionRequestReview,
		StaticContent: "Hi {{customerName}}, how did we go with the {{jobTitle}}?",
	})

	_, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, jobCompletedContext())
	require.NoError(t, err)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, 7*24*time.Hour, f.queue.jobs[0].delay)

	// the worker picks the job up once due
	job := f.queue.jobs[0].job
	require.NoError(t, f.svc.ExecuteRule(context.Background(), job.RuleID, job.Context, 1))

	reqs, total, err := f.reviews.List(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, models.ReviewSent, reqs[0].Status)
	require.NotNil(t, reqs[0].JobID)
	assert.Equal(t, "job-1", *reqs[0].JobID)

	msgs := f.email.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].HTML, "how did we go with the tap install?")
	assert.Contains(t, msgs[0].HTML, "https://app.tradieflow.test/review/"+reqs[0].Token)

	_, err = f.reviews.TrackClick(context.Background(), reqs[0].Token)
	require.NoError(t, err)
	rating := 5
	done, err := f.reviews.Complete(context.Background(), reqs[0].Token, &rating, "")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewCompleted, done.Status)

	stored := f.reloadRule(t, rule.ID)
	assert.Equal(t, 1, stored.SuccessCount)
}

func TestExecuteRule_SkipsMissingAndInactive(t *testing.T) {
	f := newEngineFixture(t)
	inactive := f.createRule(t, &models.AutomationRule{IsActive: false, StaticContent: "hi"})

	require.NoError(t, f.svc.ExecuteRule(context.Background(), 9999, jobCompletedContext(), 1))
	require.NoError(t, f.svc.ExecuteRule(context.Background(), inactive.ID, jobCompletedContext(), 1))
	assert.Empty(t, f.executions(t, inactive.ID))
	assert.Empty(t, f.email.messages())
}

func TestExecuteRule_ReturnsActionErrorAndRecordsAttempt(t *testing.T) {
	f := newEngineFixture(t)
	f.email.err = &EmailDeliveryError{StatusCode: 502}
	rule := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi"})

	err := f.svc.ExecuteRule(context.Background(), rule.ID, jobCompletedContext(), 3)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	execs := f.executions(t, rule.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, 3, execs[0].Attempt)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Equal(t, 1, f.reloadRule(t, rule.ID).FailureCount)
}

type panickingSender struct{}

func (panickingSender) Send(context.Context, EmailMessage) error { panic("boom") }

func TestExecuteRule_PanicLeavesTerminalRow(t *testing.T) {
	f := newEngineFixture(t)
	f.svc.actions = NewActionExecutor(ActionExecutorOptions{Email: panickingSender{}}, quietLogger())
	rule := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi"})

	assert.Panics(t, func() {
		_ = f.svc.ExecuteRule(context.Background(), rule.ID, jobCompletedContext(), 1)
	})

	execs := f.executions(t, rule.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Contains(t, execs[0].ErrorMessage, "panic")
	assert.Equal(t, 1, f.reloadRule(t, rule.ID).FailureCount)
}

func TestExecutionCountersStayConsistent(t *testing.T) {
	f := newEngineFixture(t)
	rule := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi"})

	ok := jobCompletedContext()
	missing := jobCompletedContext()
	delete(missing, "customerEmail")
	for i := 0; i < 5; i++ {
		tctx := ok
		if i%2 == 1 {
			tctx = missing
		}
		_, err := f.svc.ProcessTrigger(context.Background(), models.TriggerJobCompleted, tctx)
		require.NoError(t, err)
	}

	stored := f.reloadRule(t, rule.ID)
	assert.Equal(t, 5, stored.ExecutionCount)
	assert.Equal(t, 3, stored.SuccessCount)
	assert.Equal(t, 2, stored.FailureCount)
	assert.Equal(t, stored.ExecutionCount, stored.SuccessCount+stored.FailureCount)
}

func validRuleRequest() *AutomationRuleRequest {
	return &AutomationRuleRequest{
		Name:          "  Thank you email  ",
		TriggerType:   models.TriggerJobCompleted,
		ActionType:    models.ActionSendEmail,
		StaticContent: "Thanks {{customerName}}",
	}
}

func TestCreateRule(t *testing.T) {
	f := newEngineFixture(t)

	rule, err := f.svc.CreateRule(context.Background(), "u1", validRuleRequest())
	require.NoError(t, err)
	assert.NotZero(t, rule.ID)
	assert.Equal(t, "Thank you email", rule.Name)
	assert.True(t, rule.IsActive)
	assert.Equal(t, "u1", rule.UserID)
	assert.Zero(t, rule.ExecutionCount)

	inactive := false
	req := validRuleRequest()
	req.IsActive = &inactive
	rule, err = f.svc.CreateRule(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.False(t, f.reloadRule(t, rule.ID).IsActive)
}

func TestCreateRule_Validation(t *testing.T) {
	f := newEngineFixture(t)

	tests := []struct {
		name  string
		mut   func(*AutomationRuleRequest)
		field string
	}{
		{"missing name", func(r *AutomationRuleRequest) { r.Name = "" }, "name"},
		{"bad trigger", func(r *AutomationRuleRequest) { r.TriggerType = "job_started" }, "trigger_type"},
		{"bad action", func(r *AutomationRuleRequest) { r.ActionType = "send_fax" }, "action_type"},
		{"negative delay", func(r *AutomationRuleRequest) { r.DelayDays = -1 }, "delay_days"},
		{"ai without prompt", func(r *AutomationRuleRequest) { r.UseAI = true }, "ai_prompt"},
		{"email without content", func(r *AutomationRuleRequest) { r.StaticContent = "" }, "static_content"},
		{"nested condition", func(r *AutomationRuleRequest) {
			r.TriggerConditions = models.Conditions{"a": map[string]interface{}{"b": 1}}
		}, "trigger_conditions"},
		{"mismatched action config", func(r *AutomationRuleRequest) {
			r.ActionConfig = models.ActionConfig{Review: &models.ReviewActionConfig{}}
		}, "action_config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRuleRequest()
			tt.mut(req)
			_, err := f.svc.CreateRule(context.Background(), "u1", req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	task := validRuleRequest()
	task.ActionType = models.ActionCreateTask
	task.StaticContent = ""
	_, err := f.svc.CreateRule(context.Background(), "u1", task)
	assert.NoError(t, err, "create_task needs no content")

	_, err = f.svc.CreateRule(context.Background(), "", validRuleRequest())
	assert.Error(t, err)
}

func TestRuleOwnership(t *testing.T) {
	f := newEngineFixture(t)
	rule, err := f.svc.CreateRule(context.Background(), "u1", validRuleRequest())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.svc.GetRule(ctx, "u2", rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	name := "stolen"
	_, err = f.svc.UpdateRule(ctx, "u2", rule.ID, &AutomationRuleUpdateRequest{Name: &name})
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = f.svc.ToggleRule(ctx, "u2", rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, f.svc.DeleteRule(ctx, "u2", rule.ID), ErrRuleNotFound)
	_, err = f.svc.TestRule(ctx, "u2", rule.ID, nil)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	rules, total, err := f.svc.ListRules(ctx, "u2", nil)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rules)
}

func TestUpdateRule_PartialAndCountersUntouched(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rule, err := f.svc.CreateRule(ctx, "u1", validRuleRequest())
	require.NoError(t, err)
	require.NoError(t, f.db.Model(rule).UpdateColumns(map[string]interface{}{
		"execution_count": 4, "success_count": 3, "failure_count": 1,
	}).Error)

	days := 3
	updated, err := f.svc.UpdateRule(ctx, "u1", rule.ID, &AutomationRuleUpdateRequest{
		DelayDays:    &days,
		ActionConfig: &models.ActionConfig{Email: &models.EmailActionConfig{Subject: "Cheers"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.DelayDays)
	assert.Equal(t, "Thank you email", updated.Name)
	assert.Equal(t, "Cheers", updated.ActionConfig.EmailSubject())
	assert.Equal(t, 4, updated.ExecutionCount)
	assert.Equal(t, 3, updated.SuccessCount)

	off := false
	updated, err = f.svc.UpdateRule(ctx, "u1", rule.ID, &AutomationRuleUpdateRequest{IsActive: &off})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	empty := ""
	_, err = f.svc.UpdateRule(ctx, "u1", rule.ID, &AutomationRuleUpdateRequest{StaticContent: &empty})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestToggleRule(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rule, err := f.svc.CreateRule(ctx, "u1", validRuleRequest())
	require.NoError(t, err)

	toggled, err := f.svc.ToggleRule(ctx, "u1", rule.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	toggled, err = f.svc.ToggleRule(ctx, "u1", rule.ID)
	require.NoError(t, err)
	assert.True(t, toggled.IsActive)
}

func TestDeleteRule_RemovesHistory(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rule := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi"})
	_, err := f.svc.ProcessTrigger(ctx, models.TriggerJobCompleted, jobCompletedContext())
	require.NoError(t, err)
	require.Len(t, f.executions(t, rule.ID), 1)

	require.NoError(t, f.svc.DeleteRule(ctx, "u1", rule.ID))
	_, err = f.svc.GetRule(ctx, "u1", rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.Empty(t, f.executions(t, rule.ID))
	assert.ErrorIs(t, f.svc.DeleteRule(ctx, "u1", rule.ID), ErrRuleNotFound)
}

func TestListRules_Filters(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "a"})
	f.createRule(t, &models.AutomationRule{IsActive: false, StaticContent: "b"})
	f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "c", TriggerType: models.TriggerInvoicePaid})

	_, total, err := f.svc.ListRules(ctx, "u1", &AutomationRuleListRequest{Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	active := true
	rules, total, err := f.svc.ListRules(ctx, "u1", &AutomationRuleListRequest{Active: &active, TriggerType: "job_completed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "a", rules[0].StaticContent)

	page, total, err := f.svc.ListRules(ctx, "u1", &AutomationRuleListRequest{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 1)
}

func TestTestRule(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rule := f.createRule(t, &models.AutomationRule{
		IsActive:      false,
		DelayDays:     30,
		StaticContent: "Hi {{customerName}}, invoice {{invoiceNumber}}",
	})

	exec, err := f.svc.TestRule(ctx, "u1", rule.ID, models.TriggerContext{
		"customerEmail": "owner@example.com",
		"userId":        "someone-else",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Equal(t, "Hi Test Customer, invoice INV-0001", exec.GeneratedContent)
	assert.Equal(t, "u1", exec.TriggerContext.UserID())
	assert.Empty(t, f.queue.jobs, "tests run immediately regardless of delay")

	// without a recipient the failed execution is still returned
	exec, err = f.svc.TestRule(ctx, "u1", rule.ID, nil)
	require.Error(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
}

func TestListExecutionsAndStats(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.ai.out = &Completion{Text: "ai text", TokensUsed: 10}
	rule := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi", UseAI: true, AIPrompt: "p"})
	other := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi", UserID: "u2"})

	missing := jobCompletedContext()
	delete(missing, "customerEmail")
	for _, tctx := range []models.TriggerContext{jobCompletedContext(), missing, jobCompletedContext()} {
		_, err := f.svc.ProcessTrigger(ctx, models.TriggerJobCompleted, tctx)
		require.NoError(t, err)
	}
	u2 := jobCompletedContext()
	u2["userId"] = "u2"
	_, err := f.svc.ProcessTrigger(ctx, models.TriggerJobCompleted, u2)
	require.NoError(t, err)

	execs, total, err := f.svc.ListExecutions(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	for _, e := range execs {
		assert.Equal(t, rule.ID, e.RuleID)
	}

	failed, total, err := f.svc.ListExecutions(ctx, "u1", &ExecutionListRequest{Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, models.ExecutionFailed, failed[0].Status)

	_, _, err = f.svc.ListExecutions(ctx, "u1", &ExecutionListRequest{RuleID: &other.ID})
	assert.ErrorIs(t, err, ErrRuleNotFound)

	stats, err := f.svc.GetRuleStats(ctx, "u1", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ExecutionCount)
	assert.Equal(t, 2, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.0001)
	assert.Equal(t, int64(30), stats.AITokensUsed)
	assert.Zero(t, stats.Pending)
	assert.NotNil(t, stats.LastExecutedAt)
}

func TestPruneExecutions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rule := f.createRule(t, &models.AutomationRule{IsActive: true, StaticContent: "hi"})

	old := f.now.Add(-100 * 24 * time.Hour)
	rows := []models.AutomationExecution{
		{RuleID: rule.ID, Status: models.ExecutionSuccess, ExecutedAt: old},
		{RuleID: rule.ID, Status: models.ExecutionFailed, ExecutedAt: old},
		{RuleID: rule.ID, Status: models.ExecutionPending, ExecutedAt: old},
		{RuleID: rule.ID, Status: models.ExecutionSuccess, ExecutedAt: f.now.Add(-time.Hour)},
	}
	require.NoError(t, f.db.Create(&rows).Error)

	deleted, err := f.svc.PruneExecutions(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	left := f.executions(t, rule.ID)
	require.Len(t, left, 2)
	statuses := []string{string(left[0].Status), string(left[1].Status)}
	assert.Equal(t, "pending,success", strings.Join(statuses, ","))

	deleted, err = f.svc.PruneExecutions(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestCreateRule_FlatActionConfig(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	var req AutomationRuleRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"name": "Thanks",
		"trigger_type": "job_completed",
		"action_type": "send_email",
		"static_content": "Thanks {{customerName}}",
		"action_config": {"subject": "Custom subject"}
	}`), &req))
	rule, err := f.svc.CreateRule(ctx, "u1", &req)
	require.NoError(t, err)

	stored := f.reloadRule(t, rule.ID)
	require.NotNil(t, stored.ActionConfig.Email)
	assert.Equal(t, "Custom subject", stored.ActionConfig.Email.Subject)

	_, err = f.svc.ProcessTrigger(ctx, models.TriggerJobCompleted, jobCompletedContext())
	require.NoError(t, err)
	msgs := f.email.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Custom subject", msgs[0].Subject)

	var update AutomationRuleUpdateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"action_type":"request_review","action_config":{"reviewType":"facebook","reviewUrl":"https://fb.me/x"}}`), &update))
	updated, err := f.svc.UpdateRule(ctx, "u1", rule.ID, &update)
	require.NoError(t, err)
	assert.Nil(t, updated.ActionConfig.Email)
	assert.Equal(t, "facebook", updated.ActionConfig.ReviewType())
	assert.Equal(t, "https://fb.me/x", updated.ActionConfig.ReviewURL())
}

func TestCreateRule_RejectsUnusableActionConfig(t *testing.T) {
	f := newEngineFixture(t)

	var req AutomationRuleRequest
	err := json.Unmarshal([]byte(`{"action_type":"send_email","action_config":{"subjekt":"typo"}}`), &req)
	assert.Error(t, err)

	req = *validRuleRequest()
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Call back"}`), &req.ActionConfig))
	_, err = f.svc.CreateRule(context.Background(), "u1", &req)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "action_config", verr.Field)
}
