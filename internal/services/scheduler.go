package services

import (
	"context"
	"fmt"
	"time"

	"tradieflow/internal/models"
)

const (
	millisPerDay  int64 = 86_400_000
	millisPerHour int64 = 3_600_000
)

// RuleJob is the payload handed to the delayed queue.
type RuleJob struct {
	RuleID  uint                  `json:"rule_id"`
	Context models.TriggerContext `json:"context"`
}

// DelayedQueue is an at-least-once delayed task queue. Implementations deliver
// each job to a consumer that calls AutomationService.ExecuteRule.
type DelayedQueue interface {
	Enqueue(ctx context.Context, job RuleJob, delay time.Duration, idempotencyKey string) error
}

// DelayMillis returns the rule's execution delay. Negative offsets count as zero.
func DelayMillis(rule *models.AutomationRule) int64 {
	days, hours := int64(rule.DelayDays), int64(rule.DelayHours)
	if days < 0 {
		days = 0
	}
	if hours < 0 {
		hours = 0
	}
	return days*millisPerDay + hours*millisPerHour
}

// Delay is DelayMillis as a time.Duration.
func Delay(rule *models.AutomationRule) time.Duration {
	return time.Duration(DelayMillis(rule)) * time.Millisecond
}

// IdempotencyKey identifies one scheduling of a rule for a triggering event.
// When the event carries an eventId the key is stable across retries of the
// trigger; otherwise it falls back to the trigger time. Neither protects
// against queue-level redelivery.
func IdempotencyKey(ruleID uint, tctx models.TriggerContext, at time.Time) string {
	if id := tctx.String("eventId"); id != "" {
		return fmt.Sprintf("rule-%d-%s", ruleID, id)
	}
	return fmt.Sprintf("rule-%d-%d", ruleID, at.UnixMilli())
}
