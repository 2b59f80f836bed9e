package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"tradieflow/internal/metrics"
	"tradieflow/internal/models"
)

const bookkeepingTimeout = 5 * time.Second

// AutomationService is the rule engine: it matches trigger events against
// rules, dispatches them now or through the delayed queue, and records every
// execution attempt.
type AutomationService struct {
	db       *gorm.DB
	queue    DelayedQueue
	content  *ContentGenerator
	actions  *ActionExecutor
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	tracer   trace.Tracer
	validate *validator.Validate
	now      func() time.Time
}

// AutomationServiceOptions are the engine's collaborators.
type AutomationServiceOptions struct {
	Queue   DelayedQueue
	Content *ContentGenerator
	Actions *ActionExecutor
	Metrics *metrics.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewAutomationService(db *gorm.DB, opts AutomationServiceOptions, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Content == nil {
		opts.Content = NewContentGenerator(nil, 0, opts.Metrics, logger)
	}
	return &AutomationService{
		db:       db,
		queue:    opts.Queue,
		content:  opts.Content,
		actions:  opts.Actions,
		metrics:  opts.Metrics,
		logger:   logger,
		tracer:   otel.Tracer("tradieflow.automation"),
		validate: newRuleValidator(),
		now:      opts.Now,
	}
}

// SetQueue attaches the delayed queue after construction; the queue consumer
// itself needs the service, so one of the two is wired late.
func (s *AutomationService) SetQueue(q DelayedQueue) {
	s.queue = q
}

// TriggerResult summarises how one trigger event was dispatched.
type TriggerResult struct {
	TriggerType models.TriggerType `json:"trigger_type"`
	UserID      string             `json:"user_id"`
	Matched     int                `json:"matched"`
	Executed    []uint             `json:"executed"`
	Queued      []uint             `json:"queued"`
	Failed      []RuleFailure      `json:"failed,omitempty"`
}

type RuleFailure struct {
	RuleID uint   `json:"rule_id"`
	Error  string `json:"error"`
}

// ProcessTrigger finds the user's active rules for triggerType, filters them by
// their conditions and runs or schedules each one. A failing rule does not stop
// the others; its error is reported in the result.
func (s *AutomationService) ProcessTrigger(ctx context.Context, triggerType models.TriggerType, tctx models.TriggerContext) (*TriggerResult, error) {
	ctx, span := s.tracer.Start(ctx, "AutomationService.ProcessTrigger")
	defer span.End()

	if !triggerType.Valid() {
		return nil, newValidationError("trigger_type", "unsupported trigger type %q", triggerType)
	}
	tctx, err := tctx.Normalize()
	if err != nil {
		return nil, newValidationError("context", "%v", err)
	}
	userID := tctx.UserID()
	if userID == "" {
		return nil, newValidationError("context.userId", "is required")
	}
	span.SetAttributes(
		attribute.String("trigger_type", string(triggerType)),
		attribute.String("user_id", userID),
	)
	s.metrics.IncTrigger(string(triggerType))

	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND trigger_type = ? AND is_active = ?", userID, triggerType, true).
		Order("id ASC").
		Find(&rules).Error; err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load automation rules: %w", err)
	}

	result := &TriggerResult{
		TriggerType: triggerType,
		UserID:      userID,
		Executed:    []uint{},
		Queued:      []uint{},
	}
	for i := range rules {
		rule := &rules[i]
		log := s.logger.WithFields(logrus.Fields{
			"rule_id":      rule.ID,
			"trigger_type": triggerType,
			"user_id":      userID,
		})

		matched, condErr := EvaluateConditions(rule.TriggerConditions, tctx)
		if condErr != nil {
			log.Warnf("automation: invalid conditions, treating as no match: %v", condErr)
			continue
		}
		if !matched {
			continue
		}
		result.Matched++

		delay := Delay(rule)
		if delay == 0 {
			s.metrics.IncDispatched("sync")
			if _, err := s.runPipeline(ctx, rule, tctx, 1); err != nil {
				result.Failed = append(result.Failed, RuleFailure{RuleID: rule.ID, Error: err.Error()})
				continue
			}
			result.Executed = append(result.Executed, rule.ID)
			continue
		}

		if err := s.enqueue(ctx, rule, tctx, delay); err != nil {
			log.Errorf("automation: failed to schedule rule: %v", err)
			result.Failed = append(result.Failed, RuleFailure{RuleID: rule.ID, Error: err.Error()})
			continue
		}
		s.metrics.IncDispatched("queued")
		log.WithField("delay", delay.String()).Info("automation: rule scheduled")
		result.Queued = append(result.Queued, rule.ID)
	}

	span.SetAttributes(attribute.Int("matched", result.Matched))
	return result, nil
}

func (s *AutomationService) enqueue(ctx context.Context, rule *models.AutomationRule, tctx models.TriggerContext, delay time.Duration) error {
	if s.queue == nil {
		return fmt.Errorf("delayed queue not configured")
	}
	job := RuleJob{RuleID: rule.ID, Context: tctx}
	return s.queue.Enqueue(ctx, job, delay, IdempotencyKey(rule.ID, tctx, s.now()))
}

// ExecuteRule is the queue entrypoint. Deleted or disabled rules are skipped
// without error, so redelivered jobs for them are simply acknowledged. An action
// failure is returned after it has been recorded, leaving retries to the caller.
func (s *AutomationService) ExecuteRule(ctx context.Context, ruleID uint, tctx models.TriggerContext, attempt int) error {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, ruleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.WithField("rule_id", ruleID).Info("automation: rule no longer exists, skipping")
			return nil
		}
		return fmt.Errorf("failed to load automation rule: %w", err)
	}
	if !rule.IsActive {
		s.logger.WithField("rule_id", ruleID).Info("automation: rule inactive, skipping")
		return nil
	}

	tctx, err := tctx.Normalize()
	if err != nil {
		return newValidationError("context", "%v", err)
	}
	if attempt < 1 {
		attempt = 1
	}
	_, err = s.runPipeline(ctx, &rule, tctx, attempt)
	return err
}

// runPipeline writes the pending execution, generates content, performs the
// action and records exactly one terminal state together with the rule counters.
func (s *AutomationService) runPipeline(ctx context.Context, rule *models.AutomationRule, tctx models.TriggerContext, attempt int) (exec *models.AutomationExecution, err error) {
	ctx, span := s.tracer.Start(ctx, "AutomationService.Execute")
	span.SetAttributes(
		attribute.Int("rule_id", int(rule.ID)),
		attribute.String("action_type", string(rule.ActionType)),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	started := s.now()
	exec = &models.AutomationExecution{
		RuleID:         rule.ID,
		Status:         models.ExecutionPending,
		TriggerContext: tctx,
		Attempt:        attempt,
		ExecutedAt:     started,
	}
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"rule_id":      rule.ID,
		"execution_id": exec.ID,
		"action_type":  rule.ActionType,
		"attempt":      attempt,
	})

	var content string
	var tokens int
	defer func() {
		if r := recover(); r != nil {
			s.finish(ctx, rule, exec, content, tokens, fmt.Errorf("panic during execution: %v", r))
			panic(r)
		}
	}()

	content, tokens = s.content.Generate(ctx, rule, tctx)

	var actErr error
	if s.actions == nil {
		actErr = &ActionError{Action: string(rule.ActionType), Err: fmt.Errorf("action executor not configured")}
	} else {
		actErr = s.actions.Execute(ctx, rule, tctx, content)
	}

	finishErr := s.finish(ctx, rule, exec, content, tokens, actErr)
	s.metrics.ObserveExecution(string(rule.ActionType), string(exec.Status), s.now().Sub(started))

	if actErr != nil {
		span.SetStatus(codes.Error, actErr.Error())
		log.WithField("retryable", IsRetryable(actErr)).Errorf("automation: execution failed: %v", actErr)
		return exec, actErr
	}
	if finishErr != nil {
		return exec, finishErr
	}
	log.Info("automation: execution succeeded")
	return exec, nil
}

// finish moves exec out of pending and bumps the rule counters in one
// transaction. Counters are incremented in SQL so concurrent executions of the
// same rule do not lose updates. It runs detached from ctx cancellation so a
// timed-out request still leaves a terminal row behind.
func (s *AutomationService) finish(ctx context.Context, rule *models.AutomationRule, exec *models.AutomationExecution, content string, tokens int, actErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	completed := s.now()
	status := models.ExecutionSuccess
	errMsg := ""
	counter := "success_count"
	if actErr != nil {
		status = models.ExecutionFailed
		errMsg = actErr.Error()
		counter = "failure_count"
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AutomationExecution{}).
			Where("id = ? AND status = ?", exec.ID, models.ExecutionPending).
			Updates(map[string]interface{}{
				"status":            status,
				"generated_content": content,
				"ai_tokens_used":    tokens,
				"error_message":     errMsg,
				"completed_at":      completed,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// already terminal
			return nil
		}
		return tx.Model(&models.AutomationRule{}).
			Where("id = ?", rule.ID).
			UpdateColumns(map[string]interface{}{
				"execution_count":  gorm.Expr("execution_count + ?", 1),
				counter:            gorm.Expr(counter+" + ?", 1),
				"last_executed_at": completed,
			}).Error
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"rule_id":      rule.ID,
			"execution_id": exec.ID,
		}).Errorf("automation: failed to record execution outcome: %v", err)
		return fmt.Errorf("failed to record execution outcome: %w", err)
	}

	exec.Status = status
	exec.GeneratedContent = content
	exec.AITokensUsed = tokens
	exec.ErrorMessage = errMsg
	exec.CompletedAt = &completed
	return nil
}

// DefaultTestContext is the synthetic event used by TestRule.
func DefaultTestContext(userID string) models.TriggerContext {
	return models.TriggerContext{
		"userId":        userID,
		"customerName":  "Test Customer",
		"jobTitle":      "Sample job",
		"jobId":         "test-job",
		"amount":        "250.00",
		"invoiceNumber": "INV-0001",
		"quoteNumber":   "Q-0001",
		"test":          true,
	}
}

// TestRule runs a rule immediately, ignoring its delay, against the default
// test context overlaid with overrides. The execution is recorded like any
// other and returned even when the action failed.
func (s *AutomationService) TestRule(ctx context.Context, userID string, ruleID uint, overrides models.TriggerContext) (*models.AutomationExecution, error) {
	rule, err := s.GetRule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}

	tctx := DefaultTestContext(userID)
	for k, v := range overrides {
		tctx[k] = v
	}
	tctx["userId"] = userID
	tctx, err = tctx.Normalize()
	if err != nil {
		return nil, newValidationError("context", "%v", err)
	}

	return s.runPipeline(ctx, rule, tctx, 1)
}

// AutomationRuleRequest 创建/替换规则请求
type AutomationRuleRequest struct {
	Name              string              `json:"name" validate:"required,max=200"`
	Description       string              `json:"description" validate:"max=2000"`
	IsActive          *bool               `json:"is_active"`
	TriggerType       models.TriggerType  `json:"trigger_type" validate:"required,oneof=job_completed invoice_sent invoice_paid quote_sent quote_accepted"`
	TriggerConditions models.Conditions   `json:"trigger_conditions"`
	DelayDays         int                 `json:"delay_days" validate:"min=0,max=365"`
	DelayHours        int                 `json:"delay_hours" validate:"min=0,max=8760"`
	ActionType        models.ActionType   `json:"action_type" validate:"required,oneof=send_email send_sms request_review create_task"`
	ActionConfig      models.ActionConfig `json:"action_config"`
	UseAI             bool                `json:"use_ai"`
	AIPrompt          string              `json:"ai_prompt" validate:"required_if=UseAI true,max=4000"`
	StaticContent     string              `json:"static_content" validate:"required_unless=ActionType create_task,max=10000"`
}

// AutomationRuleUpdateRequest 部分更新请求，nil 字段保持不变
type AutomationRuleUpdateRequest struct {
	Name              *string              `json:"name"`
	Description       *string              `json:"description"`
	IsActive          *bool                `json:"is_active"`
	TriggerType       *models.TriggerType  `json:"trigger_type"`
	TriggerConditions *models.Conditions   `json:"trigger_conditions"`
	DelayDays         *int                 `json:"delay_days"`
	DelayHours        *int                 `json:"delay_hours"`
	ActionType        *models.ActionType   `json:"action_type"`
	ActionConfig      *models.ActionConfig `json:"action_config"`
	UseAI             *bool                `json:"use_ai"`
	AIPrompt          *string              `json:"ai_prompt"`
	StaticContent     *string              `json:"static_content"`
}

// AutomationRuleListRequest 规则列表请求
type AutomationRuleListRequest struct {
	Page        int    `form:"page,default=1"`
	PageSize    int    `form:"page_size,default=20"`
	TriggerType string `form:"trigger_type"`
	Active      *bool  `form:"active"`
}

// ExecutionListRequest 执行记录列表请求
type ExecutionListRequest struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	RuleID   *uint  `form:"rule_id"`
	Status   string `form:"status"`
}

// RuleStats summarises a rule's execution history.
type RuleStats struct {
	RuleID         uint       `json:"rule_id"`
	ExecutionCount int        `json:"execution_count"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	SuccessRate    float64    `json:"success_rate"`
	Pending        int64      `json:"pending"`
	AITokensUsed   int64      `json:"ai_tokens_used"`
	LastExecutedAt *time.Time `json:"last_executed_at"`
}

func newRuleValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *AutomationService) validateRuleRequest(req *AutomationRuleRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return newValidationError(fe.Field(), "failed %q validation", fe.Tag())
		}
		return newValidationError("", "%v", err)
	}
	if err := validateConditions(req.TriggerConditions); err != nil {
		return err
	}
	if err := req.ActionConfig.Normalize(req.ActionType); err != nil {
		return newValidationError("action_config", "%v", err)
	}
	if err := req.ActionConfig.Validate(req.ActionType); err != nil {
		return newValidationError("action_config", "%v", err)
	}
	return nil
}

// CreateRule 新建规则
func (s *AutomationService) CreateRule(ctx context.Context, userID string, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, newValidationError("", "request required")
	}
	if userID == "" {
		return nil, newValidationError("user_id", "is required")
	}
	if err := s.validateRuleRequest(req); err != nil {
		return nil, err
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rule := &models.AutomationRule{UserID: userID, IsActive: active}
	applyRuleRequest(rule, req)

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create automation rule: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "user_id": userID}).Info("automation rule created")
	return rule, nil
}

func applyRuleRequest(rule *models.AutomationRule, req *AutomationRuleRequest) {
	rule.Name = strings.TrimSpace(req.Name)
	rule.Description = req.Description
	rule.TriggerType = req.TriggerType
	rule.TriggerConditions = req.TriggerConditions
	rule.DelayDays = req.DelayDays
	rule.DelayHours = req.DelayHours
	rule.ActionType = req.ActionType
	rule.ActionConfig = req.ActionConfig
	rule.UseAI = req.UseAI
	rule.AIPrompt = req.AIPrompt
	rule.StaticContent = req.StaticContent
}

// GetRule returns the user's rule or ErrRuleNotFound.
func (s *AutomationService) GetRule(ctx context.Context, userID string, ruleID uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", ruleID, userID).
		First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to load automation rule: %w", err)
	}
	return &rule, nil
}

// ListRules 返回用户的规则
func (s *AutomationService) ListRules(ctx context.Context, userID string, req *AutomationRuleListRequest) ([]models.AutomationRule, int64, error) {
	if req == nil {
		req = &AutomationRuleListRequest{Page: 1, PageSize: 20}
	}
	query := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("user_id = ?", userID)
	if req.TriggerType != "" {
		query = query.Where("trigger_type = ?", req.TriggerType)
	}
	if req.Active != nil {
		query = query.Where("is_active = ?", *req.Active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count automation rules: %w", err)
	}
	query = paginate(query, req.Page, req.PageSize)

	var rules []models.AutomationRule
	if err := query.Order("created_at DESC, id DESC").Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list automation rules: %w", err)
	}
	return rules, total, nil
}

// UpdateRule applies the non-nil fields of req and revalidates the whole rule.
func (s *AutomationService) UpdateRule(ctx context.Context, userID string, ruleID uint, req *AutomationRuleUpdateRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, newValidationError("", "request required")
	}
	rule, err := s.GetRule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}

	merged := &AutomationRuleRequest{
		Name:              rule.Name,
		Description:       rule.Description,
		TriggerType:       rule.TriggerType,
		TriggerConditions: rule.TriggerConditions,
		DelayDays:         rule.DelayDays,
		DelayHours:        rule.DelayHours,
		ActionType:        rule.ActionType,
		ActionConfig:      rule.ActionConfig,
		UseAI:             rule.UseAI,
		AIPrompt:          rule.AIPrompt,
		StaticContent:     rule.StaticContent,
	}
	if req.Name != nil {
		merged.Name = *req.Name
	}
	if req.Description != nil {
		merged.Description = *req.Description
	}
	if req.TriggerType != nil {
		merged.TriggerType = *req.TriggerType
	}
	if req.TriggerConditions != nil {
		merged.TriggerConditions = *req.TriggerConditions
	}
	if req.DelayDays != nil {
		merged.DelayDays = *req.DelayDays
	}
	if req.DelayHours != nil {
		merged.DelayHours = *req.DelayHours
	}
	if req.ActionType != nil {
		merged.ActionType = *req.ActionType
	}
	if req.ActionConfig != nil {
		merged.ActionConfig = *req.ActionConfig
	}
	if req.UseAI != nil {
		merged.UseAI = *req.UseAI
	}
	if req.AIPrompt != nil {
		merged.AIPrompt = *req.AIPrompt
	}
	if req.StaticContent != nil {
		merged.StaticContent = *req.StaticContent
	}
	if err := s.validateRuleRequest(merged); err != nil {
		return nil, err
	}

	applyRuleRequest(rule, merged)
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	// Select the user-editable columns only; counters belong to the engine.
	if err := s.db.WithContext(ctx).Model(rule).
		Select("name", "description", "is_active", "trigger_type", "trigger_conditions",
			"delay_days", "delay_hours", "action_type", "action_config", "use_ai",
			"ai_prompt", "static_content", "updated_at").
		Updates(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to update automation rule: %w", err)
	}
	return s.GetRule(ctx, userID, ruleID)
}

// DeleteRule removes the rule and its execution history.
func (s *AutomationService) DeleteRule(ctx context.Context, userID string, ruleID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND user_id = ?", ruleID, userID).Delete(&models.AutomationRule{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete automation rule: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrRuleNotFound
		}
		if err := tx.Where("rule_id = ?", ruleID).Delete(&models.AutomationExecution{}).Error; err != nil {
			return fmt.Errorf("failed to delete rule executions: %w", err)
		}
		return nil
	})
}

// ToggleRule flips IsActive.
func (s *AutomationService) ToggleRule(ctx context.Context, userID string, ruleID uint) (*models.AutomationRule, error) {
	result := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND user_id = ?", ruleID, userID).
		UpdateColumns(map[string]interface{}{
			"is_active":  gorm.Expr("NOT is_active"),
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to toggle automation rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrRuleNotFound
	}
	return s.GetRule(ctx, userID, ruleID)
}

// ListExecutions returns the execution history of the user's rules, newest first.
func (s *AutomationService) ListExecutions(ctx context.Context, userID string, req *ExecutionListRequest) ([]models.AutomationExecution, int64, error) {
	if req == nil {
		req = &ExecutionListRequest{Page: 1, PageSize: 20}
	}
	if req.RuleID != nil {
		if _, err := s.GetRule(ctx, userID, *req.RuleID); err != nil {
			return nil, 0, err
		}
	}

	query := s.db.WithContext(ctx).Model(&models.AutomationExecution{}).
		Joins("JOIN automation_rules ON automation_rules.id = automation_executions.rule_id").
		Where("automation_rules.user_id = ?", userID)
	if req.RuleID != nil {
		query = query.Where("automation_executions.rule_id = ?", *req.RuleID)
	}
	if req.Status != "" {
		query = query.Where("automation_executions.status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}
	query = paginate(query, req.Page, req.PageSize)

	var out []models.AutomationExecution
	if err := query.
		Select("automation_executions.*").
		Order("automation_executions.executed_at DESC, automation_executions.id DESC").
		Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	return out, total, nil
}

// GetRuleStats 规则执行统计
func (s *AutomationService) GetRuleStats(ctx context.Context, userID string, ruleID uint) (*RuleStats, error) {
	rule, err := s.GetRule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}

	stats := &RuleStats{
		RuleID:         rule.ID,
		ExecutionCount: rule.ExecutionCount,
		SuccessCount:   rule.SuccessCount,
		FailureCount:   rule.FailureCount,
		LastExecutedAt: rule.LastExecutedAt,
	}
	if rule.ExecutionCount > 0 {
		stats.SuccessRate = float64(rule.SuccessCount) / float64(rule.ExecutionCount)
	}

	db := s.db.WithContext(ctx).Model(&models.AutomationExecution{}).Where("rule_id = ?", rule.ID)
	if err := db.Session(&gorm.Session{}).
		Where("status = ?", models.ExecutionPending).
		Count(&stats.Pending).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending executions: %w", err)
	}
	if err := db.Session(&gorm.Session{}).
		Select("COALESCE(SUM(ai_tokens_used), 0)").
		Scan(&stats.AITokensUsed).Error; err != nil {
		return nil, fmt.Errorf("failed to sum ai tokens: %w", err)
	}
	return stats, nil
}

// PruneExecutions deletes terminal execution rows older than olderThan.
func (s *AutomationService) PruneExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("executed_at < ? AND status <> ?", cutoff, models.ExecutionPending).
		Delete(&models.AutomationExecution{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", result.Error)
	}
	s.metrics.AddPruned(result.RowsAffected)
	if result.RowsAffected > 0 {
		s.logger.WithFields(logrus.Fields{
			"deleted": result.RowsAffected,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("automation: pruned execution history")
	}
	return result.RowsAffected, nil
}

func paginate(query *gorm.DB, page, pageSize int) *gorm.DB {
	if pageSize <= 0 {
		return query
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if page < 1 {
		page = 1
	}
	return query.Offset((page - 1) * pageSize).Limit(pageSize)
}
