package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TriggerType is the domain event a rule listens to.
type TriggerType string

const (
	TriggerJobCompleted  TriggerType = "job_completed"
	TriggerInvoiceSent   TriggerType = "invoice_sent"
	TriggerInvoicePaid   TriggerType = "invoice_paid"
	TriggerQuoteSent     TriggerType = "quote_sent"
	TriggerQuoteAccepted TriggerType = "quote_accepted"
)

// TriggerTypes lists every supported trigger.
var TriggerTypes = []TriggerType{
	TriggerJobCompleted,
	TriggerInvoiceSent,
	TriggerInvoicePaid,
	TriggerQuoteSent,
	TriggerQuoteAccepted,
}

func (t TriggerType) Valid() bool {
	for _, v := range TriggerTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ActionType is the side effect a rule performs.
type ActionType string

const (
	ActionSendEmail     ActionType = "send_email"
	ActionSendSMS       ActionType = "send_sms"
	ActionRequestReview ActionType = "request_review"
	ActionCreateTask    ActionType = "create_task"
)

var ActionTypes = []ActionType{
	ActionSendEmail,
	ActionSendSMS,
	ActionRequestReview,
	ActionCreateTask,
}

func (a ActionType) Valid() bool {
	for _, v := range ActionTypes {
		if v == a {
			return true
		}
	}
	return false
}

// ExecutionStatus of an AutomationExecution. Pending is the only non-terminal state.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

const (
	DefaultEmailSubject  = "Message from your tradie"
	DefaultReviewSubject = "Could you leave us a review?"
	DefaultReviewType    = "google_review"
)

// AutomationRule 用户配置的 trigger → condition → delay → action 规则
type AutomationRule struct {
	ID                uint         `gorm:"primaryKey" json:"id"`
	UserID            string       `gorm:"size:64;not null;index:idx_rule_owner_trigger" json:"user_id"`
	Name              string       `gorm:"size:200;not null" json:"name"`
	Description       string       `gorm:"type:text" json:"description"`
	IsActive          bool         `gorm:"index:idx_rule_owner_trigger" json:"is_active"`
	TriggerType       TriggerType  `gorm:"size:50;not null;index:idx_rule_owner_trigger" json:"trigger_type"`
	TriggerConditions Conditions   `gorm:"type:text" json:"trigger_conditions"`
	DelayDays         int          `gorm:"default:0" json:"delay_days"`
	DelayHours        int          `gorm:"default:0" json:"delay_hours"`
	ActionType        ActionType   `gorm:"size:50;not null" json:"action_type"`
	ActionConfig      ActionConfig `gorm:"type:text" json:"action_config"`
	UseAI             bool         `json:"use_ai"`
	AIPrompt          string       `gorm:"type:text" json:"ai_prompt"`
	StaticContent     string       `gorm:"type:text" json:"static_content"`

	// maintained by the engine only
	ExecutionCount int        `gorm:"default:0" json:"execution_count"`
	SuccessCount   int        `gorm:"default:0" json:"success_count"`
	FailureCount   int        `gorm:"default:0" json:"failure_count"`
	LastExecutedAt *time.Time `json:"last_executed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutomationExecution is the audit row for one attempt of one rule.
type AutomationExecution struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	RuleID           uint            `gorm:"index;not null" json:"rule_id"`
	Status           ExecutionStatus `gorm:"size:20;index;not null" json:"status"`
	TriggerContext   TriggerContext  `gorm:"type:text" json:"trigger_context"`
	GeneratedContent string          `gorm:"type:text" json:"generated_content"`
	AITokensUsed     int             `gorm:"default:0" json:"ai_tokens_used"`
	ErrorMessage     string          `gorm:"type:text" json:"error_message"`
	Attempt          int             `gorm:"default:1" json:"attempt"`
	ExecutedAt       time.Time       `gorm:"index" json:"executed_at"`
	CompletedAt      *time.Time      `json:"completed_at"`

	Rule *AutomationRule `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"rule,omitempty"`
}

// TriggerContext is the free-form event payload. It must carry userId.
type TriggerContext map[string]interface{}

// UserID returns the owning user from the context, if present.
func (c TriggerContext) UserID() string {
	return c.String("userId")
}

// String returns the value at key as a string, or "" when absent or not a string.
func (c TriggerContext) String(key string) string {
	if c == nil {
		return ""
	}
	s, _ := c[key].(string)
	return s
}

// Normalize round-trips the context through JSON so numbers decode as float64,
// matching what comes back from the database or the wire.
func (c TriggerContext) Normalize() (TriggerContext, error) {
	if c == nil {
		return TriggerContext{}, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("normalize trigger context: %w", err)
	}
	out := TriggerContext{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize trigger context: %w", err)
	}
	return out, nil
}

func (c TriggerContext) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (c *TriggerContext) Scan(value interface{}) error {
	m := map[string]interface{}{}
	if err := scanJSON(value, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// Conditions is the key → scalar equality map of a rule.
type Conditions map[string]interface{}

func (c Conditions) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (c *Conditions) Scan(value interface{}) error {
	m := map[string]interface{}{}
	if err := scanJSON(value, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// ActionConfig holds the options of exactly one action type.
//
// The flat shape ({"subject": ..., "reviewType": ...}) is accepted on input and
// moved onto the variant by Normalize once the action type is known.
type ActionConfig struct {
	Email  *EmailActionConfig  `json:"email,omitempty"`
	SMS    *SMSActionConfig    `json:"sms,omitempty"`
	Review *ReviewActionConfig `json:"review,omitempty"`
	Task   *TaskActionConfig   `json:"task,omitempty"`

	flat *flatActionConfig
}

type flatActionConfig struct {
	Subject    string `json:"subject,omitempty"`
	ReviewType string `json:"reviewType,omitempty"`
	ReviewURL  string `json:"reviewUrl,omitempty"`
	Title      string `json:"title,omitempty"`
}

func (f *flatActionConfig) empty() bool {
	return f == nil || *f == flatActionConfig{}
}

// UnmarshalJSON rejects keys it does not know so a misspelt option is an error
// instead of a silently ignored value.
func (a *ActionConfig) UnmarshalJSON(raw []byte) error {
	var in struct {
		Email  *EmailActionConfig  `json:"email"`
		SMS    *SMSActionConfig    `json:"sms"`
		Review *ReviewActionConfig `json:"review"`
		Task   *TaskActionConfig   `json:"task"`
		flatActionConfig
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("action_config: %w", err)
	}
	*a = ActionConfig{Email: in.Email, SMS: in.SMS, Review: in.Review, Task: in.Task}
	if !in.flatActionConfig.empty() {
		flat := in.flatActionConfig
		a.flat = &flat
	}
	return nil
}

// Normalize moves flat options onto the variant for actionType.
func (a *ActionConfig) Normalize(actionType ActionType) error {
	f := a.flat
	if f.empty() {
		a.flat = nil
		return nil
	}
	if a.Email != nil || a.SMS != nil || a.Review != nil || a.Task != nil {
		return fmt.Errorf("flat options cannot be mixed with %s options", actionType)
	}
	switch actionType {
	case ActionSendEmail:
		if f.ReviewType != "" || f.ReviewURL != "" || f.Title != "" {
			return fmt.Errorf("only subject is valid for action %s", actionType)
		}
		a.Email = &EmailActionConfig{Subject: f.Subject}
	case ActionRequestReview:
		if f.Title != "" {
			return fmt.Errorf("title is not valid for action %s", actionType)
		}
		a.Review = &ReviewActionConfig{Subject: f.Subject, ReviewType: f.ReviewType, ReviewURL: f.ReviewURL}
	case ActionCreateTask:
		if f.Subject != "" || f.ReviewType != "" || f.ReviewURL != "" {
			return fmt.Errorf("only title is valid for action %s", actionType)
		}
		a.Task = &TaskActionConfig{Title: f.Title}
	default:
		return fmt.Errorf("action %s takes no options", actionType)
	}
	a.flat = nil
	return nil
}

type EmailActionConfig struct {
	Subject string `json:"subject,omitempty"`
}

type SMSActionConfig struct{}

type ReviewActionConfig struct {
	Subject    string `json:"subject,omitempty"`
	ReviewType string `json:"review_type,omitempty"`
	ReviewURL  string `json:"review_url,omitempty"`
}

type TaskActionConfig struct {
	Title string `json:"title,omitempty"`
}

// Validate rejects a config carrying a variant other than the one for actionType.
func (a ActionConfig) Validate(actionType ActionType) error {
	set := map[ActionType]bool{
		ActionSendEmail:     a.Email != nil,
		ActionSendSMS:       a.SMS != nil,
		ActionRequestReview: a.Review != nil,
		ActionCreateTask:    a.Task != nil,
	}
	for t, present := range set {
		if present && t != actionType {
			return fmt.Errorf("%s options are not valid for action %s", t, actionType)
		}
	}
	return nil
}

// EmailSubject returns the configured subject or the default.
func (a ActionConfig) EmailSubject() string {
	if a.Email != nil && a.Email.Subject != "" {
		return a.Email.Subject
	}
	return DefaultEmailSubject
}

func (a ActionConfig) ReviewSubject() string {
	if a.Review != nil && a.Review.Subject != "" {
		return a.Review.Subject
	}
	return DefaultReviewSubject
}

func (a ActionConfig) ReviewType() string {
	if a.Review != nil && a.Review.ReviewType != "" {
		return a.Review.ReviewType
	}
	return DefaultReviewType
}

func (a ActionConfig) ReviewURL() string {
	if a.Review == nil {
		return ""
	}
	return a.Review.ReviewURL
}

func (a ActionConfig) TaskTitle() string {
	if a.Task == nil {
		return ""
	}
	return a.Task.Title
}

func (a ActionConfig) Value() (driver.Value, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (a *ActionConfig) Scan(value interface{}) error {
	var cfg ActionConfig
	if err := scanJSON(value, &cfg); err != nil {
		return err
	}
	*a = cfg
	return nil
}

func scanJSON(value interface{}, dst interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
