package services

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleNotFound 规则不存在或不属于当前用户
	ErrRuleNotFound = errors.New("automation rule not found")
	// ErrReviewNotFound covers unknown and foreign tokens alike.
	ErrReviewNotFound = errors.New("review request not found")
	// ErrReviewAlreadyCompleted 评价已完成
	ErrReviewAlreadyCompleted = errors.New("review request already completed")
	// ErrSMSNotImplemented is returned by the placeholder SMS transport.
	ErrSMSNotImplemented = errors.New("sms transport not implemented")
)

// ValidationError reports a bad field at CRUD or completion time.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConditionEvaluationError means a stored condition could not be compared.
// The matcher treats it as "does not match".
type ConditionEvaluationError struct {
	Key    string
	Reason string
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition %q: %s", e.Key, e.Reason)
}

// ContentGenerationError never leaves the content generator; it is logged and
// the static content is used instead.
type ContentGenerationError struct {
	Err error
}

func (e *ContentGenerationError) Error() string {
	return fmt.Sprintf("content generation failed: %v", e.Err)
}

func (e *ContentGenerationError) Unwrap() error { return e.Err }

// MissingRecipientError means the trigger context lacks the address the action needs.
type MissingRecipientError struct {
	Action string
	Field  string
}

func (e *MissingRecipientError) Error() string {
	return fmt.Sprintf("%s: missing recipient (%s not present in context)", e.Action, e.Field)
}

// ActionError wraps a failure of the action's transport.
type ActionError struct {
	Action    string
	Err       error
	Retryable bool
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// IsRetryable reports whether a queue consumer should try the job again.
// Validation, missing recipients and unimplemented transports never succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var missing *MissingRecipientError
	if errors.As(err, &missing) {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	if errors.Is(err, ErrRuleNotFound) || errors.Is(err, ErrSMSNotImplemented) {
		return false
	}
	var aerr *ActionError
	if errors.As(err, &aerr) {
		return aerr.Retryable
	}
	return true
}
