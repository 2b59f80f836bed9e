package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradieflow/internal/models"
)

const defaultTransportTimeout = 15 * time.Second

// ActionExecutor performs the side effect of a rule. It never touches rule statistics.
type ActionExecutor struct {
	email   EmailSender
	sms     SMSSender
	reviews *ReviewRequestService
	baseURL string
	timeout time.Duration
	logger  *logrus.Logger
}

// ActionExecutorOptions 执行器依赖
type ActionExecutorOptions struct {
	Email            EmailSender
	SMS              SMSSender
	Reviews          *ReviewRequestService
	AppBaseURL       string
	TransportTimeout time.Duration
}

func NewActionExecutor(opts ActionExecutorOptions, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.SMS == nil {
		opts.SMS = NewUnimplementedSMSSender(logger)
	}
	if opts.TransportTimeout <= 0 {
		opts.TransportTimeout = defaultTransportTimeout
	}
	return &ActionExecutor{
		email:   opts.Email,
		sms:     opts.SMS,
		reviews: opts.Reviews,
		baseURL: strings.TrimRight(opts.AppBaseURL, "/"),
		timeout: opts.TransportTimeout,
		logger:  logger,
	}
}

// Execute runs rule's action with the generated content.
func (e *ActionExecutor) Execute(ctx context.Context, rule *models.AutomationRule, tctx models.TriggerContext, content string) error {
	switch rule.ActionType {
	case models.ActionSendEmail:
		return e.sendEmail(ctx, rule, tctx, content)
	case models.ActionSendSMS:
		return e.sendSMS(ctx, tctx, content)
	case models.ActionRequestReview:
		return e.requestReview(ctx, rule, tctx, content)
	case models.ActionCreateTask:
		e.logger.WithFields(logrus.Fields{
			"rule_id": rule.ID,
			"user_id": rule.UserID,
			"title":   rule.ActionConfig.TaskTitle(),
		}).Info("automation: create_task is not connected to a task list yet, skipping")
		return nil
	default:
		return &ActionError{
			Action: string(rule.ActionType),
			Err:    fmt.Errorf("unsupported action type: %s", rule.ActionType),
		}
	}
}

func (e *ActionExecutor) sendEmail(ctx context.Context, rule *models.AutomationRule, tctx models.TriggerContext, content string) error {
	to := tctx.String("customerEmail")
	if to == "" {
		return &MissingRecipientError{Action: string(models.ActionSendEmail), Field: "customerEmail"}
	}
	return e.deliver(ctx, string(models.ActionSendEmail), EmailMessage{
		To:      to,
		Subject: rule.ActionConfig.EmailSubject(),
		HTML:    renderEmailHTML(content, ""),
	})
}

func (e *ActionExecutor) sendSMS(ctx context.Context, tctx models.TriggerContext, content string) error {
	to := tctx.String("customerPhone")
	if to == "" {
		return &MissingRecipientError{Action: string(models.ActionSendSMS), Field: "customerPhone"}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.sms.Send(ctx, to, content); err != nil {
		return &ActionError{
			Action:    string(models.ActionSendSMS),
			Err:       err,
			Retryable: !errors.Is(err, ErrSMSNotImplemented),
		}
	}
	return nil
}

// requestReview stores the review request before emailing it. If the email then
// fails the row stays in place; a queue retry sends a new link with a new token.
func (e *ActionExecutor) requestReview(ctx context.Context, rule *models.AutomationRule, tctx models.TriggerContext, content string) error {
	to := tctx.String("customerEmail")
	if to == "" {
		return &MissingRecipientError{Action: string(models.ActionRequestReview), Field: "customerEmail"}
	}
	if e.reviews == nil {
		return &ActionError{Action: string(models.ActionRequestReview), Err: fmt.Errorf("review store not configured")}
	}

	ruleID := rule.ID
	req := &models.ReviewRequest{
		UserID:        rule.UserID,
		RuleID:        &ruleID,
		CustomerName:  tctx.String("customerName"),
		CustomerEmail: to,
		RequestType:   rule.ActionConfig.ReviewType(),
		ReviewURL:     rule.ActionConfig.ReviewURL(),
	}
	if jobID := contextID(tctx, "jobId"); jobID != "" {
		req.JobID = &jobID
	}
	if err := e.reviews.Create(ctx, req); err != nil {
		return &ActionError{Action: string(models.ActionRequestReview), Err: err, Retryable: true}
	}

	link := e.ReviewLink(req.Token)
	e.logger.WithFields(logrus.Fields{
		"rule_id":           rule.ID,
		"review_request_id": req.ID,
	}).Debug("automation: review request created")

	return e.deliver(ctx, string(models.ActionRequestReview), EmailMessage{
		To:      to,
		Subject: rule.ActionConfig.ReviewSubject(),
		HTML:    renderEmailHTML(content, link),
	})
}

// ReviewLink is the public URL of a review request.
func (e *ActionExecutor) ReviewLink(token string) string {
	return fmt.Sprintf("%s/review/%s", e.baseURL, token)
}

func (e *ActionExecutor) deliver(ctx context.Context, action string, msg EmailMessage) error {
	if e.email == nil {
		return &ActionError{Action: action, Err: fmt.Errorf("email transport not configured")}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.email.Send(ctx, msg); err != nil {
		retryable := true
		var delivery *EmailDeliveryError
		if errors.As(err, &delivery) {
			retryable = delivery.Temporary()
		}
		return &ActionError{Action: action, Err: err, Retryable: retryable}
	}
	return nil
}

// contextID reads an identifier that may arrive as a string or a JSON number.
func contextID(tctx models.TriggerContext, key string) string {
	v, ok := tctx[key]
	if !ok || v == nil {
		return ""
	}
	return formatValue(v)
}

// renderEmailHTML escapes content, keeps its line breaks and appends a
// call-to-action button when link is set.
func renderEmailHTML(content, link string) string {
	body := html.EscapeString(content)
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "<br>\n")

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<body style=\"font-family: Arial, sans-serif; line-height: 1.5; color: #222;\">\n")
	b.WriteString("<div>")
	b.WriteString(body)
	b.WriteString("</div>\n")
	if link != "" {
		escaped := html.EscapeString(link)
		b.WriteString("<p style=\"margin-top: 24px;\">")
		b.WriteString("<a href=\"" + escaped + "\" style=\"background: #0f766e; color: #fff; padding: 12px 20px; border-radius: 6px; text-decoration: none;\">Leave a review</a>")
		b.WriteString("</p>\n")
		b.WriteString("<p style=\"font-size: 12px; color: #666;\">Or open this link: " + escaped + "</p>\n")
	}
	b.WriteString("</body>\n</html>\n")
	return b.String()
}
