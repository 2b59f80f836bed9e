package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradieflow/internal/metrics"
	"tradieflow/internal/models"
)

const defaultAITimeout = 10 * time.Second

// ContentGenerator produces the message body of an execution, from the AI
// provider when the rule asks for it and from the static template otherwise.
type ContentGenerator struct {
	provider ContentProvider
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

func NewContentGenerator(provider ContentProvider, timeout time.Duration, m *metrics.Metrics, logger *logrus.Logger) *ContentGenerator {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = defaultAITimeout
	}
	return &ContentGenerator{provider: provider, timeout: timeout, metrics: m, logger: logger}
}

// Generate never fails: any provider error, timeout or empty answer falls back
// to the interpolated static content with zero tokens.
func (g *ContentGenerator) Generate(ctx context.Context, rule *models.AutomationRule, tctx models.TriggerContext) (string, int) {
	static := Interpolate(rule.StaticContent, tctx)
	if !rule.UseAI {
		g.metrics.IncContent("static", 0)
		return static, 0
	}

	out, err := g.complete(ctx, rule, tctx)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"rule_id": rule.ID,
			"error":   err.Error(),
		}).Warn("automation: AI content unavailable, using static content")
		g.metrics.IncContent("fallback", 0)
		return static, 0
	}

	g.metrics.IncContent("ai", out.TokensUsed)
	return out.Text, out.TokensUsed
}

func (g *ContentGenerator) complete(ctx context.Context, rule *models.AutomationRule, tctx models.TriggerContext) (*Completion, error) {
	if g.provider == nil {
		return nil, &ContentGenerationError{Err: ErrAIDisabled}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.provider.Complete(ctx, BuildSystemPrompt(tctx), Interpolate(rule.AIPrompt, tctx))
	if err != nil {
		return nil, &ContentGenerationError{Err: err}
	}
	if out == nil || strings.TrimSpace(out.Text) == "" {
		return nil, &ContentGenerationError{Err: fmt.Errorf("empty completion")}
	}
	return out, nil
}

// BuildSystemPrompt describes the business context and tone for the provider.
func BuildSystemPrompt(tctx models.TriggerContext) string {
	var b strings.Builder
	b.WriteString("You write short customer messages on behalf of a trades business in Australia or New Zealand.\n")
	fmt.Fprintf(&b, "Business: %s\n", Interpolate("{{businessName}}", tctx))
	fmt.Fprintf(&b, "Customer: %s\n", Interpolate("{{customerName}}", tctx))
	fmt.Fprintf(&b, "Job: %s\n", Interpolate("{{jobTitle}}", tctx))
	if amount := Interpolate("{{amount}}", tctx); amount != "" {
		fmt.Fprintf(&b, "Amount: %s\n", amount)
	}
	b.WriteString("Keep it professional and concise: 2-3 sentences in plain Australian/NZ trades English. ")
	b.WriteString("Return only the message body, with no subject line and no placeholders.")
	return b.String()
}
