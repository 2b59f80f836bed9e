package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tradieflow/internal/config"
)

// Completion is the provider's answer to one prompt pair.
type Completion struct {
	Text       string
	TokensUsed int
}

// ContentProvider generates message text. Errors are absorbed by the ContentGenerator.
type ContentProvider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error)
}

// ErrAIDisabled is returned when no API key is configured.
var ErrAIDisabled = errors.New("ai provider not configured")

// OpenAIContentProvider calls the chat completions API.
type OpenAIContentProvider struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	enabled     bool
}

func NewOpenAIContentProvider(cfg config.OpenAIConfig) *OpenAIContentProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &OpenAIContentProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
		enabled:     cfg.APIKey != "",
	}
}

func (p *OpenAIContentProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	tracer := otel.Tracer("tradieflow/ai")
	ctx, span := tracer.Start(ctx, "OpenAIContentProvider.Complete")
	span.SetAttributes(attribute.String("model", p.model))
	defer span.End()

	if !p.enabled {
		return nil, ErrAIDisabled
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no response choices")
		return nil, fmt.Errorf("openai returned no choices")
	}

	span.SetAttributes(attribute.Int("tokens_used", resp.Usage.TotalTokens))
	return &Completion{
		Text:       strings.TrimSpace(resp.Choices[0].Message.Content),
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
