package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tg-rag-bot/internal/domain"
	openai "tg-rag-bot/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Provider реализует domain.ChatProvider поверх OpenAI-совместимого API.
type Provider struct {
	client  chatClient
	name    string
	model   string
	timeout time.Duration
}

var _ domain.ChatProvider = (*Provider)(nil)

// NewProvider создаёт чат-провайдера.
func NewProvider(client chatClient, name, model string, timeout time.Duration) *Provider {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provider{client: client, name: name, model: model, timeout: timeout}
}

// Name возвращает имя провайдера для логов и метрик.
func (p *Provider) Name() string { return p.name }

// Complete выполняет один запрос и возвращает текст ответа.
func (p *Provider) Complete(ctx context.Context, req domain.ChatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: req.System},
			{Role: openai.RoleUser, Content: req.User},
		},
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("провайдер %s: %w", p.name, err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("провайдер %s: пустой ответ", p.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
