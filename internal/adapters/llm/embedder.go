package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
	openai "tg-rag-bot/internal/infra/openai"
)

type embeddingClient interface {
	CreateEmbedding(ctx context.Context, req openai.EmbeddingRequest) ([]float32, error)
}

// Embedder реализует domain.EmbeddingProvider поверх OpenAI-совместимого API.
type Embedder struct {
	client    embeddingClient
	model     string
	dimension int
	timeout   time.Duration
}

var _ domain.EmbeddingProvider = (*Embedder)(nil)

// NewEmbedder создаёт провайдера эмбеддингов с фиксированной размерностью.
func NewEmbedder(client embeddingClient, model string, dimension int, timeout time.Duration) *Embedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimension <= 0 {
		dimension = 1024
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Embedder{client: client, model: model, dimension: dimension, timeout: timeout}
}

// Dimension возвращает размерность векторов.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed превращает текст в вектор.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("пустой текст для эмбеддинга")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	vector, err := e.client.CreateEmbedding(ctx, openai.EmbeddingRequest{
		Model:      e.model,
		Input:      text,
		Dimensions: e.dimension,
	})
	metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("эмбеддинг: %w", err))
	}
	if len(vector) != e.dimension {
		return nil, fmt.Errorf("неожиданная размерность эмбеддинга: %d вместо %d", len(vector), e.dimension)
	}
	return vector, nil
}
