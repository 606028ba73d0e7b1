package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tg-rag-bot/internal/infra/metrics"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client выполняет Chat Completions и Embeddings запросы.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient создаёт клиента OpenAI-совместимого API.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout + 5*time.Second}
	return &Client{http: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// ChatCompletionRequest описывает тело запроса.
type ChatCompletionRequest struct {
	Model          string                        `json:"model"`
	Messages       []ChatMessage                 `json:"messages"`
	Temperature    float64                       `json:"temperature,omitempty"`
	MaxTokens      int                           `json:"max_tokens,omitempty"`
	ResponseFormat *ChatCompletionResponseFormat `json:"response_format,omitempty"`
}

// ChatMessage представляет сообщение в диалоге.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	// RoleSystem системная инструкция.
	RoleSystem = "system"
	// RoleUser сообщение пользователя.
	RoleUser = "user"
)

// ChatCompletionResponseFormat задаёт формат ответа.
type ChatCompletionResponseFormat struct {
	Type string `json:"type"`
}

const (
	// ResponseFormatTypeJSONObject просит вернуть объект JSON.
	ResponseFormatTypeJSONObject = "json_object"
)

// ChatCompletionResponse описывает ответ модели.
type ChatCompletionResponse struct {
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *ChatCompletionUsage   `json:"usage,omitempty"`
}

// ChatCompletionChoice содержит сообщение модели.
type ChatCompletionChoice struct {
	Message ChatMessage `json:"message"`
}

// ChatCompletionUsage описывает статистику использования токенов.
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrStatus описывает ошибку API с HTTP-статусом.
type ErrStatus struct {
	Code    int
	Message string
}

// Error реализует error.
func (e *ErrStatus) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("openai: статус %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("openai: статус %d", e.Code)
}

// CreateChatCompletion вызывает /chat/completions.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error) {
	var completion ChatCompletionResponse
	respBody, err := c.post(ctx, "/chat/completions", "chat_completions", req.Model, req)
	if err != nil {
		return ChatCompletionResponse{}, err
	}
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("openai: decode response: %w", err)
	}
	return completion, nil
}

// EmbeddingRequest описывает тело запроса эмбеддинга.
type EmbeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// EmbeddingResponse описывает ответ /embeddings.
type EmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// CreateEmbedding вызывает /embeddings и возвращает вектор.
func (c *Client) CreateEmbedding(ctx context.Context, req EmbeddingRequest) ([]float32, error) {
	respBody, err := c.post(ctx, "/embeddings", "embeddings", req.Model, req)
	if err != nil {
		return nil, err
	}
	var parsed EmbeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("openai: пустой ответ embeddings")
	}
	return parsed.Data[0].Embedding, nil
}

func (c *Client) post(ctx context.Context, path, operation, model string, payload any) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai: api key is empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	endpoint := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", operation, model, start, err)
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", operation, model, start, err)
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		statusErr := &ErrStatus{Code: resp.StatusCode}
		var apiErr apiErrorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil {
			statusErr.Message = apiErr.Error.Message
		}
		metrics.ObserveNetworkRequest("openai", operation, model, start, statusErr)
		return nil, statusErr
	}
	metrics.ObserveNetworkRequest("openai", operation, model, start, nil)
	if operation == "chat_completions" {
		var usageOnly struct {
			Usage *ChatCompletionUsage `json:"usage"`
		}
		if err := json.Unmarshal(respBody, &usageOnly); err == nil && usageOnly.Usage != nil {
			metrics.ObserveLLMGeneration(model, time.Since(start), usageOnly.Usage.PromptTokens, usageOnly.Usage.CompletionTokens, usageOnly.Usage.TotalTokens)
		}
	}
	return respBody, nil
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
