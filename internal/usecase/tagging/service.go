package tagging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

const (
	maxTags       = 15
	maxTagLength  = 64
	maxPromptText = 4000

	sweepInterval = 5 * time.Minute
	sweepLag      = 10 * time.Minute
	sweepBatch    = 100
)

const systemPrompt = `Ты — аналитик контента Telegram-каналов.
Для переданного поста верни JSON вида {"tags": ["тег1", "тег2"], "summary": "краткое содержание"}.
Теги: от 0 до 15 коротких тем на языке поста, в нижнем регистре, без дубликатов.
Summary: одно-два предложения, передающие суть поста.`

// ErrBadResponse возвращается, когда модель вернула невалидный JSON.
var ErrBadResponse = errors.New("невалидный ответ модели тегирования")

// Service обогащает посты тегами и кратким содержанием через LLM.
type Service struct {
	posts    domain.PostRepo
	queue    domain.IngestQueue
	provider domain.ChatProvider
	limiter  domain.Limiter
	log      zerolog.Logger

	concurrency int
	maxAttempts int
}

// NewService создаёт конвейер тегирования.
func NewService(posts domain.PostRepo, queue domain.IngestQueue, provider domain.ChatProvider, limiter domain.Limiter, concurrency, maxAttempts int, log zerolog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		posts:       posts,
		queue:       queue,
		provider:    provider,
		limiter:     limiter,
		log:         log,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
	}
}

// Run потребляет события загрузки и периодически повторяет зависшие посты.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consume(ctx)
		}()
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			if err := s.RetryStale(ctx); err != nil {
				s.log.Error().Err(err).Msg("tagging: повтор зависших постов не удался")
			}
		}
	}
}

func (s *Service) consume(ctx context.Context) {
	for {
		ev, ack, err := s.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("tagging: ошибка чтения очереди")
			continue
		}
		err = s.HandleEvent(ctx, ev)
		if ackErr := ack(err == nil); ackErr != nil {
			s.log.Error().Err(ackErr).Msg("tagging: подтверждение события не удалось")
		}
	}
}

// HandleEvent тегирует все посты события. Возвращает ошибку только при
// временном сбое, чтобы событие вернулось в очередь.
func (s *Service) HandleEvent(ctx context.Context, ev domain.IngestEvent) error {
	var transient error
	for _, postID := range ev.PostIDs {
		post, err := s.posts.GetPost(ctx, postID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("получение поста %d: %w", postID, err)
		}
		if post.TaggingStatus == domain.TaggingSuccess {
			continue
		}
		if err := s.TagPost(ctx, post); err != nil {
			if domain.IsTransient(err) && transient == nil {
				transient = err
			}
			s.log.Warn().Err(err).Int64("post", postID).Msg("tagging: пост не тегирован")
		}
	}
	return transient
}

// TagPost запрашивает у модели теги и summary для одного поста.
func (s *Service) TagPost(ctx context.Context, post domain.Post) error {
	if err := s.limiter.Acquire(ctx, "openai"); err != nil {
		return s.fail(ctx, post, err)
	}

	text := post.Text
	if runes := []rune(text); len(runes) > maxPromptText {
		text = string(runes[:maxPromptText])
	}
	raw, err := s.provider.Complete(ctx, domain.ChatRequest{
		System:      systemPrompt,
		User:        text,
		Temperature: 0.2,
		MaxTokens:   500,
		JSON:        true,
	})
	if err != nil {
		return s.fail(ctx, post, err)
	}

	tags, summary, err := parseResponse(raw)
	if err != nil {
		return s.fail(ctx, post, err)
	}

	if err := s.posts.SetTags(ctx, post.ID, tags, summary); err != nil {
		return fmt.Errorf("сохранение тегов: %w", err)
	}
	return nil
}

// fail фиксирует неудачную попытку. Исчерпание попыток учитывается в метрике.
func (s *Service) fail(ctx context.Context, post domain.Post, cause error) error {
	if err := s.posts.MarkTaggingFailed(ctx, post.ID, cause.Error()); err != nil {
		s.log.Error().Err(err).Int64("post", post.ID).Msg("tagging: не удалось записать ошибку")
	}
	if post.TaggingAttempts+1 >= s.maxAttempts {
		metrics.TaggingFailedTotal.Inc()
		s.log.Error().Err(cause).Int64("post", post.ID).Msg("tagging: попытки исчерпаны")
	}
	return cause
}

// RetryStale повторно тегирует посты, застрявшие в pending или failed.
func (s *Service) RetryStale(ctx context.Context) error {
	posts, err := s.posts.ListStaleTagging(ctx, time.Now().UTC().Add(-sweepLag), s.maxAttempts, sweepBatch)
	if err != nil {
		return fmt.Errorf("выборка зависших постов: %w", err)
	}
	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.TagPost(ctx, post); err != nil {
			s.log.Warn().Err(err).Int64("post", post.ID).Msg("tagging: повтор не удался")
		}
	}
	return nil
}

type modelResponse struct {
	Tags    []string `json:"tags"`
	Summary string   `json:"summary"`
}

// parseResponse разбирает и нормализует ответ модели: нижний регистр,
// без пустых значений и дубликатов, не более maxTags тегов.
func parseResponse(raw string) ([]string, string, error) {
	var resp modelResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	seen := make(map[string]struct{}, len(resp.Tags))
	tags := make([]string, 0, len(resp.Tags))
	for _, tag := range resp.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || len([]rune(tag)) > maxTagLength {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags, strings.TrimSpace(resp.Summary), nil
}
