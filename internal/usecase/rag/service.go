package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

const (
	searchLimit    = 10
	askContextHits = 6

	// Вклад графового сигнала в гибридный скор. Подобран так, чтобы
	// соседство по тегам переставляло только близкие результаты.
	neighborWeight = 0.03
	neighborCap    = 10
)

const askSystemPrompt = `Ты — ассистент, отвечающий на вопросы по сохранённым постам Telegram-каналов пользователя.
Отвечай только на основе переданных фрагментов. Если ответа в них нет, скажи об этом прямо.
Отвечай на языке вопроса, кратко и по делу.`

// Service отвечает на вопросы пользователя по его проиндексированным постам.
type Service struct {
	users    domain.UserRepo
	history  domain.RAGHistoryRepo
	vector   domain.VectorStore
	graph    domain.GraphStore
	embedder domain.EmbeddingProvider
	provider domain.ChatProvider
	limiter  domain.Limiter
	flags    Flags
	log      zerolog.Logger
}

// NewService создаёт поисковый движок.
func NewService(users domain.UserRepo, history domain.RAGHistoryRepo, vector domain.VectorStore, graph domain.GraphStore, embedder domain.EmbeddingProvider, provider domain.ChatProvider, limiter domain.Limiter, flags Flags, log zerolog.Logger) *Service {
	return &Service{
		users:    users,
		history:  history,
		vector:   vector,
		graph:    graph,
		embedder: embedder,
		provider: provider,
		limiter:  limiter,
		flags:    flags,
		log:      log,
	}
}

// Search выполняет семантический поиск по постам пользователя.
func (s *Service) Search(ctx context.Context, userID int64, query string, filters domain.SearchFilters) ([]domain.SearchHit, error) {
	metrics.RAGQueriesTotal.WithLabelValues("search").Inc()
	return s.search(ctx, userID, query, filters, searchLimit)
}

// Ask выполняет поиск и синтезирует ответ с указанием источников.
func (s *Service) Ask(ctx context.Context, userID int64, query string, filters domain.SearchFilters) (domain.Answer, error) {
	metrics.RAGQueriesTotal.WithLabelValues("ask").Inc()

	hits, err := s.search(ctx, userID, query, filters, askContextHits)
	if err != nil {
		return domain.Answer{}, err
	}
	if len(hits) == 0 {
		return domain.Answer{Text: "По вашим каналам ничего не нашлось. Попробуйте переформулировать вопрос."}, nil
	}

	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, hit.Text)
		if len(hit.Tags) > 0 {
			fmt.Fprintf(&b, "Теги: %s\n", strings.Join(hit.Tags, ", "))
		}
		b.WriteString("\n")
	}

	if err := s.limiter.Acquire(ctx, "openai"); err != nil {
		return domain.Answer{}, err
	}
	answer, err := s.provider.Complete(ctx, domain.ChatRequest{
		System:      askSystemPrompt,
		User:        fmt.Sprintf("Фрагменты постов:\n%s\nВопрос: %s", b.String(), query),
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		return domain.Answer{}, fmt.Errorf("синтез ответа: %w", err)
	}
	return domain.Answer{Text: answer, Sources: hits}, nil
}

func (s *Service) search(ctx context.Context, userID int64, query string, filters domain.SearchFilters, limit int) ([]domain.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("пустой запрос")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}

	now := time.Now().UTC()
	limits := user.Limits(now)
	if limits.RAGQueriesPerDay > 0 {
		count, err := s.history.CountQueriesToday(ctx, userID, now)
		if err != nil {
			return nil, fmt.Errorf("подсчёт запросов: %w", err)
		}
		if count >= limits.RAGQueriesPerDay {
			return nil, fmt.Errorf("%w: запросов в день: %d", domain.ErrQuotaExceeded, limits.RAGQueriesPerDay)
		}
	}

	expansion := s.expandQuery(ctx, user, userID, query)

	embedText := query
	if len(expansion) > 0 {
		embedText = query + " " + strings.Join(expansion, " ")
	}
	if err := s.limiter.Acquire(ctx, "openai"); err != nil {
		return nil, err
	}
	vector, err := s.embedder.Embed(ctx, embedText)
	if err != nil {
		return nil, fmt.Errorf("эмбеддинг запроса: %w", err)
	}

	if err := s.limiter.Acquire(ctx, "vector"); err != nil {
		return nil, err
	}
	hits, err := s.vector.Search(ctx, domain.CollectionName(userID), vector, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("векторный поиск: %w", err)
	}

	if s.flags.hybridEnabled(userID) && len(hits) > 1 {
		hits = s.rerank(ctx, user, hits)
	}

	record := domain.RAGQuery{UserID: userID, Query: query, Topics: expansion}
	if err := s.history.RecordQuery(ctx, record); err != nil {
		s.log.Error().Err(err).Int64("user", userID).Msg("rag: история запроса не записана")
	}
	return hits, nil
}

// expandQuery подбирает в графе теги, смежные с ключевыми словами запроса.
// Расширение работает по принципу best effort: без графа поиск идёт как есть.
func (s *Service) expandQuery(ctx context.Context, user domain.User, userID int64, query string) []string {
	if !s.flags.expansionEnabled(userID) {
		return nil
	}
	keys := keywords(query)
	if len(keys) == 0 {
		return nil
	}
	maxTerms := s.flags.QueryExpansionMaxTerms
	if maxTerms <= 0 {
		maxTerms = 3
	}
	if err := s.limiter.Acquire(ctx, "graph"); err != nil {
		return nil
	}
	terms, err := s.graph.RelatedTags(ctx, user.TGUserID, keys, maxTerms)
	if err != nil {
		s.log.Warn().Err(err).Int64("user", userID).Msg("rag: расширение запроса не удалось")
		return nil
	}
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return terms
}

// rerank поднимает результаты, чьи посты делят теги с другими постами
// пользователя. Сбой графа оставляет векторный порядок.
func (s *Service) rerank(ctx context.Context, user domain.User, hits []domain.SearchHit) []domain.SearchHit {
	postIDs := make([]int64, 0, len(hits))
	seen := make(map[int64]struct{}, len(hits))
	for _, hit := range hits {
		if _, dup := seen[hit.PostID]; dup {
			continue
		}
		seen[hit.PostID] = struct{}{}
		postIDs = append(postIDs, hit.PostID)
	}

	if err := s.limiter.Acquire(ctx, "graph"); err != nil {
		return hits
	}
	neighbors, err := s.graph.TagNeighbors(ctx, user.TGUserID, postIDs)
	if err != nil {
		s.log.Warn().Err(err).Int64("user", user.ID).Msg("rag: гибридный скоринг не удался")
		return hits
	}

	ranked := make([]domain.SearchHit, len(hits))
	copy(ranked, hits)
	for i := range ranked {
		n := neighbors[ranked[i].PostID]
		if n > neighborCap {
			n = neighborCap
		}
		ranked[i].Score += neighborWeight * float64(n)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}
