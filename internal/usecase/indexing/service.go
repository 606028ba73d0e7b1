package indexing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
)

const (
	sweepInterval = time.Minute
	sweepBatch    = 100
)

// Service переносит тегированные посты в векторное и графовое хранилища.
// Работает сверкой: берёт посты без успешной записи индексации по каждому
// хранилищу, поэтому пропущенные и упавшие посты дозаписываются сами.
type Service struct {
	users    domain.UserRepo
	posts    domain.PostRepo
	statuses domain.IndexingStatusRepo
	vector   domain.VectorStore
	graph    domain.GraphStore
	embedder domain.EmbeddingProvider
	limiter  domain.Limiter
	log      zerolog.Logger

	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewService создаёт индексатор.
func NewService(users domain.UserRepo, posts domain.PostRepo, statuses domain.IndexingStatusRepo, vector domain.VectorStore, graph domain.GraphStore, embedder domain.EmbeddingProvider, limiter domain.Limiter, log zerolog.Logger) *Service {
	return &Service{
		users:    users,
		posts:    posts,
		statuses: statuses,
		vector:   vector,
		graph:    graph,
		embedder: embedder,
		limiter:  limiter,
		log:      log,
		ensured:  map[string]struct{}{},
	}
}

// Run крутит сверки до отмены контекста.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep один раз дозаписывает оба хранилища.
func (s *Service) Sweep(ctx context.Context) {
	if err := s.sweepStore(ctx, domain.IndexStoreVector, s.IndexVector); err != nil {
		s.log.Error().Err(err).Msg("indexing: сверка векторного хранилища не удалась")
	}
	if err := s.sweepStore(ctx, domain.IndexStoreGraph, s.IndexGraph); err != nil {
		s.log.Error().Err(err).Msg("indexing: сверка графа не удалась")
	}
}

func (s *Service) sweepStore(ctx context.Context, store string, index func(context.Context, domain.Post) error) error {
	posts, err := s.posts.ListTaggedUnindexed(ctx, store, sweepBatch)
	if err != nil {
		return fmt.Errorf("выборка постов для %s: %w", store, err)
	}
	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := index(ctx, post); err != nil {
			s.log.Warn().Err(err).Int64("post", post.ID).Str("store", store).Msg("indexing: пост не проиндексирован")
			s.record(ctx, post.ID, store, err)
			continue
		}
		s.record(ctx, post.ID, store, nil)
	}
	return nil
}

// IndexVector режет пост на чанки, получает эмбеддинги и пишет их в
// коллекцию пользователя. Индексируется обогащённый текст, если
// тегирование его дало, иначе исходный.
func (s *Service) IndexVector(ctx context.Context, post domain.Post) error {
	text := post.EnrichedText
	if strings.TrimSpace(text) == "" {
		text = post.Text
	}
	chunks := Chunks(text)
	if len(chunks) == 0 {
		return nil
	}

	collection := domain.CollectionName(post.UserID)
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	points := make([]domain.VectorPoint, 0, len(chunks))
	for k, chunk := range chunks {
		if err := s.limiter.Acquire(ctx, "openai"); err != nil {
			return err
		}
		vector, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("эмбеддинг чанка %d: %w", k, err)
		}
		points = append(points, domain.VectorPoint{
			ID:        domain.ChunkPointID(post.ID, k),
			Vector:    vector,
			PostID:    post.ID,
			UserID:    post.UserID,
			ChannelID: post.ChannelID,
			Text:      chunk,
			Tags:      post.Tags,
			PostedAt:  post.PostedAt,
		})
	}

	if err := s.limiter.Acquire(ctx, "vector"); err != nil {
		return err
	}
	if err := s.vector.Upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("запись в коллекцию %s: %w", collection, err)
	}
	return nil
}

// IndexGraph зеркалирует связи пост-канал-теги в граф.
func (s *Service) IndexGraph(ctx context.Context, post domain.Post) error {
	user, err := s.users.GetByID(ctx, post.UserID)
	if err != nil {
		return fmt.Errorf("получение пользователя %d: %w", post.UserID, err)
	}
	if err := s.limiter.Acquire(ctx, "graph"); err != nil {
		return err
	}
	if err := s.graph.MirrorPost(ctx, user.TGUserID, post.ChannelID, post.ID, post.Tags); err != nil {
		return fmt.Errorf("зеркалирование поста: %w", err)
	}
	return nil
}

// ensureCollection создаёт коллекцию один раз за время жизни процесса.
func (s *Service) ensureCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	_, ok := s.ensured[collection]
	s.mu.Unlock()
	if ok {
		return nil
	}
	if err := s.vector.EnsureCollection(ctx, collection, s.embedder.Dimension()); err != nil {
		return fmt.Errorf("создание коллекции %s: %w", collection, err)
	}
	s.mu.Lock()
	s.ensured[collection] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Service) record(ctx context.Context, postID int64, store string, cause error) {
	status := domain.IndexingStatus{
		PostID:    postID,
		Store:     store,
		Success:   cause == nil,
		IndexedAt: time.Now().UTC(),
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	if err := s.statuses.RecordIndexing(ctx, status); err != nil {
		s.log.Error().Err(err).Int64("post", postID).Str("store", store).Msg("indexing: статус не записан")
	}
}
