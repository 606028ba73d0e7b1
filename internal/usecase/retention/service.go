package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
)

const onceKey = "cleanup:run"
const onceTTL = time.Hour

// Service удаляет посты старше срока хранения пользователя из всех трёх
// хранилищ. Отсчёт идёт от самого свежего поста пользователя, а не от
// текущего времени: пауза в парсинге не должна выедать историю.
type Service struct {
	users  domain.UserRepo
	posts  domain.PostRepo
	vector domain.VectorStore
	graph  domain.GraphStore
	cache  domain.SessionCache
	log    zerolog.Logger
}

// NewService создаёт сервис очистки.
func NewService(users domain.UserRepo, posts domain.PostRepo, vector domain.VectorStore, graph domain.GraphStore, cache domain.SessionCache, log zerolog.Logger) *Service {
	return &Service{
		users:  users,
		posts:  posts,
		vector: vector,
		graph:  graph,
		cache:  cache,
		log:    log,
	}
}

// Schedule вешает очистку на cron-расписание и возвращает планировщик.
func (s *Service) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := s.cache.Once(ctx, onceKey, onceTTL, func() error {
			report := s.Run(ctx)
			s.log.Info().
				Int("users", report.UsersProcessed).
				Int("deleted", report.PostsDeleted).
				Int("errors", len(report.Errors)).
				Msg("retention: очистка завершена")
			return nil
		}); err != nil {
			s.log.Error().Err(err).Msg("retention: прогон очистки не состоялся")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("расписание очистки: %w", err)
	}
	c.Start()
	return c, nil
}

// Run один раз чистит всех активных пользователей.
func (s *Service) Run(ctx context.Context) domain.CleanupReport {
	var report domain.CleanupReport

	users, err := s.users.ListActive(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("получение пользователей: %v", err))
		return report
	}

	for _, user := range users {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, err.Error())
			return report
		}
		deleted, err := s.CleanupUser(ctx, user)
		report.UsersProcessed++
		report.PostsDeleted += deleted
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("пользователь %d: %v", user.ID, err))
		}
	}
	return report
}

// CleanupUser удаляет устаревшие посты одного пользователя и возвращает
// число удалённых. Порядок фиксированный: сначала Postgres как источник
// истины, затем вектор и граф по полученным id.
func (s *Service) CleanupUser(ctx context.Context, user domain.User) (int, error) {
	newest, err := s.posts.MaxPostedAt(ctx, user.ID)
	if err != nil {
		return 0, fmt.Errorf("последний пост: %w", err)
	}
	if newest.IsZero() {
		return 0, nil
	}

	days := domain.NormalizeRetentionDays(user.RetentionDays)
	cutoff := newest.AddDate(0, 0, -days)

	ids, err := s.posts.DeleteOlderThan(ctx, user.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("удаление постов: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.vector.DeleteByPostIDs(ctx, domain.CollectionName(user.ID), ids); err != nil {
		return len(ids), fmt.Errorf("очистка векторного хранилища: %w", err)
	}
	if err := s.graph.DetachPosts(ctx, user.TGUserID, ids); err != nil {
		return len(ids), fmt.Errorf("очистка графа: %w", err)
	}

	s.log.Info().Int64("user", user.ID).Int("deleted", len(ids)).Time("cutoff", cutoff).Msg("retention: посты пользователя удалены")
	return len(ids), nil
}
