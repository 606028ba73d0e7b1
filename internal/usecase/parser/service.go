package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// Service периодически вычитывает новые посты каналов всех активных
// пользователей и публикует сигналы о загруженных батчах.
type Service struct {
	users    domain.UserRepo
	channels domain.ChannelRepo
	posts    domain.PostRepo
	sessions domain.SessionProvider
	queue    domain.IngestQueue
	limiter  domain.Limiter
	log      zerolog.Logger

	interval   time.Duration
	batchLimit int
	workers    int

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewService создаёт планировщик парсинга.
func NewService(users domain.UserRepo, channels domain.ChannelRepo, posts domain.PostRepo, sessions domain.SessionProvider, queue domain.IngestQueue, limiter domain.Limiter, interval time.Duration, batchLimit, workers int, log zerolog.Logger) *Service {
	if batchLimit <= 0 {
		batchLimit = 100
	}
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		users:      users,
		channels:   channels,
		posts:      posts,
		sessions:   sessions,
		queue:      queue,
		limiter:    limiter,
		log:        log,
		interval:   interval,
		batchLimit: batchLimit,
		workers:    workers,
		inFlight:   map[int64]struct{}{},
	}
}

// Run крутит циклы парсинга до отмены контекста.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle один раз обходит всех активных пользователей пулом воркеров.
func (s *Service) RunCycle(ctx context.Context) {
	users, err := s.users.ListActive(ctx)
	if err != nil {
		metrics.ParseCycleErrors.Inc()
		s.log.Error().Err(err).Msg("parser: не удалось получить пользователей")
		return
	}
	if len(users) == 0 {
		return
	}

	jobs := make(chan domain.User)
	metrics.ParseQueueDepth.Set(float64(len(users)))

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for user := range jobs {
				if err := s.ParseUser(ctx, user); err != nil {
					metrics.ParseCycleErrors.Inc()
					s.log.Error().Err(err).Int64("user", user.ID).Msg("parser: цикл пользователя завершился ошибкой")
				}
				metrics.ParseQueueDepth.Dec()
			}
		}()
	}

	for _, user := range users {
		select {
		case <-ctx.Done():
			metrics.ParseQueueDepth.Set(0)
			close(jobs)
			wg.Wait()
			return
		case jobs <- user:
		}
	}
	close(jobs)
	wg.Wait()
}

// ParseUser вычитывает новые посты всех каналов одного пользователя.
// Повторный вход для того же пользователя пропускается: цикл может
// длиться дольше интервала планировщика.
func (s *Service) ParseUser(ctx context.Context, user domain.User) error {
	if !s.tryLock(user.ID) {
		s.log.Debug().Int64("user", user.ID).Msg("parser: предыдущий цикл ещё идёт, пропуск")
		return nil
	}
	defer s.unlock(user.ID)

	client, ok := s.sessions.Client(user.ID)
	if !ok {
		s.log.Debug().Int64("user", user.ID).Msg("parser: клиент не запущен, пропуск")
		return nil
	}

	now := time.Now().UTC()
	limits := user.Limits(now)
	remaining := 0
	if limits.MaxPostsPerDay > 0 {
		count, err := s.posts.CountPostsToday(ctx, user.ID, now)
		if err != nil {
			return fmt.Errorf("подсчёт постов за день: %w", err)
		}
		remaining = limits.MaxPostsPerDay - count
		if remaining <= 0 {
			s.log.Info().Int64("user", user.ID).Msg("parser: дневной лимит постов исчерпан")
			return nil
		}
	}

	userChannels, err := s.channels.ListActiveUserChannels(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("получение каналов: %w", err)
	}

	var firstErr error
	total := 0
	failed := 0
	for _, uc := range userChannels {
		if err := ctx.Err(); err != nil {
			return err
		}
		inserted, err := s.parseChannel(ctx, user, client, uc, remaining)
		if err != nil {
			metrics.ParseCycleErrors.Inc()
			failed++
			s.log.Warn().Err(err).Int64("user", user.ID).Int64("channel", uc.ChannelID).Msg("parser: канал пропущен")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += inserted
		if limits.MaxPostsPerDay > 0 {
			remaining -= inserted
			if remaining <= 0 {
				s.log.Info().Int64("user", user.ID).Msg("parser: дневной лимит постов достигнут в цикле")
				break
			}
		}
	}
	s.log.Info().Int64("user", user.ID).Int("posts", total).Int("channels_failed", failed).Msg("parser: цикл пользователя завершён")
	return firstErr
}

// parseChannel вычитывает один канал и возвращает число вставленных постов.
// Курсор сдвигается только после успешной фиксации батча, поэтому диапазон
// виденных id остаётся непрерывным.
func (s *Service) parseChannel(ctx context.Context, user domain.User, client domain.TelegramSession, uc domain.UserChannel, remaining int) (int, error) {
	limit := s.batchLimit
	if remaining > 0 && remaining < limit {
		limit = remaining
	}

	if err := s.limiter.Acquire(ctx, "telegram"); err != nil {
		return 0, err
	}
	messages, err := client.ChannelHistory(ctx, uc.Channel.TGChannelID, uc.LastParsedMsgID, limit)
	if err != nil {
		if errors.Is(err, domain.ErrAuthExpired) {
			return 0, err
		}
		return 0, fmt.Errorf("история канала: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	maxID := uc.LastParsedMsgID
	batch := make([]domain.Post, 0, len(messages))
	for _, msg := range messages {
		if msg.ID > maxID {
			maxID = msg.ID
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		batch = append(batch, domain.Post{
			UserID:    user.ID,
			ChannelID: uc.ChannelID,
			TGMsgID:   msg.ID,
			PostedAt:  msg.Date,
			Text:      text,
		})
	}

	var ids []int64
	if len(batch) > 0 {
		ids, err = s.posts.InsertPosts(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("вставка постов: %w", err)
		}
	}

	if err := s.channels.AdvanceCursor(ctx, user.ID, uc.ChannelID, maxID); err != nil {
		return len(ids), fmt.Errorf("сдвиг курсора: %w", err)
	}

	if len(ids) > 0 {
		metrics.PostsIngestedTotal.Add(float64(len(ids)))
		if err := s.queue.Publish(ctx, domain.IngestEvent{UserID: user.ID, PostIDs: ids}); err != nil {
			return len(ids), fmt.Errorf("публикация события: %w", err)
		}
	}
	return len(ids), nil
}

func (s *Service) tryLock(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[userID]; busy {
		return false
	}
	s.inFlight[userID] = struct{}{}
	return true
}

func (s *Service) unlock(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, userID)
}
