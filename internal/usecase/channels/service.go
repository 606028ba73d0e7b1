package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
)

const maxMentionWindow = 50

// Service управляет подписками пользователя на каналы и группы в рамках
// лимитов тарифа.
type Service struct {
	users    domain.UserRepo
	channels domain.ChannelRepo
	groups   domain.GroupRepo
	log      zerolog.Logger
}

// NewService создаёт сервис подписок.
func NewService(users domain.UserRepo, channels domain.ChannelRepo, groups domain.GroupRepo, log zerolog.Logger) *Service {
	return &Service{
		users:    users,
		channels: channels,
		groups:   groups,
		log:      log,
	}
}

// AttachChannel подписывает пользователя на канал с проверкой лимита тарифа.
func (s *Service) AttachChannel(ctx context.Context, userID int64, ch domain.Channel) (domain.Channel, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("получение пользователя: %w", err)
	}

	limits := user.Limits(time.Now().UTC())
	if limits.MaxChannels > 0 {
		count, err := s.channels.CountUserChannels(ctx, userID)
		if err != nil {
			return domain.Channel{}, fmt.Errorf("подсчёт каналов: %w", err)
		}
		if count >= limits.MaxChannels {
			return domain.Channel{}, fmt.Errorf("%w: каналов на тарифе %s: %d", domain.ErrQuotaExceeded, limits.Name, limits.MaxChannels)
		}
	}

	stored, err := s.channels.UpsertChannel(ctx, ch)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("сохранение канала: %w", err)
	}
	if err := s.channels.AttachChannel(ctx, userID, stored.ID); err != nil {
		return domain.Channel{}, fmt.Errorf("подписка на канал: %w", err)
	}
	s.log.Info().Int64("user", userID).Int64("channel", stored.ID).Msg("channels: канал подключён")
	return stored, nil
}

// DetachChannel отключает канал. Курсор парсинга сохраняется: повторное
// подключение продолжит с того же места.
func (s *Service) DetachChannel(ctx context.Context, userID, channelID int64) error {
	if err := s.channels.DetachChannel(ctx, userID, channelID); err != nil {
		return fmt.Errorf("отключение канала: %w", err)
	}
	return nil
}

// ListChannels возвращает активные подписки пользователя.
func (s *Service) ListChannels(ctx context.Context, userID int64) ([]domain.UserChannel, error) {
	return s.channels.ListActiveUserChannels(ctx, userID)
}

// AttachGroup подключает группу с проверкой лимита тарифа.
func (s *Service) AttachGroup(ctx context.Context, userID int64, g domain.Group) (domain.Group, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return domain.Group{}, fmt.Errorf("получение пользователя: %w", err)
	}

	limits := user.Limits(time.Now().UTC())
	if limits.MaxGroups > 0 {
		count, err := s.groups.CountUserGroups(ctx, userID)
		if err != nil {
			return domain.Group{}, fmt.Errorf("подсчёт групп: %w", err)
		}
		if count >= limits.MaxGroups {
			return domain.Group{}, fmt.Errorf("%w: групп на тарифе %s: %d", domain.ErrQuotaExceeded, limits.Name, limits.MaxGroups)
		}
	}

	stored, err := s.groups.UpsertGroup(ctx, g)
	if err != nil {
		return domain.Group{}, fmt.Errorf("сохранение группы: %w", err)
	}
	if err := s.groups.AttachGroup(ctx, userID, stored.ID); err != nil {
		return domain.Group{}, fmt.Errorf("подключение группы: %w", err)
	}
	s.log.Info().Int64("user", userID).Int64("group", stored.ID).Msg("channels: группа подключена")
	return stored, nil
}

// ListGroups возвращает активные группы пользователя.
func (s *Service) ListGroups(ctx context.Context, userID int64) ([]domain.UserGroup, error) {
	return s.groups.ListActiveUserGroups(ctx, userID)
}

// ConfigureMentions включает или выключает разбор упоминаний в группе.
func (s *Service) ConfigureMentions(ctx context.Context, userID, groupID int64, enabled bool, window int) error {
	if window <= 0 {
		window = domain.DefaultContextWindow
	}
	if window > maxMentionWindow {
		window = maxMentionWindow
	}
	if err := s.groups.SetMentions(ctx, userID, groupID, enabled, window); err != nil {
		return fmt.Errorf("настройка упоминаний: %w", err)
	}
	return nil
}

// SetRetention обновляет срок хранения постов пользователя.
func (s *Service) SetRetention(ctx context.Context, userID int64, days int) (int, error) {
	days = domain.NormalizeRetentionDays(days)
	if err := s.users.UpdateRetentionDays(ctx, userID, days); err != nil {
		return 0, fmt.Errorf("обновление срока хранения: %w", err)
	}
	return days, nil
}
