package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/telegram"
	"github.com/rs/zerolog"

	"tg-rag-bot/internal/adapters/vault"
	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// Supervisor держит по одному живому MTProto-клиенту на активного пользователя
// и переподключает их с экспоненциальной задержкой.
type Supervisor struct {
	users    domain.UserRepo
	sessions domain.MTProtoSessionRepo
	vault    *vault.Vault
	log      zerolog.Logger

	mu      sync.RWMutex
	clients map[int64]*LiveClient
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

var _ domain.SessionProvider = (*Supervisor)(nil)

// NewSupervisor создаёт супервизор клиентов.
func NewSupervisor(users domain.UserRepo, sessions domain.MTProtoSessionRepo, v *vault.Vault, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		users:    users,
		sessions: sessions,
		vault:    v,
		log:      log,
		clients:  make(map[int64]*LiveClient),
		cancels:  make(map[int64]context.CancelFunc),
	}
}

// StartAll запускает клиентов всех активных авторизованных пользователей.
func (s *Supervisor) StartAll(ctx context.Context) error {
	users, err := s.users.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("список активных пользователей: %w", err)
	}
	for _, user := range users {
		if err := s.StartUser(ctx, user); err != nil {
			s.log.Error().Err(err).Int64("user", user.ID).Msg("supervisor: клиент не запущен")
		}
	}
	return nil
}

// StartUser запускает клиента пользователя, если он ещё не запущен.
func (s *Supervisor) StartUser(ctx context.Context, user domain.User) error {
	if user.APIIDEncrypted == "" || user.APIHashEncrypted == "" {
		return fmt.Errorf("у пользователя %d нет учётных данных Telegram", user.ID)
	}

	s.mu.Lock()
	if _, running := s.cancels[user.ID]; running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancels[user.ID] = cancel
	s.mu.Unlock()

	apiIDStr, err := s.vault.DecryptString(user.APIIDEncrypted)
	if err != nil {
		s.stopLocked(user.ID)
		return fmt.Errorf("расшифровка api_id: %w", err)
	}
	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		s.stopLocked(user.ID)
		return fmt.Errorf("api_id пользователя %d не число", user.ID)
	}
	apiHash, err := s.vault.DecryptString(user.APIHashEncrypted)
	if err != nil {
		s.stopLocked(user.ID)
		return fmt.Errorf("расшифровка api_hash: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(runCtx, user.ID, apiID, apiHash)
	}()
	return nil
}

// StopUser останавливает клиента пользователя.
func (s *Supervisor) StopUser(userID int64) {
	s.stopLocked(userID)
}

// Close останавливает всех клиентов и дожидается завершения.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Client возвращает живого клиента пользователя, если тот запущен.
func (s *Supervisor) Client(userID int64) (domain.TelegramSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[userID]
	return client, ok
}

func (s *Supervisor) stopLocked(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[userID]; ok {
		cancel()
		delete(s.cancels, userID)
	}
}

func (s *Supervisor) supervise(ctx context.Context, userID int64, apiID int, apiHash string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		storage := NewEncryptedStorage(s.sessions, s.vault, userID)
		client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
		live := newLiveClient(userID, client, s.log)

		s.register(userID, live)
		started := time.Now()
		err := live.Run(ctx)
		s.unregister(userID)

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrAuthExpired) {
			s.log.Warn().Int64("user", userID).Msg("supervisor: сессия недействительна, клиент остановлен")
			s.stopLocked(userID)
			return
		}

		// Долгая стабильная работа сбрасывает задержку переподключения.
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		s.log.Warn().Err(err).Int64("user", userID).Dur("delay", delay).Msg("supervisor: клиент упал, переподключение")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) register(userID int64, client *LiveClient) {
	s.mu.Lock()
	s.clients[userID] = client
	s.mu.Unlock()
	metrics.LiveClients.Inc()
}

func (s *Supervisor) unregister(userID int64) {
	s.mu.Lock()
	delete(s.clients, userID)
	s.mu.Unlock()
	metrics.LiveClients.Dec()
}
