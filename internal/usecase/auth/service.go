package auth

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/rs/zerolog"

	"tg-rag-bot/internal/adapters/mtproto"
	"tg-rag-bot/internal/adapters/vault"
	"tg-rag-bot/internal/domain"
)

const (
	qrSessionTTL    = 5 * time.Minute
	qrTokenWait     = 10 * time.Second
	adminSessionTTL = time.Hour

	inviteAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	inviteCodeLength = 10
)

// ErrNotAdmin возвращается при попытке входа в админку без роли администратора.
var ErrNotAdmin = errors.New("пользователь не администратор")

type qrAuthenticator func(ctx context.Context, apiID int, apiHash string, storage session.Storage, onToken func(url string, expiresAt time.Time)) (mtproto.QRResult, error)

type clientStarter interface {
	StartUser(ctx context.Context, user domain.User) error
}

// Service реализует вход по QR-коду, пригласительные коды и сессии админки.
type Service struct {
	users    domain.UserRepo
	invites  domain.InviteRepo
	sessions domain.MTProtoSessionRepo
	cache    domain.SessionCache
	vault    *vault.Vault
	starter  clientStarter
	log      zerolog.Logger

	qrAuth qrAuthenticator
}

// NewService создаёт сервис авторизации.
func NewService(users domain.UserRepo, invites domain.InviteRepo, sessions domain.MTProtoSessionRepo, cache domain.SessionCache, v *vault.Vault, starter clientStarter, log zerolog.Logger) *Service {
	return &Service{
		users:    users,
		invites:  invites,
		sessions: sessions,
		cache:    cache,
		vault:    v,
		starter:  starter,
		log:      log,
		qrAuth:   mtproto.AuthenticateQR,
	}
}

// StartQR проверяет пригласительный код, запускает вход по QR-коду в фоне
// и дожидается первого токена, чтобы клиент сразу получил код для показа.
func (s *Service) StartQR(ctx context.Context, inviteCode string, apiID int, apiHash string) (domain.QRAuthSession, error) {
	invite, err := s.invites.ValidateInvite(ctx, inviteCode)
	if err != nil {
		return domain.QRAuthSession{}, err
	}
	if apiID <= 0 || strings.TrimSpace(apiHash) == "" {
		return domain.QRAuthSession{}, fmt.Errorf("%w: не заданы api_id или api_hash", domain.ErrTelegramRejected)
	}

	qr := domain.QRAuthSession{
		ID:         uuid.NewString(),
		InviteCode: invite.Code,
		Status:     domain.QRPending,
		ExpiresAt:  time.Now().UTC().Add(qrSessionTTL),
	}
	if err := s.cache.SaveQRSession(ctx, qr, qrSessionTTL); err != nil {
		return domain.QRAuthSession{}, fmt.Errorf("сохранение QR-сессии: %w", err)
	}

	firstToken := make(chan string, 1)
	go s.runQR(qr, invite, apiID, apiHash, firstToken)

	wait := time.NewTimer(qrTokenWait)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		return qr, ctx.Err()
	case <-wait.C:
	case token := <-firstToken:
		if token == "" {
			// Вход упал до показа токена: статус с ошибкой уже в кэше.
			cached, err := s.cache.GetQRSession(ctx, qr.ID)
			if err == nil && cached.Status == domain.QRError {
				return domain.QRAuthSession{}, fmt.Errorf("%w: %s", domain.ErrTelegramRejected, cached.Error)
			}
			return qr, nil
		}
		qr.Token = token
	}
	return qr, nil
}

// runQR ведёт QR-сессию от показа токена до финализации. Первый токен (или
// пустая строка при ранней ошибке) уходит в first. Живёт в собственном
// контексте: HTTP-запрос, породивший сессию, уже завершён.
func (s *Service) runQR(qr domain.QRAuthSession, invite domain.InviteCode, apiID int, apiHash string, first chan<- string) {
	ctx, cancel := context.WithTimeout(context.Background(), qrSessionTTL)
	defer cancel()

	storage := &session.StorageMemory{}
	result, err := s.qrAuth(ctx, apiID, apiHash, storage, func(url string, expiresAt time.Time) {
		qr.Token = url
		s.saveQR(ctx, qr)
		select {
		case first <- url:
		default:
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			qr.Status = domain.QRExpired
		} else {
			qr.Status = domain.QRError
			qr.Error = err.Error()
		}
		s.saveQR(context.Background(), qr)
		select {
		case first <- "":
		default:
		}
		s.log.Warn().Err(err).Str("session", qr.ID).Msg("auth: вход по QR не завершён")
		return
	}

	qr.Status = domain.QRAuthorized
	qr.TGUserID = result.TGUserID
	s.saveQR(ctx, qr)

	if err := s.finalize(ctx, &qr, invite, result, storage, apiID, apiHash); err != nil {
		qr.Status = domain.QRError
		qr.Error = err.Error()
		s.saveQR(context.Background(), qr)
		s.log.Error().Err(err).Str("session", qr.ID).Msg("auth: финализация входа не удалась")
		return
	}

	qr.Status = domain.QRFinalized
	s.saveQR(context.Background(), qr)
	s.log.Info().Int64("tg_user", result.TGUserID).Str("session", qr.ID).Msg("auth: вход по QR завершён")
}

// finalize атомарно создаёт пользователя, списывает код и сохраняет секреты.
// Повторный вызов для той же сессии безопасен: пользователь и блоб перезаписываются
// теми же значениями, а код списывается в той же транзакции, что и пользователь.
func (s *Service) finalize(ctx context.Context, qr *domain.QRAuthSession, invite domain.InviteCode, result mtproto.QRResult, storage session.Storage, apiID int, apiHash string) error {
	current, err := s.cache.GetQRSession(ctx, qr.ID)
	if err == nil && current.Status == domain.QRFinalized {
		return nil
	}

	user, err := s.users.FinalizeLogin(ctx, result.TGUserID, result.DisplayName, invite)
	if err != nil {
		return fmt.Errorf("создание пользователя: %w", err)
	}

	blob, err := storage.LoadSession(ctx)
	if err != nil {
		return fmt.Errorf("чтение сессии: %w", err)
	}
	encrypted, err := s.vault.Encrypt(blob)
	if err != nil {
		return fmt.Errorf("шифрование сессии: %w", err)
	}
	if err := s.sessions.StoreSessionBlob(ctx, user.ID, encrypted); err != nil {
		return fmt.Errorf("сохранение сессии: %w", err)
	}

	apiIDEnc, err := s.vault.EncryptString(strconv.Itoa(apiID))
	if err != nil {
		return fmt.Errorf("шифрование api_id: %w", err)
	}
	apiHashEnc, err := s.vault.EncryptString(apiHash)
	if err != nil {
		return fmt.Errorf("шифрование api_hash: %w", err)
	}
	if err := s.users.UpdateCredentials(ctx, user.ID, apiIDEnc, apiHashEnc); err != nil {
		return fmt.Errorf("сохранение учётных данных: %w", err)
	}

	user.APIIDEncrypted = apiIDEnc
	user.APIHashEncrypted = apiHashEnc
	if s.starter != nil {
		if err := s.starter.StartUser(context.WithoutCancel(ctx), user); err != nil {
			s.log.Error().Err(err).Int64("user", user.ID).Msg("auth: клиент не запущен после входа")
		}
	}
	return nil
}

func (s *Service) saveQR(ctx context.Context, qr domain.QRAuthSession) {
	ttl := time.Until(qr.ExpiresAt)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := s.cache.SaveQRSession(ctx, qr, ttl); err != nil {
		s.log.Error().Err(err).Str("session", qr.ID).Msg("auth: не удалось обновить QR-сессию")
	}
}

// QRStatus возвращает текущее состояние QR-сессии.
func (s *Service) QRStatus(ctx context.Context, sessionID string) (domain.QRAuthSession, error) {
	qr, err := s.cache.GetQRSession(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.QRAuthSession{}, domain.ErrAuthExpired
	}
	if err != nil {
		return domain.QRAuthSession{}, err
	}
	if qr.Status == domain.QRPending && time.Now().UTC().After(qr.ExpiresAt) {
		qr.Status = domain.QRExpired
	}
	return qr, nil
}

// CreateInvite создаёт пригласительный код (операция администратора).
func (s *Service) CreateInvite(ctx context.Context, adminToken string, tier domain.SubscriptionTier, trialDays, maxUses int, expiresAt *time.Time) (domain.InviteCode, error) {
	if _, err := s.ValidateAdmin(ctx, adminToken); err != nil {
		return domain.InviteCode{}, err
	}
	code, err := generateInviteCode()
	if err != nil {
		return domain.InviteCode{}, fmt.Errorf("генерация кода: %w", err)
	}
	invite := domain.InviteCode{
		Code:      code,
		Tier:      tier,
		TrialDays: trialDays,
		MaxUses:   maxUses,
		ExpiresAt: expiresAt,
	}
	return s.invites.CreateInvite(ctx, invite)
}

// AdminLogin выдаёт сессию админки пользователю с ролью администратора.
func (s *Service) AdminLogin(ctx context.Context, tgUserID int64) (domain.AdminSession, error) {
	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		return domain.AdminSession{}, fmt.Errorf("получение пользователя: %w", err)
	}
	if user.Role != domain.UserRoleAdmin {
		return domain.AdminSession{}, ErrNotAdmin
	}
	admin := domain.AdminSession{
		Token:     uuid.NewString(),
		TGUserID:  tgUserID,
		ExpiresAt: time.Now().UTC().Add(adminSessionTTL),
	}
	if err := s.cache.SaveAdminSession(ctx, admin, adminSessionTTL); err != nil {
		return domain.AdminSession{}, fmt.Errorf("сохранение сессии админки: %w", err)
	}
	return admin, nil
}

// ValidateAdmin проверяет токен сессии админки.
func (s *Service) ValidateAdmin(ctx context.Context, token string) (domain.AdminSession, error) {
	admin, err := s.cache.GetAdminSession(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AdminSession{}, domain.ErrAuthExpired
	}
	if err != nil {
		return domain.AdminSession{}, err
	}
	if time.Now().UTC().After(admin.ExpiresAt) {
		return domain.AdminSession{}, domain.ErrAuthExpired
	}
	return admin, nil
}

func generateInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	if _, err := crand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(inviteCodeLength)
	for _, raw := range buf {
		b.WriteByte(inviteAlphabet[int(raw)%len(inviteAlphabet)])
	}
	return b.String(), nil
}
