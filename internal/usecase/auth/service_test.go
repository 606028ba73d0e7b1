package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/session"
	"github.com/rs/zerolog"

	"tg-rag-bot/internal/adapters/mtproto"
	"tg-rag-bot/internal/adapters/vault"
	"tg-rag-bot/internal/domain"
)

type stubRepo struct {
	mu sync.Mutex

	invite       domain.InviteCode
	inviteErr    error
	users        map[int64]domain.User
	finalized    []int64
	creds        map[int64][2]string
	blobs        map[int64][]byte
	qrSessions   map[string]domain.QRAuthSession
	adminTokens  map[string]domain.AdminSession
	started      []int64
	startErr     error
	finalizeErr  error
	createdCodes []domain.InviteCode
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:       map[int64]domain.User{},
		creds:       map[int64][2]string{},
		blobs:       map[int64][]byte{},
		qrSessions:  map[string]domain.QRAuthSession{},
		adminTokens: map[string]domain.AdminSession{},
	}
}

func (s *stubRepo) GetByTGID(_ context.Context, tgUserID int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[tgUserID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *stubRepo) GetByID(context.Context, int64) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}

func (s *stubRepo) ListActive(context.Context) ([]domain.User, error) { return nil, nil }

func (s *stubRepo) FinalizeLogin(_ context.Context, tgUserID int64, displayName string, _ domain.InviteCode) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizeErr != nil {
		return domain.User{}, s.finalizeErr
	}
	s.finalized = append(s.finalized, tgUserID)
	u := domain.User{ID: tgUserID + 100, TGUserID: tgUserID, DisplayName: displayName, IsActive: true}
	s.users[tgUserID] = u
	return u, nil
}

func (s *stubRepo) UpdateRetentionDays(context.Context, int64, int) error { return nil }

func (s *stubRepo) UpdateCredentials(_ context.Context, userID int64, apiIDEnc, apiHashEnc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[userID] = [2]string{apiIDEnc, apiHashEnc}
	return nil
}

func (s *stubRepo) SetActive(context.Context, int64, bool) error { return nil }

func (s *stubRepo) CreateInvite(_ context.Context, invite domain.InviteCode) (domain.InviteCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite.ID = int64(len(s.createdCodes) + 1)
	s.createdCodes = append(s.createdCodes, invite)
	return invite, nil
}

func (s *stubRepo) ValidateInvite(_ context.Context, code string) (domain.InviteCode, error) {
	if s.inviteErr != nil {
		return domain.InviteCode{}, s.inviteErr
	}
	inv := s.invite
	inv.Code = code
	return inv, nil
}

func (s *stubRepo) LoadSessionBlob(_ context.Context, userID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[userID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return blob, nil
}

func (s *stubRepo) StoreSessionBlob(_ context.Context, userID int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[userID] = append([]byte(nil), data...)
	return nil
}

func (s *stubRepo) SaveQRSession(_ context.Context, qr domain.QRAuthSession, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qrSessions[qr.ID] = qr
	return nil
}

func (s *stubRepo) GetQRSession(_ context.Context, id string) (domain.QRAuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qr, ok := s.qrSessions[id]
	if !ok {
		return domain.QRAuthSession{}, domain.ErrNotFound
	}
	return qr, nil
}

func (s *stubRepo) SaveAdminSession(_ context.Context, a domain.AdminSession, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminTokens[a.Token] = a
	return nil
}

func (s *stubRepo) GetAdminSession(_ context.Context, token string) (domain.AdminSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adminTokens[token]
	if !ok {
		return domain.AdminSession{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *stubRepo) Once(_ context.Context, _ string, _ time.Duration, fn func() error) error {
	return fn()
}

func (s *stubRepo) StartUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, user.ID)
	return nil
}

func newTestService(t *testing.T, repo *stubRepo, qrAuth qrAuthenticator) *Service {
	t.Helper()
	v, err := vault.New("test-encryption-key")
	if err != nil {
		t.Fatalf("не ожидали ошибку создания хранилища секретов: %v", err)
	}
	svc := NewService(repo, repo, repo, repo, v, repo, zerolog.Nop())
	if qrAuth != nil {
		svc.qrAuth = qrAuth
	}
	return svc
}

func waitStatus(t *testing.T, svc *Service, id string, want domain.QRStatus) domain.QRAuthSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		qr, err := svc.QRStatus(context.Background(), id)
		if err == nil && qr.Status == want {
			return qr
		}
		time.Sleep(10 * time.Millisecond)
	}
	qr, err := svc.QRStatus(context.Background(), id)
	t.Fatalf("не дождались статуса %q: статус %q, ошибка %v", want, qr.Status, err)
	return domain.QRAuthSession{}
}

func TestStartQRFinalizesLogin(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, func(ctx context.Context, apiID int, apiHash string, storage session.Storage, onToken func(string, time.Time)) (mtproto.QRResult, error) {
		onToken("tg://login?token=abc", time.Now().Add(30*time.Second))
		if err := storage.StoreSession(ctx, []byte(`{"Version":1}`)); err != nil {
			return mtproto.QRResult{}, err
		}
		return mtproto.QRResult{TGUserID: 777, DisplayName: "Тест"}, nil
	})

	started, err := svc.StartQR(context.Background(), "ABCD123456", 12345, "hash")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if started.Token != "tg://login?token=abc" {
		t.Fatalf("ответ должен содержать первый QR-токен: %q", started.Token)
	}
	if !started.ExpiresAt.After(time.Now().UTC()) {
		t.Fatalf("ответ должен содержать срок жизни сессии: %v", started.ExpiresAt)
	}

	qr := waitStatus(t, svc, started.ID, domain.QRFinalized)
	if qr.TGUserID != 777 {
		t.Fatalf("неожиданный tg_user_id: %d", qr.TGUserID)
	}
	if len(repo.finalized) != 1 || repo.finalized[0] != 777 {
		t.Fatalf("вход не финализирован: %v", repo.finalized)
	}
	userID := int64(777 + 100)
	if _, ok := repo.blobs[userID]; !ok {
		t.Fatalf("блоб сессии не сохранён")
	}
	if _, ok := repo.creds[userID]; !ok {
		t.Fatalf("учётные данные не сохранены")
	}
	if len(repo.started) != 1 || repo.started[0] != userID {
		t.Fatalf("клиент не запущен после входа: %v", repo.started)
	}
}

func TestStartQRInvalidInvite(t *testing.T) {
	repo := newStubRepo()
	repo.inviteErr = domain.ErrInviteInvalid
	svc := newTestService(t, repo, nil)

	if _, err := svc.StartQR(context.Background(), "BADCODE", 12345, "hash"); !errors.Is(err, domain.ErrInviteInvalid) {
		t.Fatalf("ожидали ErrInviteInvalid, получили %v", err)
	}
}

func TestStartQRTelegramError(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, func(context.Context, int, string, session.Storage, func(string, time.Time)) (mtproto.QRResult, error) {
		return mtproto.QRResult{}, errors.New("AUTH_TOKEN_EXPIRED")
	})

	_, err := svc.StartQR(context.Background(), "ABCD123456", 12345, "hash")
	if !errors.Is(err, domain.ErrTelegramRejected) {
		t.Fatalf("ожидали ErrTelegramRejected, получили %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.qrSessions) != 1 {
		t.Fatalf("ожидали одну QR-сессию, получили %d", len(repo.qrSessions))
	}
	for _, qr := range repo.qrSessions {
		if qr.Status != domain.QRError || qr.Error == "" {
			t.Fatalf("в сессии должна остаться ошибка: %+v", qr)
		}
	}
	if len(repo.finalized) != 0 {
		t.Fatalf("вход не должен финализироваться при ошибке")
	}
}

func TestQRStatusUnknownSession(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, nil)
	if _, err := svc.QRStatus(context.Background(), "нет-такой"); !errors.Is(err, domain.ErrAuthExpired) {
		t.Fatalf("ожидали ErrAuthExpired, получили %v", err)
	}
}

func TestAdminLoginRequiresAdminRole(t *testing.T) {
	repo := newStubRepo()
	repo.users[10] = domain.User{ID: 1, TGUserID: 10, Role: domain.UserRoleUser}
	repo.users[20] = domain.User{ID: 2, TGUserID: 20, Role: domain.UserRoleAdmin}
	svc := newTestService(t, repo, nil)

	if _, err := svc.AdminLogin(context.Background(), 10); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("ожидали ErrNotAdmin, получили %v", err)
	}

	admin, err := svc.AdminLogin(context.Background(), 20)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got, err := svc.ValidateAdmin(context.Background(), admin.Token)
	if err != nil {
		t.Fatalf("не ожидали ошибку проверки токена: %v", err)
	}
	if got.TGUserID != 20 {
		t.Fatalf("неожиданный tg_user_id в сессии: %d", got.TGUserID)
	}
}

func TestValidateAdminExpired(t *testing.T) {
	repo := newStubRepo()
	repo.adminTokens["old"] = domain.AdminSession{Token: "old", TGUserID: 20, ExpiresAt: time.Now().UTC().Add(-time.Minute)}
	svc := newTestService(t, repo, nil)

	if _, err := svc.ValidateAdmin(context.Background(), "old"); !errors.Is(err, domain.ErrAuthExpired) {
		t.Fatalf("ожидали ErrAuthExpired, получили %v", err)
	}
}

func TestCreateInviteRequiresAdmin(t *testing.T) {
	repo := newStubRepo()
	repo.users[20] = domain.User{ID: 2, TGUserID: 20, Role: domain.UserRoleAdmin}
	svc := newTestService(t, repo, nil)

	if _, err := svc.CreateInvite(context.Background(), "чужой-токен", domain.TierBasic, 7, 1, nil); !errors.Is(err, domain.ErrAuthExpired) {
		t.Fatalf("ожидали ErrAuthExpired, получили %v", err)
	}

	admin, err := svc.AdminLogin(context.Background(), 20)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	invite, err := svc.CreateInvite(context.Background(), admin.Token, domain.TierBasic, 7, 1, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(invite.Code) != inviteCodeLength {
		t.Fatalf("неожиданная длина кода: %q", invite.Code)
	}
	if invite.Tier != domain.TierBasic || invite.TrialDays != 7 {
		t.Fatalf("параметры кода не сохранены: %+v", invite)
	}
}
