package mtproto

import (
	"context"
	"fmt"

	"github.com/gotd/td/session"

	"tg-rag-bot/internal/adapters/vault"
	"tg-rag-bot/internal/domain"
)

// EncryptedStorage хранит gotd-сессию пользователя в БД в зашифрованном виде.
type EncryptedStorage struct {
	repo   domain.MTProtoSessionRepo
	vault  *vault.Vault
	userID int64
}

var _ session.Storage = (*EncryptedStorage)(nil)

// NewEncryptedStorage создаёт хранилище сессии для одного пользователя.
func NewEncryptedStorage(repo domain.MTProtoSessionRepo, v *vault.Vault, userID int64) *EncryptedStorage {
	return &EncryptedStorage{repo: repo, vault: v, userID: userID}
}

// LoadSession загружает и расшифровывает блоб сессии.
// Блобы сторонних форматов (Telethon) приводятся к формату gotd на лету.
func (s *EncryptedStorage) LoadSession(ctx context.Context) ([]byte, error) {
	blob, err := s.repo.LoadSessionBlob(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	plain, err := s.vault.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("расшифровка сессии пользователя %d: %w", s.userID, err)
	}
	normalized, _, err := NormalizeSessionBlob(plain)
	if err != nil {
		return nil, fmt.Errorf("нормализация сессии пользователя %d: %w", s.userID, err)
	}
	return normalized, nil
}

// StoreSession шифрует и сохраняет блоб сессии.
func (s *EncryptedStorage) StoreSession(ctx context.Context, data []byte) error {
	enc, err := s.vault.Encrypt(data)
	if err != nil {
		return fmt.Errorf("шифрование сессии пользователя %d: %w", s.userID, err)
	}
	return s.repo.StoreSessionBlob(ctx, s.userID, enc)
}
