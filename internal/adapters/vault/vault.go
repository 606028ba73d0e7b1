package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Vault шифрует и расшифровывает секреты пользователей (api_id, api_hash,
// блобы MTProto-сессий) алгоритмом AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// New создаёт хранилище секретов. Ключ любой длины приводится к 256 битам
// через SHA-256, поэтому смена способа задания ключа ломает расшифровку.
func New(key string) (*Vault, error) {
	if key == "" {
		return nil, fmt.Errorf("ключ шифрования пуст")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("инициализация шифра: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("инициализация gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// EncryptString шифрует строку и возвращает base64(nonce || ciphertext).
func (v *Vault) EncryptString(plaintext string) (string, error) {
	data, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecryptString расшифровывает строку, созданную EncryptString.
func (v *Vault) DecryptString(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("декодирование секрета: %w", err)
	}
	plain, err := v.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt шифрует данные, пряча одноразовый nonce в начало результата.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("генерация nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt расшифровывает данные, созданные Encrypt.
func (v *Vault) Decrypt(data []byte) ([]byte, error) {
	if len(data) < v.aead.NonceSize() {
		return nil, fmt.Errorf("повреждённый секрет: слишком короткий")
	}
	nonce, ciphertext := data[:v.aead.NonceSize()], data[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("расшифровка секрета: %w", err)
	}
	return plain, nil
}

// Mask возвращает секрет в виде, пригодном для логов и интерфейса админа:
// видны только первые и последние два символа.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}
