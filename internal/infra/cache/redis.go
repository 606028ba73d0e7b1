package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// Непересекающиеся пространства ключей. Смешивать нельзя.
const (
	qrSessionPrefix    = "qr_session:"
	adminSessionPrefix = "admin_session:"
)

// RedisCache реализует domain.SessionCache через Redis.
type RedisCache struct {
	client *redis.Client
}

var _ domain.SessionCache = (*RedisCache)(nil)

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// SaveQRSession сохраняет QR-сессию с TTL.
func (c *RedisCache) SaveQRSession(ctx context.Context, s domain.QRAuthSession, ttl time.Duration) error {
	return c.setJSON(ctx, qrSessionPrefix+s.ID, s, ttl)
}

// GetQRSession возвращает QR-сессию по идентификатору.
func (c *RedisCache) GetQRSession(ctx context.Context, id string) (domain.QRAuthSession, error) {
	var s domain.QRAuthSession
	if err := c.getJSON(ctx, qrSessionPrefix+id, &s); err != nil {
		return domain.QRAuthSession{}, err
	}
	return s, nil
}

// SaveAdminSession сохраняет сессию администратора с TTL.
func (c *RedisCache) SaveAdminSession(ctx context.Context, s domain.AdminSession, ttl time.Duration) error {
	return c.setJSON(ctx, adminSessionPrefix+s.Token, s, ttl)
}

// GetAdminSession возвращает сессию администратора по токену.
func (c *RedisCache) GetAdminSession(ctx context.Context, token string) (domain.AdminSession, error) {
	var s domain.AdminSession
	if err := c.getJSON(ctx, adminSessionPrefix+token, &s); err != nil {
		return domain.AdminSession{}, err
	}
	return s, nil
}

// Once выполняет функцию, если ключ ещё не занят.
func (c *RedisCache) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	start := time.Now()
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", key, start, err)
	if err != nil {
		return domain.Transient(err)
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return err
	}
	return nil
}

func (c *RedisCache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("сериализация сессии: %w", err)
	}
	start := time.Now()
	err = c.client.Set(ctx, key, payload, ttl).Err()
	metrics.ObserveNetworkRequest("redis", "set", key, start, err)
	if err != nil {
		return domain.Transient(err)
	}
	return nil
}

func (c *RedisCache) getJSON(ctx context.Context, key string, v any) error {
	start := time.Now()
	payload, err := c.client.Get(ctx, key).Bytes()
	metrics.ObserveNetworkRequest("redis", "get", key, start, err)
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return domain.Transient(err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("распаковка сессии: %w", err)
	}
	return nil
}
