package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-rag-bot/internal/domain"
)

const ratePrefix = "rate:"

// Rule задаёт допустимую частоту обращений к внешней системе.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules — базовые ограничения для известных внешних систем.
// LLM и эмбеддинги идут через "openai" с шагом не чаще раза в секунду.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"telegram": {Limit: 20, Window: time.Second},
		"openai":   {Limit: 1, Window: time.Second},
		"vector":   {Limit: 100, Window: time.Second},
		"graph":    {Limit: 50, Window: time.Second},
	}
}

// RedisLimiter реализует скользящее окно на счётчиках Redis.
// Счётчик живёт в ключе rate:{upstream} ровно одно окно.
type RedisLimiter struct {
	client   *redis.Client
	rules    map[string]Rule
	retry    time.Duration
	fallback Rule
}

var _ domain.Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter создаёт лимитер с заданными правилами.
func NewRedisLimiter(client *redis.Client, rules map[string]Rule) *RedisLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RedisLimiter{
		client:   client,
		rules:    rules,
		retry:    50 * time.Millisecond,
		fallback: Rule{Limit: 10, Window: time.Second},
	}
}

// Acquire блокируется до получения слота для upstream.
// При исчерпании дедлайна контекста возвращает ErrRateLimited.
func (l *RedisLimiter) Acquire(ctx context.Context, upstream string) error {
	rule, ok := l.rules[upstream]
	if !ok {
		rule = l.fallback
	}
	key := ratePrefix + upstream

	for {
		granted, err := l.tryAcquire(ctx, key, rule)
		if err != nil {
			return domain.Transient(fmt.Errorf("лимитер %s: %w", upstream, err))
		}
		if granted {
			return nil
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", domain.ErrRateLimited, upstream)
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLimiter) tryAcquire(ctx context.Context, key string, rule Rule) (bool, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, key, rule.Window).Err(); err != nil {
			return false, err
		}
	}
	if count > int64(rule.Limit) {
		// Ключ без TTL означает сбой между INCR и PEXPIRE: чиним, чтобы окно не зависло.
		ttl, err := l.client.PTTL(ctx, key).Result()
		if err == nil && ttl < 0 {
			_ = l.client.PExpire(ctx, key, rule.Window).Err()
		}
		return false, nil
	}
	return true, nil
}
