package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-rag-bot/internal/domain"
)

// RedisIngestQueue реализует очередь событий на базе Redis lists.
// Используется в dev-окружении, где RabbitMQ не разворачивается.
type RedisIngestQueue struct {
	client *redis.Client
	key    string
}

var _ domain.IngestQueue = (*RedisIngestQueue)(nil)

// NewRedisIngestQueue создаёт очередь по указанному ключу.
func NewRedisIngestQueue(client *redis.Client, key string) *RedisIngestQueue {
	return &RedisIngestQueue{client: client, key: key}
}

// Publish публикует событие в очередь.
func (q *RedisIngestQueue) Publish(ctx context.Context, ev domain.IngestEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return domain.Transient(fmt.Errorf("запись события: %w", err))
	}
	return nil
}

// Receive блокирующе читает событие из очереди.
func (q *RedisIngestQueue) Receive(ctx context.Context) (domain.IngestEvent, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.IngestEvent{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.IngestEvent{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.IngestEvent{}, nil, domain.Transient(err)
		}
		if len(res) != 2 {
			return domain.IngestEvent{}, nil, errors.New("redis queue: неожиданный ответ")
		}
		var ev domain.IngestEvent
		if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
			return domain.IngestEvent{}, nil, fmt.Errorf("распаковка события: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.Publish(context.Background(), ev)
		}
		return ev, ack, nil
	}
}
