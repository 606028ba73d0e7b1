package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// RabbitIngestQueue реализует очередь сигналов о загруженных постах через AMQP.
type RabbitIngestQueue struct {
	conn  *amqp.Connection
	pubCh *amqp.Channel
	queue string

	// Подписка одна на все потребляющие горутины.
	mu        sync.Mutex
	deliverCh <-chan amqp.Delivery
}

var _ domain.IngestQueue = (*RabbitIngestQueue)(nil)

// NewRabbitIngestQueue подключается к RabbitMQ и объявляет долговечную очередь.
func NewRabbitIngestQueue(amqpURL, queue string) (*RabbitIngestQueue, error) {
	if amqpURL == "" {
		return nil, fmt.Errorf("amqp url пуст")
	}
	if queue == "" {
		return nil, fmt.Errorf("имя очереди пусто")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("объявление очереди: %w", err)
	}
	return &RabbitIngestQueue{conn: conn, pubCh: ch, queue: queue}, nil
}

// Publish публикует событие в очередь.
func (q *RabbitIngestQueue) Publish(ctx context.Context, ev domain.IngestEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	start := time.Now()
	err = q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return domain.Transient(fmt.Errorf("публикация события: %w", err))
	}
	return nil
}

// Receive блокирующе читает событие из очереди.
func (q *RabbitIngestQueue) Receive(ctx context.Context) (domain.IngestEvent, domain.AckFunc, error) {
	deliverCh, err := q.deliveries()
	if err != nil {
		return domain.IngestEvent{}, nil, err
	}

	select {
	case <-ctx.Done():
		return domain.IngestEvent{}, nil, ctx.Err()
	case delivery, ok := <-deliverCh:
		if !ok {
			q.resetDeliveries(deliverCh)
			return domain.IngestEvent{}, nil, domain.Transient(fmt.Errorf("канал доставки закрыт"))
		}
		var ev domain.IngestEvent
		if err := json.Unmarshal(delivery.Body, &ev); err != nil {
			_ = delivery.Ack(false)
			return domain.IngestEvent{}, nil, fmt.Errorf("распаковка события: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return ev, ack, nil
	}
}

// deliveries лениво оформляет единственную подписку на очередь.
func (q *RabbitIngestQueue) deliveries() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliverCh != nil {
		return q.deliverCh, nil
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("открытие канала: %w", err))
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, domain.Transient(fmt.Errorf("настройка qos: %w", err))
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("подписка на очередь: %w", err))
	}
	q.deliverCh = deliveries
	return deliveries, nil
}

// resetDeliveries сбрасывает подписку, если закрылся именно наш канал.
func (q *RabbitIngestQueue) resetDeliveries(closed <-chan amqp.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliverCh == closed {
		q.deliverCh = nil
	}
}

// Close закрывает подключение.
func (q *RabbitIngestQueue) Close() error {
	return q.conn.Close()
}
