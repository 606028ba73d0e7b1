package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-rag-bot/internal/domain"
)

type stubAcknowledger struct {
	mu    sync.Mutex
	acked int
}

func (a *stubAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}
func (a *stubAcknowledger) Nack(uint64, bool, bool) error { return nil }
func (a *stubAcknowledger) Reject(uint64, bool) error     { return nil }

func testDelivery(t *testing.T, ack amqp.Acknowledger, ev domain.IngestEvent) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("сериализация события: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

// Подписка на очередь одна: параллельные Receive делят готовый канал
// доставки и не открывают второй Consume.
func TestReceiveConcurrentConsumers(t *testing.T) {
	ack := &stubAcknowledger{}
	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- testDelivery(t, ack, domain.IngestEvent{UserID: 1, PostIDs: []int64{10}})
	deliveries <- testDelivery(t, ack, domain.IngestEvent{UserID: 2, PostIDs: []int64{20}})

	// conn намеренно nil: попытка открыть вторую подписку уронит тест.
	q := &RabbitIngestQueue{queue: "ingest", deliverCh: deliveries}

	var wg sync.WaitGroup
	got := make(chan int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, ackFn, err := q.Receive(context.Background())
			if err != nil {
				t.Errorf("не ожидали ошибку: %v", err)
				return
			}
			if err := ackFn(true); err != nil {
				t.Errorf("ack: %v", err)
				return
			}
			got <- ev.UserID
		}()
	}
	wg.Wait()
	close(got)

	seen := map[int64]bool{}
	for id := range got {
		seen[id] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("оба события должны быть получены: %v", seen)
	}
	if ack.acked != 2 {
		t.Fatalf("оба события должны быть подтверждены, ack=%d", ack.acked)
	}
}

func TestReceiveClosedChannelResetsSubscription(t *testing.T) {
	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	q := &RabbitIngestQueue{queue: "ingest", deliverCh: deliveries}

	_, _, err := q.Receive(context.Background())
	if err == nil || !domain.IsTransient(err) {
		t.Fatalf("закрытый канал должен давать временную ошибку: %v", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliverCh != nil {
		t.Fatal("подписка должна сброситься после закрытия канала")
	}
}
