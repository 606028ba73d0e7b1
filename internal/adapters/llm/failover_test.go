package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
)

type stubProvider struct {
	name  string
	out   string
	err   error
	calls int
}

func (s *stubProvider) Complete(_ context.Context, _ domain.ChatRequest) (string, error) {
	s.calls++
	return s.out, s.err
}

func (s *stubProvider) Name() string { return s.name }

func TestFailoverUsesPrimary(t *testing.T) {
	primary := &stubProvider{name: "primary", out: "ответ"}
	fallback := &stubProvider{name: "fallback", out: "запасной"}
	f := NewFailover(primary, fallback, zerolog.Nop())

	out, err := f.Complete(context.Background(), domain.ChatRequest{User: "вопрос"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "ответ" {
		t.Fatalf("ожидался ответ основного провайдера, получено %q", out)
	}
	if fallback.calls != 0 {
		t.Fatal("запасной провайдер не должен вызываться при успехе основного")
	}
}

func TestFailoverSwitchesOnError(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("нет связи")}
	fallback := &stubProvider{name: "fallback", out: "запасной"}
	f := NewFailover(primary, fallback, zerolog.Nop())

	out, err := f.Complete(context.Background(), domain.ChatRequest{User: "вопрос"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "запасной" {
		t.Fatalf("ожидался ответ запасного провайдера, получено %q", out)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("неожиданное число вызовов: primary=%d fallback=%d", primary.calls, fallback.calls)
	}
}

func TestFailoverBothFail(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("нет связи")}
	fallback := &stubProvider{name: "fallback", err: errors.New("тоже нет")}
	f := NewFailover(primary, fallback, zerolog.Nop())

	if _, err := f.Complete(context.Background(), domain.ChatRequest{User: "вопрос"}); err == nil {
		t.Fatal("ожидалась ошибка, когда оба провайдера недоступны")
	}
}

func TestFailoverWithoutFallback(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("нет связи")}
	f := NewFailover(primary, nil, zerolog.Nop())

	if _, err := f.Complete(context.Background(), domain.ChatRequest{User: "вопрос"}); err == nil {
		t.Fatal("ожидалась ошибка без запасного провайдера")
	}
}
