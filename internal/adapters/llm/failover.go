package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// Failover пробует основного провайдера и переключается на запасного при сбое.
type Failover struct {
	primary  domain.ChatProvider
	fallback domain.ChatProvider
	log      zerolog.Logger
}

var _ domain.ChatProvider = (*Failover)(nil)

// NewFailover создаёт провайдера с переключением. Запасной может быть nil.
func NewFailover(primary, fallback domain.ChatProvider, log zerolog.Logger) *Failover {
	return &Failover{primary: primary, fallback: fallback, log: log}
}

// Name возвращает имя основного провайдера.
func (f *Failover) Name() string { return f.primary.Name() }

// Complete выполняет запрос, при ошибке основного провайдера пробует запасного.
func (f *Failover) Complete(ctx context.Context, req domain.ChatRequest) (string, error) {
	out, err := f.primary.Complete(ctx, req)
	if err == nil {
		return out, nil
	}
	if f.fallback == nil || ctx.Err() != nil {
		return "", err
	}

	metrics.TaggingFallbackTotal.Inc()
	f.log.Warn().Err(err).
		Str("primary", f.primary.Name()).
		Str("fallback", f.fallback.Name()).
		Msg("llm: основной провайдер недоступен, переключаемся")

	out, fbErr := f.fallback.Complete(ctx, req)
	if fbErr != nil {
		return "", fmt.Errorf("%w; запасной: %w", err, fbErr)
	}
	return out, nil
}
