package telegram

import (
	"context"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// BotNotifier доставляет уведомления через Bot API.
type BotNotifier struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.Notifier = (*BotNotifier)(nil)

// NewBotNotifier создаёт нотификатор.
func NewBotNotifier(bot *tgbotapi.BotAPI, log zerolog.Logger) *BotNotifier {
	return &BotNotifier{bot: bot, log: log}
}

// SendHTML отправляет сообщение с HTML-разметкой, при необходимости частями.
func (n *BotNotifier) SendHTML(ctx context.Context, chatID int64, html string) error {
	for _, part := range SplitMessage(html) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if err := n.send(msg, chatID); err != nil {
			return err
		}
	}
	return nil
}

// SendPlain отправляет сообщение без разметки, при необходимости частями.
func (n *BotNotifier) SendPlain(ctx context.Context, chatID int64, text string) error {
	for _, part := range SplitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.send(tgbotapi.NewMessage(chatID, part), chatID); err != nil {
			return err
		}
	}
	return nil
}

func (n *BotNotifier) send(msg tgbotapi.MessageConfig, chatID int64) error {
	start := time.Now()
	_, err := n.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		n.log.Error().Err(err).Int64("chat", chatID).Msg("notifier: не удалось отправить сообщение")
		return domain.Transient(err)
	}
	return nil
}
