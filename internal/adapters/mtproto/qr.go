package mtproto

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// QRResult — итог успешного входа по QR-коду.
type QRResult struct {
	TGUserID    int64
	DisplayName string
}

// AuthenticateQR проводит вход по QR-коду: подключается к Telegram, отдаёт
// ссылку tg://login через onToken и блокируется до подтверждения входа с
// телефона или отмены контекста. Сессия сохраняется в storage.
func AuthenticateQR(ctx context.Context, apiID int, apiHash string, storage session.Storage, onToken func(url string, expiresAt time.Time)) (QRResult, error) {
	dispatcher := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(dispatcher)
	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
	})

	var res QRResult
	err := client.Run(ctx, func(ctx context.Context) error {
		start := time.Now()
		authorization, err := client.QR().Auth(ctx, loggedIn, func(ctx context.Context, token qrlogin.Token) error {
			onToken(token.URL(), token.Expires())
			return nil
		})
		metrics.ObserveNetworkRequest("mtproto", "qr_auth", "auth", start, err)
		if err != nil {
			return err
		}
		user, ok := authorization.User.(*tg.User)
		if !ok {
			return fmt.Errorf("неожиданный тип пользователя в ответе авторизации")
		}
		res.TGUserID = user.ID
		res.DisplayName = displayName(user)
		return nil
	})
	if err != nil {
		if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
			return QRResult{}, fmt.Errorf("%w: включена двухфакторная аутентификация", domain.ErrTelegramRejected)
		}
		if tgErr, ok := tgerr.As(err); ok {
			return QRResult{}, fmt.Errorf("%w: %s", domain.ErrTelegramRejected, tgErr.Type)
		}
		return QRResult{}, err
	}
	return res, nil
}
