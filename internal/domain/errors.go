package domain

import (
	"errors"
	"fmt"
)

// Терминальные ошибки доменного уровня. Их не имеет смысла повторять.
var (
	// ErrInviteInvalid — код не найден, истёк или исчерпан.
	ErrInviteInvalid = errors.New("пригласительный код недействителен")
	// ErrAuthExpired — QR-сессия истекла или сессия Telegram отозвана.
	ErrAuthExpired = errors.New("авторизация истекла, требуется повторный вход")
	// ErrTelegramRejected — канал приватный, пользователь забанен или flood-wait.
	ErrTelegramRejected = errors.New("telegram отклонил запрос")
	// ErrProviderDown — провайдер LLM недоступен.
	ErrProviderDown = errors.New("провайдер недоступен")
	// ErrRateLimited — не удалось получить слот у ограничителя скорости.
	ErrRateLimited = errors.New("превышен лимит запросов к провайдеру")
	// ErrStoreUnavailable — одно из хранилищ недоступно.
	ErrStoreUnavailable = errors.New("хранилище недоступно")
	// ErrQuotaExceeded — превышен лимит тарифа пользователя.
	ErrQuotaExceeded = errors.New("превышен лимит тарифа")
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
)

// TransientError помечает ошибку как временную: её можно повторить с backoff.
type TransientError struct {
	Err error
}

// Error реализует error.
func (e *TransientError) Error() string {
	return fmt.Sprintf("временная ошибка: %v", e.Err)
}

// Unwrap возвращает исходную ошибку.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient оборачивает ошибку как временную. nil остаётся nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient сообщает, можно ли повторить операцию.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
