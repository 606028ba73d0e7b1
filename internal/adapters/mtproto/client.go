package mtproto

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

const historyPageSize = 100

// LiveClient — долгоживущий авторизованный MTProto-клиент одного пользователя.
type LiveClient struct {
	userID int64
	client *telegram.Client
	log    zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	hashes map[int64]int64
}

var _ domain.TelegramSession = (*LiveClient)(nil)

func newLiveClient(userID int64, client *telegram.Client, log zerolog.Logger) *LiveClient {
	return &LiveClient{
		userID: userID,
		client: client,
		log:    log,
		ready:  make(chan struct{}),
		hashes: make(map[int64]int64),
	}
}

// Run запускает клиента и блокируется до обрыва соединения или отмены контекста.
// Если сохранённая сессия не авторизована, возвращает ErrAuthExpired.
func (c *LiveClient) Run(ctx context.Context) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		start := time.Now()
		status, err := c.client.Auth().Status(ctx)
		metrics.ObserveNetworkRequest("mtproto", "auth_status", strconv.FormatInt(c.userID, 10), start, err)
		if err != nil {
			return fmt.Errorf("статус авторизации: %w", err)
		}
		if !status.Authorized {
			return domain.ErrAuthExpired
		}
		c.readyOnce.Do(func() { close(c.ready) })
		c.log.Info().Int64("user", c.userID).Msg("mtproto: клиент авторизован")
		<-ctx.Done()
		return ctx.Err()
	})
}

func (c *LiveClient) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Me возвращает идентификатор и отображаемое имя владельца сессии.
func (c *LiveClient) Me(ctx context.Context) (int64, string, error) {
	if err := c.waitReady(ctx); err != nil {
		return 0, "", err
	}
	start := time.Now()
	self, err := c.client.Self(ctx)
	metrics.ObserveNetworkRequest("mtproto", "users_get_self", strconv.FormatInt(c.userID, 10), start, err)
	if err != nil {
		return 0, "", domain.Transient(fmt.Errorf("получение профиля: %w", err))
	}
	return self.ID, displayName(self), nil
}

// ChannelHistory возвращает сообщения канала с id строго больше minID,
// упорядоченные по возрастанию id, не более limit штук.
func (c *LiveClient) ChannelHistory(ctx context.Context, channelTGID, minID int64, limit int) ([]domain.TelegramMessage, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}
	hash, err := c.accessHash(ctx, channelTGID)
	if err != nil {
		return nil, err
	}
	peer := &tg.InputPeerChannel{ChannelID: channelTGID, AccessHash: hash}

	var collected []domain.TelegramMessage
	offsetID := 0
	for {
		start := time.Now()
		raw, err := c.client.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			MinID:    int(minID),
			Limit:    historyPageSize,
		})
		metrics.ObserveNetworkRequest("mtproto", "messages_get_history", strconv.FormatInt(channelTGID, 10), start, err)
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("история канала %d: %w", channelTGID, err))
		}

		page, _ := extractMessages(raw)
		if len(page) == 0 {
			break
		}
		oldest := page[0].ID
		for _, msg := range page {
			if msg.ID < oldest {
				oldest = msg.ID
			}
			if msg.ID > minID {
				collected = append(collected, msg)
			}
		}
		if oldest <= minID+1 || len(page) < historyPageSize {
			break
		}
		offsetID = int(oldest)
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].ID < collected[j].ID })
	if limit > 0 && len(collected) > limit {
		collected = collected[:limit]
	}
	return collected, nil
}

// GroupWindow возвращает сообщения группы за окно времени, по возрастанию id.
func (c *LiveClient) GroupWindow(ctx context.Context, groupTGID int64, since time.Time) ([]domain.TelegramMessage, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	var peer tg.InputPeerClass
	if hash, err := c.accessHash(ctx, groupTGID); err == nil {
		peer = &tg.InputPeerChannel{ChannelID: groupTGID, AccessHash: hash}
	} else {
		// Обычные чаты адресуются без access hash.
		peer = &tg.InputPeerChat{ChatID: groupTGID}
	}

	var collected []domain.TelegramMessage
	offsetID := 0
	for {
		start := time.Now()
		raw, err := c.client.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    historyPageSize,
		})
		metrics.ObserveNetworkRequest("mtproto", "messages_get_history", strconv.FormatInt(groupTGID, 10), start, err)
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("история группы %d: %w", groupTGID, err))
		}

		page, reachedPast := extractWindow(raw, since)
		collected = append(collected, page...)
		if reachedPast || len(page) == 0 {
			break
		}
		oldest := page[0].ID
		for _, msg := range page {
			if msg.ID < oldest {
				oldest = msg.ID
			}
		}
		offsetID = int(oldest)
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].ID < collected[j].ID })
	return collected, nil
}

// accessHash возвращает access hash канала, подглядывая в диалоги пользователя.
func (c *LiveClient) accessHash(ctx context.Context, channelTGID int64) (int64, error) {
	c.mu.Lock()
	hash, ok := c.hashes[channelTGID]
	c.mu.Unlock()
	if ok {
		return hash, nil
	}

	start := time.Now()
	raw, err := c.client.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      200,
	})
	metrics.ObserveNetworkRequest("mtproto", "messages_get_dialogs", strconv.FormatInt(c.userID, 10), start, err)
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("список диалогов: %w", err))
	}

	var chats []tg.ChatClass
	switch dialogs := raw.(type) {
	case *tg.MessagesDialogs:
		chats = dialogs.Chats
	case *tg.MessagesDialogsSlice:
		chats = dialogs.Chats
	}

	c.mu.Lock()
	for _, chat := range chats {
		if channel, ok := chat.(*tg.Channel); ok {
			c.hashes[channel.ID] = channel.AccessHash
		}
	}
	hash, ok = c.hashes[channelTGID]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("канал %d не найден в диалогах пользователя %d", channelTGID, c.userID)
	}
	return hash, nil
}

// extractMessages разворачивает ответ messages.getHistory в доменные сообщения.
func extractMessages(raw tg.MessagesMessagesClass) ([]domain.TelegramMessage, map[int64]*tg.User) {
	var (
		msgs  []tg.MessageClass
		users []tg.UserClass
	)
	switch m := raw.(type) {
	case *tg.MessagesChannelMessages:
		msgs, users = m.Messages, m.Users
	case *tg.MessagesMessages:
		msgs, users = m.Messages, m.Users
	case *tg.MessagesMessagesSlice:
		msgs, users = m.Messages, m.Users
	}

	senders := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			senders[user.ID] = user
		}
	}

	var out []domain.TelegramMessage
	for _, m := range msgs {
		msg, ok := m.(*tg.Message)
		if !ok || msg.Message == "" {
			continue
		}
		out = append(out, domain.TelegramMessage{
			ID:     int64(msg.ID),
			Date:   time.Unix(int64(msg.Date), 0).UTC(),
			Text:   msg.Message,
			Sender: senderName(msg, senders),
		})
	}
	return out, senders
}

// extractWindow отбирает сообщения не старше since и сообщает, достигли ли мы
// края окна на этой странице.
func extractWindow(raw tg.MessagesMessagesClass, since time.Time) ([]domain.TelegramMessage, bool) {
	all, _ := extractMessages(raw)
	reachedPast := false
	var out []domain.TelegramMessage
	for _, msg := range all {
		if msg.Date.Before(since) {
			reachedPast = true
			continue
		}
		out = append(out, msg)
	}
	return out, reachedPast
}

func senderName(msg *tg.Message, users map[int64]*tg.User) string {
	peer, ok := msg.FromID.(*tg.PeerUser)
	if !ok {
		return ""
	}
	user, ok := users[peer.UserID]
	if !ok {
		return ""
	}
	return displayName(user)
}

func displayName(user *tg.User) string {
	name := strings.TrimSpace(strings.TrimSpace(user.FirstName) + " " + strings.TrimSpace(user.LastName))
	if name == "" {
		name = strings.TrimSpace(user.Username)
	}
	return name
}
