package domain

import (
	"context"
	"time"
)

// UserRepo управляет пользователями.
type UserRepo interface {
	GetByTGID(ctx context.Context, tgUserID int64) (User, error)
	GetByID(ctx context.Context, id int64) (User, error)
	ListActive(ctx context.Context) ([]User, error)
	// FinalizeLogin атомарно создаёт или обновляет пользователя по итогам
	// QR-входа и списывает использование пригласительного кода.
	FinalizeLogin(ctx context.Context, tgUserID int64, displayName string, invite InviteCode) (User, error)
	UpdateRetentionDays(ctx context.Context, userID int64, days int) error
	UpdateCredentials(ctx context.Context, userID int64, apiIDEnc, apiHashEnc string) error
	SetActive(ctx context.Context, userID int64, active bool) error
}

// InviteRepo управляет пригласительными кодами.
type InviteRepo interface {
	CreateInvite(ctx context.Context, invite InviteCode) (InviteCode, error)
	// ValidateInvite атомарно проверяет код: существует, не истёк, лимит не исчерпан.
	ValidateInvite(ctx context.Context, code string) (InviteCode, error)
}

// ChannelRepo управляет каналами и подписками пользователей.
type ChannelRepo interface {
	UpsertChannel(ctx context.Context, ch Channel) (Channel, error)
	ListActiveUserChannels(ctx context.Context, userID int64) ([]UserChannel, error)
	AttachChannel(ctx context.Context, userID, channelID int64) error
	DetachChannel(ctx context.Context, userID, channelID int64) error
	CountUserChannels(ctx context.Context, userID int64) (int, error)
	// AdvanceCursor сдвигает курсор (наибольший виденный tg_msg_id) после успешного коммита батча.
	AdvanceCursor(ctx context.Context, userID, channelID, lastMsgID int64) error
}

// GroupRepo управляет группами и настройками упоминаний.
type GroupRepo interface {
	UpsertGroup(ctx context.Context, g Group) (Group, error)
	ListActiveUserGroups(ctx context.Context, userID int64) ([]UserGroup, error)
	AttachGroup(ctx context.Context, userID, groupID int64) error
	CountUserGroups(ctx context.Context, userID int64) (int, error)
	SetMentions(ctx context.Context, userID, groupID int64, enabled bool, window int) error
}

// PostRepo управляет постами.
type PostRepo interface {
	// InsertPosts вставляет батч постов, молча пропуская дубликаты по
	// (user_id, channel_id, tg_msg_id). Возвращает идентификаторы вставленных строк.
	InsertPosts(ctx context.Context, posts []Post) ([]int64, error)
	GetPost(ctx context.Context, id int64) (Post, error)
	// ListStaleTagging возвращает посты в pending/failed старше указанного момента.
	ListStaleTagging(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]Post, error)
	// ListTaggedUnindexed возвращает успешно тегированные посты без успешной записи
	// статуса индексации.
	ListTaggedUnindexed(ctx context.Context, store string, limit int) ([]Post, error)
	SetTags(ctx context.Context, postID int64, tags []string, enriched string) error
	MarkTaggingFailed(ctx context.Context, postID int64, reason string) error
	CountPostsToday(ctx context.Context, userID int64, now time.Time) (int, error)
	MaxPostedAt(ctx context.Context, userID int64) (time.Time, error)
	// DeleteOlderThan удаляет посты пользователя старше cutoff одной транзакцией
	// и возвращает идентификаторы удалённых постов.
	DeleteOlderThan(ctx context.Context, userID int64, cutoff time.Time) ([]int64, error)
}

// IndexingStatusRepo хранит исходы индексации по хранилищам.
type IndexingStatusRepo interface {
	RecordIndexing(ctx context.Context, status IndexingStatus) error
}

// RAGHistoryRepo хранит историю запросов пользователя.
type RAGHistoryRepo interface {
	RecordQuery(ctx context.Context, q RAGQuery) error
	CountQueriesToday(ctx context.Context, userID int64, now time.Time) (int, error)
}

// MTProtoSessionRepo хранит зашифрованные блобы MTProto-сессий пользователей.
type MTProtoSessionRepo interface {
	LoadSessionBlob(ctx context.Context, userID int64) ([]byte, error)
	StoreSessionBlob(ctx context.Context, userID int64, data []byte) error
}

// SessionCache хранит транзитные сессии в кэше с TTL.
type SessionCache interface {
	SaveQRSession(ctx context.Context, s QRAuthSession, ttl time.Duration) error
	GetQRSession(ctx context.Context, id string) (QRAuthSession, error)
	SaveAdminSession(ctx context.Context, s AdminSession, ttl time.Duration) error
	GetAdminSession(ctx context.Context, token string) (AdminSession, error)
	// Once выполняет функцию, если ключ ещё не занят (одиночный прогон фоновых задач).
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// ChatRequest описывает один запрос к чат-провайдеру.
type ChatRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// ChatProvider — текст-в-текст провайдер с системным промптом.
type ChatProvider interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
	Name() string
}

// EmbeddingProvider превращает текст в вектор фиксированной размерности.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// VectorStore — векторное хранилище с коллекцией на пользователя.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, collection string, points []VectorPoint) error
	Search(ctx context.Context, collection string, vector []float32, filters SearchFilters, limit int) ([]SearchHit, error)
	DeleteByPostIDs(ctx context.Context, collection string, postIDs []int64) error
}

// GraphStore — графовое хранилище связей пользователь-канал-пост-тег.
type GraphStore interface {
	MirrorPost(ctx context.Context, userTGID, channelID, postID int64, tags []string) error
	// RelatedTags возвращает теги, сочетающиеся с указанными у данного пользователя.
	RelatedTags(ctx context.Context, userTGID int64, tags []string, limit int) ([]string, error)
	// TagNeighbors возвращает для каждого поста число других постов пользователя,
	// разделяющих с ним хотя бы один тег.
	TagNeighbors(ctx context.Context, userTGID int64, postIDs []int64) (map[int64]int, error)
	DetachPosts(ctx context.Context, userTGID int64, postIDs []int64) error
	Ping(ctx context.Context) error
}

// IngestQueue — очередь сигналов «посты загружены».
type IngestQueue interface {
	Publish(ctx context.Context, ev IngestEvent) error
	Receive(ctx context.Context) (IngestEvent, AckFunc, error)
}

// Limiter выдаёт слоты на обращение к внешним системам.
type Limiter interface {
	// Acquire блокируется до получения слота. По таймауту возвращает ErrRateLimited.
	Acquire(ctx context.Context, upstream string) error
}

// TelegramSession — авторизованный долгоживущий клиент одного пользователя.
type TelegramSession interface {
	// ChannelHistory возвращает сообщения канала с id строго больше minID,
	// упорядоченные по возрастанию id, не более limit штук.
	ChannelHistory(ctx context.Context, channelTGID, minID int64, limit int) ([]TelegramMessage, error)
	// GroupWindow возвращает сообщения группы за окно времени.
	GroupWindow(ctx context.Context, groupTGID int64, since time.Time) ([]TelegramMessage, error)
	Me(ctx context.Context) (int64, string, error)
}

// SessionProvider выдаёт клиента пользователя, если тот запущен.
type SessionProvider interface {
	Client(userID int64) (TelegramSession, bool)
}

// Notifier доставляет пользователю уведомления и дайджесты.
type Notifier interface {
	SendHTML(ctx context.Context, chatID int64, html string) error
	SendPlain(ctx context.Context, chatID int64, text string) error
}
