package domain

import (
	"fmt"
	"time"
)

// UserRole описывает роль пользователя в системе.
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

// TaggingStatus описывает состояние тегирования поста.
type TaggingStatus string

const (
	TaggingPending TaggingStatus = "pending"
	TaggingSuccess TaggingStatus = "success"
	TaggingFailed  TaggingStatus = "failed"
)

// User описывает арендатора: один авторизованный пользователь Telegram.
type User struct {
	ID                 int64
	TGUserID           int64
	DisplayName        string
	Role               UserRole
	IsActive           bool
	IsAuthenticated    bool
	Subscription       SubscriptionTier
	SubscriptionStart  *time.Time
	SubscriptionExpiry *time.Time
	RetentionDays      int
	APIIDEncrypted     string
	APIHashEncrypted   string
	VoiceQueriesToday  int
	VoiceQueriesDate   *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Channel описывает канал-источник сообщений.
type Channel struct {
	ID          int64
	TGChannelID int64
	Username    string
	Title       string
	CreatedAt   time.Time
}

// UserChannel хранит подписку пользователя на канал и курсор парсинга.
type UserChannel struct {
	ID              int64
	UserID          int64
	ChannelID       int64
	IsActive        bool
	LastParsedMsgID int64
	AddedAt         time.Time
	Channel         Channel
}

// Group описывает групповой чат пользователя.
type Group struct {
	ID        int64
	TGGroupID int64
	Username  string
	Title     string
	CreatedAt time.Time
}

// UserGroup хранит подписку пользователя на группу и настройки упоминаний.
type UserGroup struct {
	ID              int64
	UserID          int64
	GroupID         int64
	IsActive        bool
	MentionsEnabled bool
	ContextWindow   int
	AddedAt         time.Time
	Group           Group
}

// Post представляет одно сообщение канала, принадлежащее пользователю.
// Уникальность задаётся тройкой (UserID, ChannelID, TGMsgID).
type Post struct {
	ID              int64
	UserID          int64
	ChannelID       int64
	TGMsgID         int64
	PostedAt        time.Time
	Text            string
	EnrichedText    string
	Tags            []string
	TaggingStatus   TaggingStatus
	TaggingAttempts int
	TaggingError    string
	ParsedAt        time.Time
}

// Хранилища, по которым отслеживается статус индексации поста.
const (
	IndexStoreVector = "vector"
	IndexStoreGraph  = "graph"
)

// IndexingStatus описывает исход индексации поста в одном хранилище.
type IndexingStatus struct {
	PostID    int64
	Store     string
	Success   bool
	Error     string
	IndexedAt time.Time
}

// InviteCode описывает пригласительный код, выданный администратором.
type InviteCode struct {
	ID        int64
	Code      string
	Tier      SubscriptionTier
	TrialDays int
	MaxUses   int
	UsesCount int
	ExpiresAt *time.Time
	UsedByID  *int64
	CreatedAt time.Time
}

// Expired сообщает, истёк ли срок действия кода на момент now.
func (i InviteCode) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Exhausted сообщает, исчерпан ли лимит использований кода.
func (i InviteCode) Exhausted() bool {
	return i.MaxUses > 0 && i.UsesCount >= i.MaxUses
}

// RAGQuery хранит запись истории запросов пользователя к поиску.
type RAGQuery struct {
	ID        int64
	UserID    int64
	Query     string
	Topics    []string
	CreatedAt time.Time
}

// QRStatus описывает состояние QR-сессии входа.
type QRStatus string

const (
	QRPending    QRStatus = "pending"
	QRAuthorized QRStatus = "authorized"
	QRFinalized  QRStatus = "finalized"
	QRExpired    QRStatus = "expired"
	QRError      QRStatus = "error"
)

// QRAuthSession хранит транзитное состояние входа по QR-коду в кэше.
type QRAuthSession struct {
	ID         string    `json:"id"`
	TGUserID   int64     `json:"tg_user_id"`
	InviteCode string    `json:"invite_code"`
	Token      string    `json:"token"`
	Status     QRStatus  `json:"status"`
	Error      string    `json:"error,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AdminSession хранит транзитную сессию администратора в кэше.
type AdminSession struct {
	Token     string    `json:"token"`
	TGUserID  int64     `json:"tg_user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TelegramMessage описывает сообщение, полученное через MTProto.
type TelegramMessage struct {
	ID     int64
	Date   time.Time
	Text   string
	Sender string
}

// IngestEvent описывает сигнал «посты загружены», публикуемый парсером.
type IngestEvent struct {
	UserID  int64   `json:"user_id"`
	PostIDs []int64 `json:"post_ids"`
}

// AckFunc подтверждает обработку события или возвращает его в очередь.
type AckFunc func(success bool) error

// SearchFilters задаёт необязательные фильтры поиска.
type SearchFilters struct {
	ChannelID int64
	Tags      []string
	From      *time.Time
	To        *time.Time
}

// SearchHit описывает один результат векторного поиска.
type SearchHit struct {
	ChunkID   string
	PostID    int64
	ChannelID int64
	Score     float64
	Text      string
	Tags      []string
	PostedAt  time.Time
}

// Answer содержит синтезированный ответ и использованные источники.
type Answer struct {
	Text    string
	Sources []SearchHit
}

// GroupDigest содержит результат суммаризации группового чата.
type GroupDigest struct {
	Summary      string
	Topics       []string
	Speakers     map[string]int
	MessageCount int
}

// MentionUrgency описывает срочность упоминания.
type MentionUrgency string

const (
	MentionUrgent    MentionUrgency = "urgent"
	MentionImportant MentionUrgency = "important"
	MentionNormal    MentionUrgency = "normal"
)

// MentionAlert описывает разбор упоминания пользователя в группе.
type MentionAlert struct {
	Reason  string
	Context string
	Urgency MentionUrgency
	Link    string
}

// CleanupReport содержит итог прогона очистки устаревших данных.
type CleanupReport struct {
	UsersProcessed int
	PostsDeleted   int
	Errors         []string
}

// VectorPoint описывает одну точку для записи в векторное хранилище.
type VectorPoint struct {
	ID        string
	Vector    []float32
	PostID    int64
	UserID    int64
	ChannelID int64
	Text      string
	Tags      []string
	PostedAt  time.Time
}

// CollectionName возвращает имя векторной коллекции пользователя.
func CollectionName(userID int64) string {
	return fmt.Sprintf("posts_%d", userID)
}

// ChunkPointID возвращает стабильный идентификатор чанка поста.
func ChunkPointID(postID int64, chunk int) string {
	return fmt.Sprintf("post_%d_chunk_%d", postID, chunk)
}
