package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo           = (*Postgres)(nil)
	_ domain.InviteRepo         = (*Postgres)(nil)
	_ domain.ChannelRepo        = (*Postgres)(nil)
	_ domain.GroupRepo          = (*Postgres)(nil)
	_ domain.PostRepo           = (*Postgres)(nil)
	_ domain.IndexingStatusRepo = (*Postgres)(nil)
	_ domain.RAGHistoryRepo     = (*Postgres)(nil)
	_ domain.MTProtoSessionRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const userColumns = `id, tg_user_id, display_name, role, is_active, is_authenticated, subscription, subscription_start, subscription_expiry, retention_days, api_id_enc, api_hash_enc, voice_queries_today, voice_queries_date, created_at, updated_at`

type userRow interface {
	Scan(dest ...any) error
}

func scanUser(row userRow) (domain.User, error) {
	var (
		u           domain.User
		subStart    sql.NullTime
		subExpiry   sql.NullTime
		apiID       sql.NullString
		apiHash     sql.NullString
		voiceDate   sql.NullTime
		displayName sql.NullString
	)
	err := row.Scan(&u.ID, &u.TGUserID, &displayName, &u.Role, &u.IsActive, &u.IsAuthenticated, &u.Subscription, &subStart, &subExpiry, &u.RetentionDays, &apiID, &apiHash, &u.VoiceQueriesToday, &voiceDate, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, err
	}
	if displayName.Valid {
		u.DisplayName = displayName.String
	}
	if subStart.Valid {
		ts := subStart.Time
		u.SubscriptionStart = &ts
	}
	if subExpiry.Valid {
		ts := subExpiry.Time
		u.SubscriptionExpiry = &ts
	}
	if apiID.Valid {
		u.APIIDEncrypted = apiID.String
	}
	if apiHash.Valid {
		u.APIHashEncrypted = apiHash.String
	}
	if voiceDate.Valid {
		ts := voiceDate.Time
		u.VoiceQueriesDate = &ts
	}
	return u, nil
}

// GetByTGID возвращает пользователя по Telegram ID.
func (p *Postgres) GetByTGID(ctx context.Context, tgUserID int64) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE tg_user_id=$1`, tgUserID)
	user, err := scanUser(row)
	metrics.ObserveNetworkRequest("postgres", "users_get_by_tgid", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return user, err
}

// GetByID возвращает пользователя по внутреннему идентификатору.
func (p *Postgres) GetByID(ctx context.Context, id int64) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	user, err := scanUser(row)
	metrics.ObserveNetworkRequest("postgres", "users_get_by_id", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return user, err
}

// ListActive возвращает активных авторизованных пользователей.
func (p *Postgres) ListActive(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE is_active AND is_authenticated ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "users_list_active", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// FinalizeLogin атомарно создаёт или обновляет пользователя по итогам QR-входа
// и списывает использование пригласительного кода.
func (p *Postgres) FinalizeLogin(ctx context.Context, tgUserID int64, displayName string, invite domain.InviteCode) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "users", start, err)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var expiry any
	if invite.TrialDays > 0 {
		expiry = now.AddDate(0, 0, invite.TrialDays)
	}

	start = time.Now()
	row := tx.QueryRow(ctx, `
INSERT INTO users (tg_user_id, display_name, role, is_active, is_authenticated, subscription, subscription_start, subscription_expiry, retention_days)
VALUES ($1, NULLIF($2,''), 'user', true, true, $3, $4, $5, $6)
ON CONFLICT (tg_user_id) DO UPDATE SET
    display_name = COALESCE(NULLIF(EXCLUDED.display_name,''), users.display_name),
    is_active = true,
    is_authenticated = true,
    subscription = EXCLUDED.subscription,
    subscription_start = EXCLUDED.subscription_start,
    subscription_expiry = EXCLUDED.subscription_expiry,
    updated_at = now()
RETURNING `+userColumns, tgUserID, strings.TrimSpace(displayName), invite.Tier, now, expiry, domain.MinRetentionDays)
	user, err := scanUser(row)
	metrics.ObserveNetworkRequest("postgres", "users_finalize_login", "users", start, err)
	if err != nil {
		return domain.User{}, err
	}

	start = time.Now()
	res, err := tx.Exec(ctx, `
UPDATE invite_codes
SET uses_count = uses_count + 1, used_by = $2
WHERE id = $1
  AND (expires_at IS NULL OR expires_at > now())
  AND (max_uses = 0 OR uses_count < max_uses)
`, invite.ID, user.ID)
	metrics.ObserveNetworkRequest("postgres", "invite_codes_consume", "invite_codes", start, err)
	if err != nil {
		return domain.User{}, err
	}
	if res.RowsAffected() == 0 {
		return domain.User{}, domain.ErrInviteInvalid
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "users", start, err)
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// UpdateRetentionDays обновляет срок хранения данных пользователя.
func (p *Postgres) UpdateRetentionDays(ctx context.Context, userID int64, days int) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE users SET retention_days=$2, updated_at=now() WHERE id=$1`, userID, days)
	metrics.ObserveNetworkRequest("postgres", "users_update_retention", "users", start, err)
	return err
}

// UpdateCredentials сохраняет зашифрованные api_id и api_hash пользователя.
func (p *Postgres) UpdateCredentials(ctx context.Context, userID int64, apiIDEnc, apiHashEnc string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE users SET api_id_enc=$2, api_hash_enc=$3, updated_at=now() WHERE id=$1`, userID, apiIDEnc, apiHashEnc)
	metrics.ObserveNetworkRequest("postgres", "users_update_credentials", "users", start, err)
	return err
}

// SetActive включает или выключает пользователя.
func (p *Postgres) SetActive(ctx context.Context, userID int64, active bool) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE users SET is_active=$2, updated_at=now() WHERE id=$1`, userID, active)
	metrics.ObserveNetworkRequest("postgres", "users_set_active", "users", start, err)
	return err
}

// CreateInvite сохраняет пригласительный код.
func (p *Postgres) CreateInvite(ctx context.Context, invite domain.InviteCode) (domain.InviteCode, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var expiry any
	if invite.ExpiresAt != nil {
		expiry = *invite.ExpiresAt
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO invite_codes (code, tier, trial_days, max_uses, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at
`, invite.Code, invite.Tier, invite.TrialDays, invite.MaxUses, expiry).Scan(&invite.ID, &invite.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "invite_codes_insert", "invite_codes", start, err)
	return invite, err
}

// ValidateInvite атомарно проверяет код: существует, не истёк, лимит не исчерпан.
func (p *Postgres) ValidateInvite(ctx context.Context, code string) (domain.InviteCode, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return domain.InviteCode{}, domain.ErrInviteInvalid
	}

	var (
		invite    domain.InviteCode
		expiresAt sql.NullTime
		usedBy    sql.NullInt64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, code, tier, trial_days, max_uses, uses_count, expires_at, used_by, created_at
FROM invite_codes WHERE code=$1
`, normalized).Scan(&invite.ID, &invite.Code, &invite.Tier, &invite.TrialDays, &invite.MaxUses, &invite.UsesCount, &expiresAt, &usedBy, &invite.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "invite_codes_get", "invite_codes", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.InviteCode{}, domain.ErrInviteInvalid
	}
	if err != nil {
		return domain.InviteCode{}, err
	}
	if expiresAt.Valid {
		ts := expiresAt.Time
		invite.ExpiresAt = &ts
	}
	if usedBy.Valid {
		id := usedBy.Int64
		invite.UsedByID = &id
	}
	if invite.Expired(time.Now().UTC()) || invite.Exhausted() {
		return domain.InviteCode{}, fmt.Errorf("%w: код %s", domain.ErrInviteInvalid, normalized)
	}
	return invite, nil
}
