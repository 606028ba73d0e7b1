package repo

import (
	"context"
	"database/sql"
	"time"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// UpsertChannel сохраняет канал.
func (p *Postgres) UpsertChannel(ctx context.Context, ch domain.Channel) (domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var out domain.Channel
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO channels (tg_channel_id, username, title)
VALUES ($1, $2, $3)
ON CONFLICT (tg_channel_id) DO UPDATE SET username=EXCLUDED.username, title=EXCLUDED.title
RETURNING id, tg_channel_id, username, title, created_at
`, ch.TGChannelID, ch.Username, ch.Title).Scan(&out.ID, &out.TGChannelID, &out.Username, &out.Title, &out.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	return out, err
}

// ListActiveUserChannels возвращает активные подписки пользователя на каналы.
func (p *Postgres) ListActiveUserChannels(ctx context.Context, userID int64) ([]domain.UserChannel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT uc.id, uc.user_id, uc.channel_id, uc.is_active, uc.last_parsed_msg_id, uc.added_at,
       c.id, c.tg_channel_id, c.username, c.title, c.created_at
FROM user_channels uc JOIN channels c ON c.id = uc.channel_id
WHERE uc.user_id=$1 AND uc.is_active
ORDER BY uc.added_at
`, userID)
	metrics.ObserveNetworkRequest("postgres", "user_channels_list_active", "user_channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var channels []domain.UserChannel
	for rows.Next() {
		var uc domain.UserChannel
		if err := rows.Scan(&uc.ID, &uc.UserID, &uc.ChannelID, &uc.IsActive, &uc.LastParsedMsgID, &uc.AddedAt,
			&uc.Channel.ID, &uc.Channel.TGChannelID, &uc.Channel.Username, &uc.Channel.Title, &uc.Channel.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, uc)
	}
	return channels, rows.Err()
}

// AttachChannel привязывает канал к пользователю.
func (p *Postgres) AttachChannel(ctx context.Context, userID, channelID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO user_channels (user_id, channel_id, is_active)
VALUES ($1, $2, true)
ON CONFLICT (user_id, channel_id) DO UPDATE SET is_active=true
`, userID, channelID)
	metrics.ObserveNetworkRequest("postgres", "user_channels_attach", "user_channels", start, err)
	return err
}

// DetachChannel деактивирует подписку. Курсор сохраняется на случай повторной привязки.
func (p *Postgres) DetachChannel(ctx context.Context, userID, channelID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE user_channels SET is_active=false WHERE user_id=$1 AND channel_id=$2`, userID, channelID)
	metrics.ObserveNetworkRequest("postgres", "user_channels_detach", "user_channels", start, err)
	return err
}

// CountUserChannels считает активные каналы пользователя.
func (p *Postgres) CountUserChannels(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_channels WHERE user_id=$1 AND is_active`, userID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "user_channels_count", "user_channels", start, err)
	return count, err
}

// AdvanceCursor сдвигает курсор парсинга вперёд. Назад курсор не двигается.
func (p *Postgres) AdvanceCursor(ctx context.Context, userID, channelID, lastMsgID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE user_channels SET last_parsed_msg_id = GREATEST(last_parsed_msg_id, $3)
WHERE user_id=$1 AND channel_id=$2
`, userID, channelID, lastMsgID)
	metrics.ObserveNetworkRequest("postgres", "user_channels_advance_cursor", "user_channels", start, err)
	return err
}

// UpsertGroup сохраняет группу.
func (p *Postgres) UpsertGroup(ctx context.Context, g domain.Group) (domain.Group, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var out domain.Group
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO groups (tg_group_id, username, title)
VALUES ($1, $2, $3)
ON CONFLICT (tg_group_id) DO UPDATE SET username=EXCLUDED.username, title=EXCLUDED.title
RETURNING id, tg_group_id, username, title, created_at
`, g.TGGroupID, g.Username, g.Title).Scan(&out.ID, &out.TGGroupID, &out.Username, &out.Title, &out.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "groups_upsert", "groups", start, err)
	return out, err
}

// ListActiveUserGroups возвращает активные группы пользователя.
func (p *Postgres) ListActiveUserGroups(ctx context.Context, userID int64) ([]domain.UserGroup, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT ug.id, ug.user_id, ug.group_id, ug.is_active, ug.mentions_enabled, ug.context_window, ug.added_at,
       g.id, g.tg_group_id, g.username, g.title, g.created_at
FROM user_groups ug JOIN groups g ON g.id = ug.group_id
WHERE ug.user_id=$1 AND ug.is_active
ORDER BY ug.added_at
`, userID)
	metrics.ObserveNetworkRequest("postgres", "user_groups_list_active", "user_groups", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []domain.UserGroup
	for rows.Next() {
		var (
			ug       domain.UserGroup
			username sql.NullString
		)
		if err := rows.Scan(&ug.ID, &ug.UserID, &ug.GroupID, &ug.IsActive, &ug.MentionsEnabled, &ug.ContextWindow, &ug.AddedAt,
			&ug.Group.ID, &ug.Group.TGGroupID, &username, &ug.Group.Title, &ug.Group.CreatedAt); err != nil {
			return nil, err
		}
		if username.Valid {
			ug.Group.Username = username.String
		}
		groups = append(groups, ug)
	}
	return groups, rows.Err()
}

// AttachGroup привязывает группу к пользователю.
func (p *Postgres) AttachGroup(ctx context.Context, userID, groupID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO user_groups (user_id, group_id, is_active, context_window)
VALUES ($1, $2, true, $3)
ON CONFLICT (user_id, group_id) DO UPDATE SET is_active=true
`, userID, groupID, domain.DefaultContextWindow)
	metrics.ObserveNetworkRequest("postgres", "user_groups_attach", "user_groups", start, err)
	return err
}

// CountUserGroups считает активные группы пользователя.
func (p *Postgres) CountUserGroups(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_groups WHERE user_id=$1 AND is_active`, userID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "user_groups_count", "user_groups", start, err)
	return count, err
}

// SetMentions переключает отслеживание упоминаний и размер окна контекста.
func (p *Postgres) SetMentions(ctx context.Context, userID, groupID int64, enabled bool, window int) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if window <= 0 {
		window = domain.DefaultContextWindow
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE user_groups SET mentions_enabled=$3, context_window=$4
WHERE user_id=$1 AND group_id=$2
`, userID, groupID, enabled, window)
	metrics.ObserveNetworkRequest("postgres", "user_groups_set_mentions", "user_groups", start, err)
	return err
}
