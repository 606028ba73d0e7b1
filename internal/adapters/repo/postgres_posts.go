package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// InsertPosts вставляет батч постов, молча пропуская дубликаты по
// (user_id, channel_id, tg_msg_id). Возвращает идентификаторы вставленных строк.
func (p *Postgres) InsertPosts(ctx context.Context, posts []domain.Post) ([]int64, error) {
	if len(posts) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, post := range posts {
		batch.Queue(`
INSERT INTO posts (user_id, channel_id, tg_msg_id, posted_at, text, tagging_status)
VALUES ($1, $2, $3, $4, $5, 'pending')
ON CONFLICT (user_id, channel_id, tg_msg_id) DO NOTHING
RETURNING id
`, post.UserID, post.ChannelID, post.TGMsgID, post.PostedAt, post.Text)
	}

	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "posts_send_batch", "posts", start, nil)
	defer br.Close()

	var inserted []int64
	for range posts {
		var id int64
		start = time.Now()
		err := br.QueryRow().Scan(&id)
		metrics.ObserveNetworkRequest("postgres", "posts_batch_insert", "posts", start, err)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return inserted, err
		}
		inserted = append(inserted, id)
	}
	return inserted, nil
}

const postColumns = `id, user_id, channel_id, tg_msg_id, posted_at, text, COALESCE(enriched_text,''), COALESCE(tags,'{}'), tagging_status, tagging_attempts, COALESCE(tagging_error,''), parsed_at`

func scanPost(row userRow) (domain.Post, error) {
	var post domain.Post
	err := row.Scan(&post.ID, &post.UserID, &post.ChannelID, &post.TGMsgID, &post.PostedAt, &post.Text, &post.EnrichedText, &post.Tags, &post.TaggingStatus, &post.TaggingAttempts, &post.TaggingError, &post.ParsedAt)
	return post, err
}

// GetPost возвращает пост по идентификатору.
func (p *Postgres) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	post, err := scanPost(p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "posts_get", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, domain.ErrNotFound
	}
	return post, err
}

// ListStaleTagging возвращает посты в pending/failed старше указанного момента
// с неисчерпанными попытками.
func (p *Postgres) ListStaleTagging(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]domain.Post, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+` FROM posts
WHERE tagging_status IN ('pending','failed')
  AND tagging_attempts < $2
  AND parsed_at < $1
ORDER BY parsed_at
LIMIT $3
`, olderThan, maxAttempts, limit)
	metrics.ObserveNetworkRequest("postgres", "posts_list_stale_tagging", "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// ListTaggedUnindexed возвращает успешно тегированные посты без успешной записи
// статуса индексации в указанном хранилище.
func (p *Postgres) ListTaggedUnindexed(ctx context.Context, store string, limit int) ([]domain.Post, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+` FROM posts p
WHERE p.tagging_status='success'
  AND NOT EXISTS (
      SELECT 1 FROM indexing_statuses s
      WHERE s.post_id = p.id AND s.store = $1 AND s.success
  )
ORDER BY p.parsed_at
LIMIT $2
`, store, limit)
	metrics.ObserveNetworkRequest("postgres", "posts_list_tagged_unindexed", "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// SetTags сохраняет результат тегирования и переводит пост в success.
func (p *Postgres) SetTags(ctx context.Context, postID int64, tags []string, enriched string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if tags == nil {
		tags = []string{}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE posts
SET tags=$2, enriched_text=$3, tagging_status='success', tagging_attempts=tagging_attempts+1, tagging_error=NULL
WHERE id=$1
`, postID, tags, enriched)
	metrics.ObserveNetworkRequest("postgres", "posts_set_tags", "posts", start, err)
	return err
}

// MarkTaggingFailed фиксирует неуспешную попытку тегирования.
func (p *Postgres) MarkTaggingFailed(ctx context.Context, postID int64, reason string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE posts
SET tagging_status='failed', tagging_attempts=tagging_attempts+1, tagging_error=$2
WHERE id=$1
`, postID, reason)
	metrics.ObserveNetworkRequest("postgres", "posts_mark_tagging_failed", "posts", start, err)
	return err
}

// CountPostsToday считает посты пользователя, загруженные за календарные сутки UTC.
func (p *Postgres) CountPostsToday(ctx context.Context, userID int64, now time.Time) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	dayStart := now.UTC().Truncate(24 * time.Hour)

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM posts WHERE user_id=$1 AND parsed_at >= $2
`, userID, dayStart).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "posts_count_today", "posts", start, err)
	return count, err
}

// MaxPostedAt возвращает момент публикации самого свежего поста пользователя.
// Если постов нет, возвращает нулевое время без ошибки.
func (p *Postgres) MaxPostedAt(ctx context.Context, userID int64) (time.Time, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var maxAt *time.Time
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT MAX(posted_at) FROM posts WHERE user_id=$1`, userID).Scan(&maxAt)
	metrics.ObserveNetworkRequest("postgres", "posts_max_posted_at", "posts", start, err)
	if err != nil {
		return time.Time{}, err
	}
	if maxAt == nil {
		return time.Time{}, nil
	}
	return *maxAt, nil
}

// DeleteOlderThan удаляет посты пользователя старше cutoff одной транзакцией
// и возвращает идентификаторы удалённых постов.
func (p *Postgres) DeleteOlderThan(ctx context.Context, userID int64, cutoff time.Time) ([]int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
DELETE FROM posts WHERE user_id=$1 AND posted_at < $2 RETURNING id
`, userID, cutoff)
	metrics.ObserveNetworkRequest("postgres", "posts_delete_older_than", "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordIndexing сохраняет исход индексации поста в одном хранилище.
func (p *Postgres) RecordIndexing(ctx context.Context, status domain.IndexingStatus) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if status.IndexedAt.IsZero() {
		status.IndexedAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO indexing_statuses (post_id, store, success, error, indexed_at)
VALUES ($1, $2, $3, NULLIF($4,''), $5)
ON CONFLICT (post_id, store) DO UPDATE SET success=EXCLUDED.success, error=EXCLUDED.error, indexed_at=EXCLUDED.indexed_at
`, status.PostID, status.Store, status.Success, status.Error, status.IndexedAt)
	metrics.ObserveNetworkRequest("postgres", "indexing_statuses_upsert", "indexing_statuses", start, err)
	return err
}

// RecordQuery сохраняет запись истории запросов пользователя.
func (p *Postgres) RecordQuery(ctx context.Context, q domain.RAGQuery) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if q.Topics == nil {
		q.Topics = []string{}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO rag_queries (user_id, query, topics)
VALUES ($1, $2, $3)
`, q.UserID, q.Query, q.Topics)
	metrics.ObserveNetworkRequest("postgres", "rag_queries_insert", "rag_queries", start, err)
	return err
}

// CountQueriesToday считает запросы пользователя с начала суток UTC.
func (p *Postgres) CountQueriesToday(ctx context.Context, userID int64, now time.Time) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	dayStart := now.UTC().Truncate(24 * time.Hour)

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM rag_queries
WHERE user_id = $1 AND created_at >= $2
`, userID, dayStart).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "rag_queries_count_today", "rag_queries", start, err)
	if err != nil {
		return 0, fmt.Errorf("подсчёт запросов за день: %w", err)
	}
	return count, nil
}

// LoadSessionBlob загружает зашифрованный блоб MTProto-сессии пользователя.
func (p *Postgres) LoadSessionBlob(ctx context.Context, userID int64) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE user_id=$1`, userID).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreSessionBlob сохраняет зашифрованный блоб MTProto-сессии пользователя.
func (p *Postgres) StoreSessionBlob(ctx context.Context, userID int64, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (user_id, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (user_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, userID, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
