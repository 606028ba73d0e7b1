package vector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

const pgUndefinedTable = "42P01"

// Имена коллекций строятся кодом, но идентификаторы в SQL не параметризуются,
// поэтому перед подстановкой имя проверяется.
var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// PGVector реализует векторное хранилище на pgvector: по таблице на коллекцию.
type PGVector struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ domain.VectorStore = (*PGVector)(nil)

// NewPGVector создаёт хранилище.
func NewPGVector(pool *pgxpool.Pool, timeout time.Duration) *PGVector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PGVector{pool: pool, timeout: timeout}
}

func (s *PGVector) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func validCollection(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("недопустимое имя коллекции: %q", name)
	}
	return nil
}

// EnsureCollection создаёт таблицу коллекции, если её ещё нет.
func (s *PGVector) EnsureCollection(ctx context.Context, name string, dimension int) error {
	if err := validCollection(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("недопустимая размерность: %d", dimension)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id         text PRIMARY KEY,
    embedding  vector(%d) NOT NULL,
    post_id    bigint NOT NULL,
    user_id    bigint NOT NULL,
    channel_id bigint NOT NULL,
    text       text NOT NULL,
    tags       text[] NOT NULL DEFAULT '{}',
    posted_at  timestamptz NOT NULL
)`, name, dimension))
	metrics.ObserveNetworkRequest("pgvector", "ensure_collection", name, start, err)
	if err != nil {
		return domain.Transient(fmt.Errorf("создание коллекции %s: %w", name, err))
	}

	start = time.Now()
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_post_id_idx ON %s (post_id)`, name, name))
	metrics.ObserveNetworkRequest("pgvector", "ensure_index", name, start, err)
	if err != nil {
		return domain.Transient(fmt.Errorf("создание индекса %s: %w", name, err))
	}
	return nil
}

// Upsert записывает точки батчем, перезаписывая существующие по id.
func (s *PGVector) Upsert(ctx context.Context, collection string, points []domain.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := validCollection(collection); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
INSERT INTO %s (id, embedding, post_id, user_id, channel_id, text, tags, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET embedding=EXCLUDED.embedding, text=EXCLUDED.text, tags=EXCLUDED.tags, posted_at=EXCLUDED.posted_at
`, collection)

	batch := &pgx.Batch{}
	for _, point := range points {
		tags := point.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(query, point.ID, pgvector.NewVector(point.Vector), point.PostID, point.UserID, point.ChannelID, point.Text, tags, point.PostedAt)
	}

	start := time.Now()
	br := s.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("pgvector", "upsert_send_batch", collection, start, nil)
	defer br.Close()
	for range points {
		start = time.Now()
		_, err := br.Exec()
		metrics.ObserveNetworkRequest("pgvector", "upsert_exec", collection, start, err)
		if err != nil {
			return domain.Transient(fmt.Errorf("запись точек в %s: %w", collection, err))
		}
	}
	return nil
}

// Search ищет ближайшие точки по косинусной близости с необязательными фильтрами.
func (s *PGVector) Search(ctx context.Context, collection string, vector []float32, filters domain.SearchFilters, limit int) ([]domain.SearchHit, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tags := filters.Tags
	if tags == nil {
		tags = []string{}
	}

	query := fmt.Sprintf(`
SELECT id, post_id, channel_id, text, tags, posted_at, 1 - (embedding <=> $1) AS score
FROM %s
WHERE ($2::bigint = 0 OR channel_id = $2)
  AND (cardinality($3::text[]) = 0 OR tags && $3)
  AND ($4::timestamptz IS NULL OR posted_at >= $4)
  AND ($5::timestamptz IS NULL OR posted_at <= $5)
ORDER BY embedding <=> $1
LIMIT $6
`, collection)

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(vector), filters.ChannelID, tags, filters.From, filters.To, limit)
	metrics.ObserveNetworkRequest("pgvector", "search", collection, start, err)
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, domain.Transient(fmt.Errorf("поиск в %s: %w", collection, err))
	}
	defer rows.Close()

	var hits []domain.SearchHit
	for rows.Next() {
		var hit domain.SearchHit
		if err := rows.Scan(&hit.ChunkID, &hit.PostID, &hit.ChannelID, &hit.Text, &hit.Tags, &hit.PostedAt, &hit.Score); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// DeleteByPostIDs удаляет все точки указанных постов.
func (s *PGVector) DeleteByPostIDs(ctx context.Context, collection string, postIDs []int64) error {
	if len(postIDs) == 0 {
		return nil
	}
	if err := validCollection(collection); err != nil {
		return err
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE post_id = ANY($1)`, collection), postIDs)
	metrics.ObserveNetworkRequest("pgvector", "delete_by_post_ids", collection, start, err)
	if err != nil {
		if isUndefinedTable(err) {
			return nil
		}
		return domain.Transient(fmt.Errorf("удаление точек из %s: %w", collection, err))
	}
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}
