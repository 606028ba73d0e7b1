package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/metrics"
)

// Neo4j реализует графовое хранилище через транзакционный HTTP-эндпоинт.
type Neo4j struct {
	http     *http.Client
	endpoint string
	user     string
	password string
}

var _ domain.GraphStore = (*Neo4j)(nil)

// NewNeo4j создаёт адаптер. baseURL — адрес сервера, database — имя БД.
func NewNeo4j(baseURL, database, user, password string, timeout time.Duration) *Neo4j {
	if database == "" {
		database = "neo4j"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/db/" + database + "/tx/commit"
	return &Neo4j{
		http:     &http.Client{Timeout: timeout},
		endpoint: endpoint,
		user:     user,
		password: password,
	}
}

type statement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type txResponse struct {
	Results []struct {
		Columns []string `json:"columns"`
		Data    []struct {
			Row []json.RawMessage `json:"row"`
		} `json:"data"`
	} `json:"results"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (g *Neo4j) commit(ctx context.Context, operation string, stmts ...statement) (*txResponse, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any{"statements": stmts}); err != nil {
		return nil, fmt.Errorf("neo4j: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("neo4j: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.user != "" {
		req.SetBasicAuth(g.user, g.password)
	}

	start := time.Now()
	resp, err := g.http.Do(req)
	metrics.ObserveNetworkRequest("neo4j", operation, "tx_commit", start, err)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("neo4j: do request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("neo4j: read response: %w", err))
	}
	if resp.StatusCode >= 500 {
		return nil, domain.Transient(fmt.Errorf("neo4j: статус %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("neo4j: статус %d: %s", resp.StatusCode, respBody)
	}

	var parsed txResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("neo4j: decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		first := parsed.Errors[0]
		return nil, fmt.Errorf("neo4j: %s: %s", first.Code, first.Message)
	}
	return &parsed, nil
}

// Ping проверяет доступность сервера.
func (g *Neo4j) Ping(ctx context.Context) error {
	_, err := g.commit(ctx, "ping", statement{Statement: "RETURN 1"})
	return err
}

// MirrorPost зеркалирует пост и его теги в граф пользователя.
func (g *Neo4j) MirrorPost(ctx context.Context, userTGID, channelID, postID int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	stmts := []statement{
		{
			Statement: `
MERGE (u:User {tg_id: $user})
MERGE (c:Channel {id: $channel})
MERGE (u)-[:POSTED_IN]->(c)
MERGE (p:Post {id: $post})
SET p.user_tg_id = $user
MERGE (c)-[:CONTAINS]->(p)`,
			Parameters: map[string]any{"user": userTGID, "channel": channelID, "post": postID},
		},
		{
			Statement: `
MATCH (p:Post {id: $post})
UNWIND $tags AS tag
MERGE (t:Tag {name: tag})
MERGE (p)-[:HAS_TAG]->(t)`,
			Parameters: map[string]any{"post": postID, "tags": tags},
		},
	}
	if len(tags) == 0 {
		stmts = stmts[:1]
	}
	_, err := g.commit(ctx, "mirror_post", stmts...)
	return err
}

// RelatedTags возвращает теги, сочетающиеся с указанными в постах пользователя.
func (g *Neo4j) RelatedTags(ctx context.Context, userTGID int64, tags []string, limit int) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	resp, err := g.commit(ctx, "related_tags", statement{
		Statement: `
MATCH (p:Post {user_tg_id: $user})-[:HAS_TAG]->(t:Tag)
WHERE t.name IN $tags
MATCH (p)-[:HAS_TAG]->(other:Tag)
WHERE NOT other.name IN $tags
RETURN other.name AS name, count(*) AS cnt
ORDER BY cnt DESC
LIMIT $limit`,
		Parameters: map[string]any{"user": userTGID, "tags": tags, "limit": limit},
	})
	if err != nil {
		return nil, err
	}
	var related []string
	for _, result := range resp.Results {
		for _, row := range result.Data {
			if len(row.Row) == 0 {
				continue
			}
			var name string
			if err := json.Unmarshal(row.Row[0], &name); err != nil {
				continue
			}
			related = append(related, name)
		}
	}
	return related, nil
}

// TagNeighbors возвращает для каждого поста число других постов пользователя,
// разделяющих с ним хотя бы один тег.
func (g *Neo4j) TagNeighbors(ctx context.Context, userTGID int64, postIDs []int64) (map[int64]int, error) {
	if len(postIDs) == 0 {
		return map[int64]int{}, nil
	}
	resp, err := g.commit(ctx, "tag_neighbors", statement{
		Statement: `
UNWIND $ids AS pid
MATCH (p:Post {id: pid})-[:HAS_TAG]->(:Tag)<-[:HAS_TAG]-(o:Post {user_tg_id: $user})
WHERE o.id <> pid
RETURN pid, count(DISTINCT o.id) AS cnt`,
		Parameters: map[string]any{"user": userTGID, "ids": postIDs},
	})
	if err != nil {
		return nil, err
	}
	neighbors := make(map[int64]int, len(postIDs))
	for _, result := range resp.Results {
		for _, row := range result.Data {
			if len(row.Row) < 2 {
				continue
			}
			var (
				pid int64
				cnt int
			)
			if err := json.Unmarshal(row.Row[0], &pid); err != nil {
				continue
			}
			if err := json.Unmarshal(row.Row[1], &cnt); err != nil {
				continue
			}
			neighbors[pid] = cnt
		}
	}
	return neighbors, nil
}

// DetachPosts удаляет посты из графа вместе со связями.
func (g *Neo4j) DetachPosts(ctx context.Context, userTGID int64, postIDs []int64) error {
	if len(postIDs) == 0 {
		return nil
	}
	_, err := g.commit(ctx, "detach_posts", statement{
		Statement: `
UNWIND $ids AS pid
MATCH (p:Post {id: pid, user_tg_id: $user})
DETACH DELETE p`,
		Parameters: map[string]any{"user": userTGID, "ids": postIDs},
	})
	return err
}
