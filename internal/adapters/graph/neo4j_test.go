package graph

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, body []byte)) (*httptest.Server, *Neo4j) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/db/neo4j/tx/commit" {
			t.Fatalf("неожиданный путь: %s", r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("чтение тела запроса: %v", err)
		}
		handler(w, body)
	}))
	store := NewNeo4j(srv.URL, "neo4j", "neo4j", "secret", time.Second)
	return srv, store
}

func TestPing(t *testing.T) {
	srv, store := newTestServer(t, func(w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(`{"results":[{"columns":["1"],"data":[{"row":[1]}]}],"errors":[]}`))
	})
	defer srv.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestMirrorPostEdgeLayout(t *testing.T) {
	var captured []byte
	srv, store := newTestServer(t, func(w http.ResponseWriter, body []byte) {
		captured = body
		_, _ = w.Write([]byte(`{"results":[],"errors":[]}`))
	})
	defer srv.Close()

	if err := store.MirrorPost(context.Background(), 42, 7, 100, []string{"ai"}); err != nil {
		t.Fatalf("mirror post: %v", err)
	}

	cypher := string(captured)
	for _, edge := range []string{"-[:POSTED_IN]->", "-[:CONTAINS]->", "-[:HAS_TAG]->"} {
		if !strings.Contains(cypher, edge) {
			t.Fatalf("в запросе нет ребра %s: %s", edge, cypher)
		}
	}
	for _, edge := range []string{":READS", ":PUBLISHED", ":TAGGED"} {
		if strings.Contains(cypher, edge) {
			t.Fatalf("в запросе осталось старое ребро %s", edge)
		}
	}
}

func TestRelatedTagsParsesRows(t *testing.T) {
	srv, store := newTestServer(t, func(w http.ResponseWriter, body []byte) {
		var req struct {
			Statements []struct {
				Parameters map[string]any `json:"parameters"`
			} `json:"statements"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("распаковка запроса: %v", err)
		}
		if len(req.Statements) != 1 {
			t.Fatalf("ожидался один statement, получено %d", len(req.Statements))
		}
		_, _ = w.Write([]byte(`{"results":[{"columns":["name","cnt"],"data":[{"row":["golang",3]},{"row":["devops",1]}]}],"errors":[]}`))
	})
	defer srv.Close()

	tags, err := store.RelatedTags(context.Background(), 42, []string{"backend"}, 5)
	if err != nil {
		t.Fatalf("related tags: %v", err)
	}
	if len(tags) != 2 || tags[0] != "golang" || tags[1] != "devops" {
		t.Fatalf("неожиданный результат: %v", tags)
	}
}

func TestRelatedTagsEmptyInput(t *testing.T) {
	store := NewNeo4j("http://unreachable", "", "", "", time.Second)
	tags, err := store.RelatedTags(context.Background(), 1, nil, 5)
	if err != nil {
		t.Fatalf("пустой вход не должен ходить в сеть: %v", err)
	}
	if tags != nil {
		t.Fatalf("ожидался пустой результат, получено %v", tags)
	}
}

func TestTagNeighbors(t *testing.T) {
	srv, store := newTestServer(t, func(w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(`{"results":[{"columns":["pid","cnt"],"data":[{"row":[10,2]},{"row":[11,0]}]}],"errors":[]}`))
	})
	defer srv.Close()

	neighbors, err := store.TagNeighbors(context.Background(), 42, []int64{10, 11})
	if err != nil {
		t.Fatalf("tag neighbors: %v", err)
	}
	if neighbors[10] != 2 || neighbors[11] != 0 {
		t.Fatalf("неожиданный результат: %v", neighbors)
	}
}

func TestCypherErrorSurfaced(t *testing.T) {
	srv, store := newTestServer(t, func(w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(`{"results":[],"errors":[{"code":"Neo.ClientError.Statement.SyntaxError","message":"bad query"}]}`))
	})
	defer srv.Close()

	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("ошибка cypher должна подниматься наверх")
	}
}
