package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
)

type stubBackend struct {
	user        domain.User
	queriesUsed int
	history     []domain.RAGQuery

	hits      []domain.SearchHit
	searched  [][]float32
	collected []string

	related    []string
	relatedErr error
	neighbors  map[int64]int

	embedded []string

	completions []string
	completeErr error
}

func (s *stubBackend) GetByTGID(context.Context, int64) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}
func (s *stubBackend) GetByID(context.Context, int64) (domain.User, error) { return s.user, nil }
func (s *stubBackend) ListActive(context.Context) ([]domain.User, error)   { return nil, nil }
func (s *stubBackend) FinalizeLogin(context.Context, int64, string, domain.InviteCode) (domain.User, error) {
	return domain.User{}, nil
}
func (s *stubBackend) UpdateRetentionDays(context.Context, int64, int) error { return nil }
func (s *stubBackend) UpdateCredentials(context.Context, int64, string, string) error {
	return nil
}
func (s *stubBackend) SetActive(context.Context, int64, bool) error { return nil }

func (s *stubBackend) RecordQuery(_ context.Context, q domain.RAGQuery) error {
	s.history = append(s.history, q)
	return nil
}
func (s *stubBackend) CountQueriesToday(context.Context, int64, time.Time) (int, error) {
	return s.queriesUsed, nil
}

func (s *stubBackend) EnsureCollection(context.Context, string, int) error { return nil }
func (s *stubBackend) Upsert(context.Context, string, []domain.VectorPoint) error {
	return nil
}
func (s *stubBackend) Search(_ context.Context, collection string, vector []float32, _ domain.SearchFilters, _ int) ([]domain.SearchHit, error) {
	s.collected = append(s.collected, collection)
	s.searched = append(s.searched, vector)
	return s.hits, nil
}
func (s *stubBackend) DeleteByPostIDs(context.Context, string, []int64) error { return nil }

func (s *stubBackend) MirrorPost(context.Context, int64, int64, int64, []string) error {
	return nil
}
func (s *stubBackend) RelatedTags(context.Context, int64, []string, int) ([]string, error) {
	if s.relatedErr != nil {
		return nil, s.relatedErr
	}
	return s.related, nil
}
func (s *stubBackend) TagNeighbors(context.Context, int64, []int64) (map[int64]int, error) {
	return s.neighbors, nil
}
func (s *stubBackend) DetachPosts(context.Context, int64, []int64) error { return nil }
func (s *stubBackend) Ping(context.Context) error                        { return nil }

func (s *stubBackend) Embed(_ context.Context, text string) ([]float32, error) {
	s.embedded = append(s.embedded, text)
	return []float32{1, 0}, nil
}
func (s *stubBackend) Dimension() int { return 2 }

func (s *stubBackend) Complete(_ context.Context, req domain.ChatRequest) (string, error) {
	if s.completeErr != nil {
		return "", s.completeErr
	}
	s.completions = append(s.completions, req.User)
	return "ответ", nil
}
func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Acquire(context.Context, string) error { return nil }

func newRAGService(s *stubBackend, flags Flags) *Service {
	return NewService(s, s, s, s, s, s, s, flags, zerolog.Nop())
}

func TestSearchRecordsHistory(t *testing.T) {
	backend := &stubBackend{
		user: domain.User{ID: 1, TGUserID: 10, Subscription: domain.TierBasic},
		hits: []domain.SearchHit{{PostID: 1, Score: 0.9, Text: "пост"}},
	}
	svc := newRAGService(backend, Flags{})

	hits, err := svc.Search(context.Background(), 1, "новости go", domain.SearchFilters{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("ожидали один результат, получили %d", len(hits))
	}
	if len(backend.collected) != 1 || backend.collected[0] != domain.CollectionName(1) {
		t.Fatalf("поиск должен идти в коллекцию пользователя: %v", backend.collected)
	}
	if len(backend.history) != 1 || backend.history[0].Query != "новости go" {
		t.Fatalf("история не записана: %+v", backend.history)
	}
}

func TestSearchQuotaExceeded(t *testing.T) {
	backend := &stubBackend{
		user:        domain.User{ID: 1, Subscription: domain.TierFree},
		queriesUsed: 10,
	}
	svc := newRAGService(backend, Flags{})

	if _, err := svc.Search(context.Background(), 1, "вопрос", domain.SearchFilters{}); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("ожидали ErrQuotaExceeded, получили %v", err)
	}
	if len(backend.embedded) != 0 {
		t.Fatalf("эмбеддинг не должен запрашиваться при исчерпанной квоте")
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	backend := &stubBackend{user: domain.User{ID: 1}}
	svc := newRAGService(backend, Flags{})

	if _, err := svc.Search(context.Background(), 1, "   ", domain.SearchFilters{}); err == nil {
		t.Fatalf("ожидали ошибку для пустого запроса")
	}
}

func TestSearchExpandsQuery(t *testing.T) {
	backend := &stubBackend{
		user:    domain.User{ID: 1, TGUserID: 10, Subscription: domain.TierBasic},
		related: []string{"golang", "релизы"},
	}
	flags := Flags{QueryExpansion: true, QueryExpansionPercentage: 100, QueryExpansionMaxTerms: 3}
	svc := newRAGService(backend, flags)

	if _, err := svc.Search(context.Background(), 1, "новости golang", domain.SearchFilters{}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(backend.embedded) != 1 {
		t.Fatalf("ожидали один эмбеддинг")
	}
	if !strings.Contains(backend.embedded[0], "релизы") {
		t.Fatalf("расширение должно попасть в текст эмбеддинга: %q", backend.embedded[0])
	}
	if len(backend.history) != 1 || len(backend.history[0].Topics) != 2 {
		t.Fatalf("темы расширения должны попасть в историю: %+v", backend.history)
	}
}

func TestSearchExpansionGraphFailureIsSoft(t *testing.T) {
	backend := &stubBackend{
		user:       domain.User{ID: 1, TGUserID: 10, Subscription: domain.TierBasic},
		relatedErr: errors.New("граф недоступен"),
		hits:       []domain.SearchHit{{PostID: 1, Score: 0.5}},
	}
	flags := Flags{QueryExpansion: true, QueryExpansionPercentage: 100}
	svc := newRAGService(backend, flags)

	hits, err := svc.Search(context.Background(), 1, "новости golang", domain.SearchFilters{})
	if err != nil {
		t.Fatalf("сбой графа не должен ломать поиск: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("ожидали результаты без расширения")
	}
	if backend.embedded[0] != "новости golang" {
		t.Fatalf("запрос должен эмбеддиться без расширения: %q", backend.embedded[0])
	}
}

func TestSearchHybridRerank(t *testing.T) {
	backend := &stubBackend{
		user: domain.User{ID: 1, TGUserID: 10, Subscription: domain.TierBasic},
		hits: []domain.SearchHit{
			{PostID: 1, Score: 0.80},
			{PostID: 2, Score: 0.79},
		},
		neighbors: map[int64]int{2: 8},
	}
	flags := Flags{HybridSearch: true, HybridSearchPercentage: 100}
	svc := newRAGService(backend, flags)

	hits, err := svc.Search(context.Background(), 1, "вопрос про go", domain.SearchFilters{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if hits[0].PostID != 2 {
		t.Fatalf("пост с соседями по тегам должен подняться: %+v", hits)
	}
}

func TestRolloutDeterministic(t *testing.T) {
	for userID := int64(1); userID <= 50; userID++ {
		first := rolloutHit(userID, 30)
		for i := 0; i < 5; i++ {
			if rolloutHit(userID, 30) != first {
				t.Fatalf("раскатка должна быть детерминированной для пользователя %d", userID)
			}
		}
	}
	if rolloutHit(42, 0) {
		t.Fatalf("нулевой процент не должен включать флаг")
	}
	if !rolloutHit(42, 100) {
		t.Fatalf("сто процентов должны включать флаг всем")
	}
}

func TestKeywordsFiltersStopWords(t *testing.T) {
	keys := keywords("Что нового про Golang и Kubernetes в мире?")
	if len(keys) != maxKeywords {
		t.Fatalf("ожидали %d ключа, получили %v", maxKeywords, keys)
	}
	if keys[0] != "нового" || keys[1] != "golang" {
		t.Fatalf("неожиданные ключи: %v", keys)
	}
}

func TestAskSynthesizesAnswer(t *testing.T) {
	backend := &stubBackend{
		user: domain.User{ID: 1, TGUserID: 10, Subscription: domain.TierBasic},
		hits: []domain.SearchHit{{PostID: 1, Score: 0.9, Text: "Go 1.24 вышел", Tags: []string{"go"}}},
	}
	svc := newRAGService(backend, Flags{})

	answer, err := svc.Ask(context.Background(), 1, "что нового в go?", domain.SearchFilters{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if answer.Text != "ответ" {
		t.Fatalf("неожиданный ответ: %q", answer.Text)
	}
	if len(answer.Sources) != 1 {
		t.Fatalf("источники должны вернуться вместе с ответом")
	}
	if !strings.Contains(backend.completions[0], "Go 1.24 вышел") {
		t.Fatalf("контекст должен содержать найденный фрагмент: %q", backend.completions[0])
	}
}

func TestAskWithoutHits(t *testing.T) {
	backend := &stubBackend{user: domain.User{ID: 1, Subscription: domain.TierBasic}}
	svc := newRAGService(backend, Flags{})

	answer, err := svc.Ask(context.Background(), 1, "вопрос без ответа", domain.SearchFilters{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if answer.Text == "" || len(answer.Sources) != 0 {
		t.Fatalf("без результатов должен возвращаться понятный ответ: %+v", answer)
	}
	if len(backend.completions) != 0 {
		t.Fatalf("модель не должна вызываться без контекста")
	}
}
