package tagging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
)

type stubPosts struct {
	mu sync.Mutex

	posts  map[int64]domain.Post
	tagged map[int64][]string
	texts  map[int64]string
	failed map[int64]string
	stale  []domain.Post
}

func newStubPosts() *stubPosts {
	return &stubPosts{
		posts:  map[int64]domain.Post{},
		tagged: map[int64][]string{},
		texts:  map[int64]string{},
		failed: map[int64]string{},
	}
}

func (s *stubPosts) InsertPosts(context.Context, []domain.Post) ([]int64, error) { return nil, nil }

func (s *stubPosts) GetPost(_ context.Context, id int64) (domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[id]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	return post, nil
}

func (s *stubPosts) ListStaleTagging(context.Context, time.Time, int, int) ([]domain.Post, error) {
	return s.stale, nil
}

func (s *stubPosts) ListTaggedUnindexed(context.Context, string, int) ([]domain.Post, error) {
	return nil, nil
}

func (s *stubPosts) SetTags(_ context.Context, postID int64, tags []string, enriched string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tagged[postID] = tags
	s.texts[postID] = enriched
	return nil
}

func (s *stubPosts) MarkTaggingFailed(_ context.Context, postID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[postID] = reason
	return nil
}

func (s *stubPosts) CountPostsToday(context.Context, int64, time.Time) (int, error) { return 0, nil }
func (s *stubPosts) MaxPostedAt(context.Context, int64) (time.Time, error) {
	return time.Time{}, nil
}
func (s *stubPosts) DeleteOlderThan(context.Context, int64, time.Time) ([]int64, error) {
	return nil, nil
}

type fakeQueue struct{}

func (fakeQueue) Publish(context.Context, domain.IngestEvent) error { return nil }
func (fakeQueue) Receive(context.Context) (domain.IngestEvent, domain.AckFunc, error) {
	return domain.IngestEvent{}, nil, context.Canceled
}

type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []string
}

func (p *fakeProvider) Complete(_ context.Context, req domain.ChatRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, req.User)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(p.responses) == 0 {
		return `{"tags":[],"summary":""}`, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *fakeProvider) Name() string { return "fake" }

type noopLimiter struct{}

func (noopLimiter) Acquire(context.Context, string) error { return nil }

func newTaggingService(posts *stubPosts, provider domain.ChatProvider) *Service {
	return NewService(posts, fakeQueue{}, provider, noopLimiter{}, 1, 3, zerolog.Nop())
}

func TestHandleEventTagsPosts(t *testing.T) {
	posts := newStubPosts()
	posts.posts[1] = domain.Post{ID: 1, Text: "Go 1.24 вышел с новым сборщиком мусора"}
	provider := &fakeProvider{responses: []string{`{"tags":["go","релизы"],"summary":"Вышел Go 1.24."}`}}
	svc := newTaggingService(posts, provider)

	if err := svc.HandleEvent(context.Background(), domain.IngestEvent{UserID: 7, PostIDs: []int64{1}}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := posts.tagged[1]; len(got) != 2 || got[0] != "go" {
		t.Fatalf("неожиданные теги: %v", got)
	}
	if posts.texts[1] != "Вышел Go 1.24." {
		t.Fatalf("summary не сохранён: %q", posts.texts[1])
	}
}

func TestHandleEventSkipsMissingAndTagged(t *testing.T) {
	posts := newStubPosts()
	posts.posts[2] = domain.Post{ID: 2, Text: "уже обработан", TaggingStatus: domain.TaggingSuccess}
	provider := &fakeProvider{}
	svc := newTaggingService(posts, provider)

	if err := svc.HandleEvent(context.Background(), domain.IngestEvent{PostIDs: []int64{1, 2}}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(provider.prompts) != 0 {
		t.Fatalf("модель не должна вызываться: %v", provider.prompts)
	}
}

func TestTagPostRecordsFailure(t *testing.T) {
	posts := newStubPosts()
	post := domain.Post{ID: 1, Text: "пост"}
	posts.posts[1] = post
	provider := &fakeProvider{errs: []error{domain.Transient(errors.New("таймаут"))}}
	svc := newTaggingService(posts, provider)

	if err := svc.TagPost(context.Background(), post); err == nil {
		t.Fatalf("ожидали ошибку")
	}
	if posts.failed[1] == "" {
		t.Fatalf("ошибка должна записаться в пост")
	}
}

func TestHandleEventReturnsTransient(t *testing.T) {
	posts := newStubPosts()
	posts.posts[1] = domain.Post{ID: 1, Text: "пост"}
	provider := &fakeProvider{errs: []error{domain.Transient(errors.New("провайдер недоступен"))}}
	svc := newTaggingService(posts, provider)

	err := svc.HandleEvent(context.Background(), domain.IngestEvent{PostIDs: []int64{1}})
	if err == nil || !domain.IsTransient(err) {
		t.Fatalf("ожидали временную ошибку, получили %v", err)
	}
}

func TestParseResponseNormalizesTags(t *testing.T) {
	raw := `{"tags":["  Go ", "go", "", "ИИ"],"summary":"  текст  "}`
	tags, summary, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(tags) != 2 || tags[0] != "go" || tags[1] != "ии" {
		t.Fatalf("неожиданные теги: %v", tags)
	}
	if summary != "текст" {
		t.Fatalf("summary не обрезан: %q", summary)
	}
}

func TestParseResponseCapsTagCount(t *testing.T) {
	var names []string
	for i := 0; i < 20; i++ {
		names = append(names, `"тег`+strings.Repeat("а", i+1)+`"`)
	}
	raw := `{"tags":[` + strings.Join(names, ",") + `],"summary":"s"}`
	tags, _, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(tags) != maxTags {
		t.Fatalf("ожидали %d тегов, получили %d", maxTags, len(tags))
	}
}

func TestParseResponseRejectsBadJSON(t *testing.T) {
	if _, _, err := parseResponse("это не json"); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("ожидали ErrBadResponse, получили %v", err)
	}
}

func TestTagPostTruncatesLongText(t *testing.T) {
	posts := newStubPosts()
	post := domain.Post{ID: 1, Text: strings.Repeat("я", maxPromptText+500)}
	posts.posts[1] = post
	provider := &fakeProvider{responses: []string{`{"tags":["тема"],"summary":"s"}`}}
	svc := newTaggingService(posts, provider)

	if err := svc.TagPost(context.Background(), post); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := len([]rune(provider.prompts[0])); got != maxPromptText {
		t.Fatalf("текст должен обрезаться до %d рун, получили %d", maxPromptText, got)
	}
}
