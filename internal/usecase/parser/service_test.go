package parser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
)

type stubRepo struct {
	mu sync.Mutex

	users       []domain.User
	channels    map[int64][]domain.UserChannel
	postsToday  int
	inserted    [][]domain.Post
	insertIDs   []int64
	cursors     map[int64]int64
	events      []domain.IngestEvent
	acquireErrs []error
}

func newParserStub() *stubRepo {
	return &stubRepo{
		channels: map[int64][]domain.UserChannel{},
		cursors:  map[int64]int64{},
	}
}

func (s *stubRepo) GetByTGID(context.Context, int64) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}
func (s *stubRepo) GetByID(context.Context, int64) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}
func (s *stubRepo) ListActive(context.Context) ([]domain.User, error) { return s.users, nil }
func (s *stubRepo) FinalizeLogin(context.Context, int64, string, domain.InviteCode) (domain.User, error) {
	return domain.User{}, nil
}
func (s *stubRepo) UpdateRetentionDays(context.Context, int64, int) error { return nil }
func (s *stubRepo) UpdateCredentials(context.Context, int64, string, string) error {
	return nil
}
func (s *stubRepo) SetActive(context.Context, int64, bool) error { return nil }

func (s *stubRepo) UpsertChannel(_ context.Context, ch domain.Channel) (domain.Channel, error) {
	return ch, nil
}
func (s *stubRepo) ListActiveUserChannels(_ context.Context, userID int64) ([]domain.UserChannel, error) {
	return s.channels[userID], nil
}
func (s *stubRepo) AttachChannel(context.Context, int64, int64) error { return nil }
func (s *stubRepo) DetachChannel(context.Context, int64, int64) error { return nil }
func (s *stubRepo) CountUserChannels(context.Context, int64) (int, error) {
	return 0, nil
}
func (s *stubRepo) AdvanceCursor(_ context.Context, _, channelID, lastMsgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lastMsgID > s.cursors[channelID] {
		s.cursors[channelID] = lastMsgID
	}
	return nil
}

func (s *stubRepo) InsertPosts(_ context.Context, posts []domain.Post) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, posts)
	if s.insertIDs != nil {
		return s.insertIDs, nil
	}
	ids := make([]int64, len(posts))
	for i := range posts {
		ids[i] = int64(i + 1)
	}
	return ids, nil
}
func (s *stubRepo) GetPost(context.Context, int64) (domain.Post, error) {
	return domain.Post{}, domain.ErrNotFound
}
func (s *stubRepo) ListStaleTagging(context.Context, time.Time, int, int) ([]domain.Post, error) {
	return nil, nil
}
func (s *stubRepo) ListTaggedUnindexed(context.Context, string, int) ([]domain.Post, error) {
	return nil, nil
}
func (s *stubRepo) SetTags(context.Context, int64, []string, string) error { return nil }
func (s *stubRepo) MarkTaggingFailed(context.Context, int64, string) error { return nil }
func (s *stubRepo) CountPostsToday(context.Context, int64, time.Time) (int, error) {
	return s.postsToday, nil
}
func (s *stubRepo) MaxPostedAt(context.Context, int64) (time.Time, error) {
	return time.Time{}, nil
}
func (s *stubRepo) DeleteOlderThan(context.Context, int64, time.Time) ([]int64, error) {
	return nil, nil
}

func (s *stubRepo) Publish(_ context.Context, ev domain.IngestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
func (s *stubRepo) Receive(context.Context) (domain.IngestEvent, domain.AckFunc, error) {
	return domain.IngestEvent{}, nil, context.Canceled
}

func (s *stubRepo) Acquire(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acquireErrs) > 0 {
		err := s.acquireErrs[0]
		s.acquireErrs = s.acquireErrs[1:]
		return err
	}
	return nil
}

type fakeSession struct {
	mu       sync.Mutex
	history  map[int64][]domain.TelegramMessage
	minIDs   []int64
	limits   []int
	blockFor time.Duration
}

func (f *fakeSession) ChannelHistory(_ context.Context, channelTGID, minID int64, limit int) ([]domain.TelegramMessage, error) {
	f.mu.Lock()
	f.minIDs = append(f.minIDs, minID)
	f.limits = append(f.limits, limit)
	block := f.blockFor
	f.mu.Unlock()
	if block > 0 {
		time.Sleep(block)
	}
	var out []domain.TelegramMessage
	for _, msg := range f.history[channelTGID] {
		if msg.ID > minID && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeSession) GroupWindow(context.Context, int64, time.Time) ([]domain.TelegramMessage, error) {
	return nil, nil
}
func (f *fakeSession) Me(context.Context) (int64, string, error) { return 0, "", nil }

type fakeProvider struct {
	session domain.TelegramSession
}

func (p *fakeProvider) Client(int64) (domain.TelegramSession, bool) {
	if p.session == nil {
		return nil, false
	}
	return p.session, true
}

func newParserService(repo *stubRepo, provider domain.SessionProvider, batchLimit int) *Service {
	return NewService(repo, repo, repo, provider, repo, repo, time.Hour, batchLimit, 2, zerolog.Nop())
}

func TestParseUserInsertsAndPublishes(t *testing.T) {
	repo := newParserStub()
	user := domain.User{ID: 1, Subscription: domain.TierBasic}
	repo.users = []domain.User{user}
	repo.channels[1] = []domain.UserChannel{{
		UserID: 1, ChannelID: 5, LastParsedMsgID: 10,
		Channel: domain.Channel{ID: 5, TGChannelID: 500},
	}}
	session := &fakeSession{history: map[int64][]domain.TelegramMessage{
		500: {
			{ID: 9, Text: "старое"},
			{ID: 11, Text: "первый"},
			{ID: 12, Text: ""},
			{ID: 13, Text: "второй"},
		},
	}}
	svc := newParserService(repo, &fakeProvider{session: session}, 100)

	if err := svc.ParseUser(context.Background(), user); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if len(repo.inserted) != 1 {
		t.Fatalf("ожидали один батч, получили %d", len(repo.inserted))
	}
	batch := repo.inserted[0]
	if len(batch) != 2 {
		t.Fatalf("пустые сообщения должны отбрасываться: %d", len(batch))
	}
	if batch[0].TGMsgID != 11 || batch[1].TGMsgID != 13 {
		t.Fatalf("неожиданные id постов: %+v", batch)
	}
	if repo.cursors[5] != 13 {
		t.Fatalf("курсор должен сдвинуться до 13, получили %d", repo.cursors[5])
	}
	if len(repo.events) != 1 || repo.events[0].UserID != 1 || len(repo.events[0].PostIDs) != 2 {
		t.Fatalf("неожиданное событие: %+v", repo.events)
	}
	if len(session.minIDs) != 1 || session.minIDs[0] != 10 {
		t.Fatalf("история должна читаться от курсора: %v", session.minIDs)
	}
}

func TestParseUserAdvancesCursorPastEmptyMessages(t *testing.T) {
	repo := newParserStub()
	user := domain.User{ID: 1, Subscription: domain.TierBasic}
	repo.channels[1] = []domain.UserChannel{{
		UserID: 1, ChannelID: 5,
		Channel: domain.Channel{ID: 5, TGChannelID: 500},
	}}
	session := &fakeSession{history: map[int64][]domain.TelegramMessage{
		500: {{ID: 3, Text: "  "}, {ID: 4, Text: ""}},
	}}
	svc := newParserService(repo, &fakeProvider{session: session}, 100)

	if err := svc.ParseUser(context.Background(), user); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.inserted) != 0 {
		t.Fatalf("пустые сообщения не должны вставляться")
	}
	if repo.cursors[5] != 4 {
		t.Fatalf("курсор должен пройти пустые сообщения: %d", repo.cursors[5])
	}
	if len(repo.events) != 0 {
		t.Fatalf("событие не должно публиковаться без вставок")
	}
}

func TestParseUserRespectsDailyQuota(t *testing.T) {
	repo := newParserStub()
	user := domain.User{ID: 1, Subscription: domain.TierFree}
	repo.postsToday = 198
	repo.channels[1] = []domain.UserChannel{{
		UserID: 1, ChannelID: 5,
		Channel: domain.Channel{ID: 5, TGChannelID: 500},
	}}
	history := make([]domain.TelegramMessage, 0, 10)
	for i := 1; i <= 10; i++ {
		history = append(history, domain.TelegramMessage{ID: int64(i), Text: "пост"})
	}
	session := &fakeSession{history: map[int64][]domain.TelegramMessage{500: history}}
	svc := newParserService(repo, &fakeProvider{session: session}, 100)

	if err := svc.ParseUser(context.Background(), user); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Free: 200 постов в день, осталось 2.
	if len(session.limits) != 1 || session.limits[0] != 2 {
		t.Fatalf("остаток квоты должен ограничивать размер батча: %v", session.limits)
	}
}

func TestParseUserQuotaExhausted(t *testing.T) {
	repo := newParserStub()
	user := domain.User{ID: 1, Subscription: domain.TierFree}
	repo.postsToday = 200
	repo.channels[1] = []domain.UserChannel{{
		UserID: 1, ChannelID: 5,
		Channel: domain.Channel{ID: 5, TGChannelID: 500},
	}}
	session := &fakeSession{history: map[int64][]domain.TelegramMessage{}}
	svc := newParserService(repo, &fakeProvider{session: session}, 100)

	if err := svc.ParseUser(context.Background(), user); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(session.minIDs) != 0 {
		t.Fatalf("при исчерпанной квоте история не должна читаться")
	}
}

func TestParseUserSkipsWithoutClient(t *testing.T) {
	repo := newParserStub()
	svc := newParserService(repo, &fakeProvider{}, 100)

	if err := svc.ParseUser(context.Background(), domain.User{ID: 1}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.inserted) != 0 {
		t.Fatalf("без клиента вставок быть не должно")
	}
}

func TestParseUserSingleFlight(t *testing.T) {
	repo := newParserStub()
	user := domain.User{ID: 1, Subscription: domain.TierBasic}
	repo.channels[1] = []domain.UserChannel{{
		UserID: 1, ChannelID: 5,
		Channel: domain.Channel{ID: 5, TGChannelID: 500},
	}}
	session := &fakeSession{
		history:  map[int64][]domain.TelegramMessage{500: {{ID: 1, Text: "пост"}}},
		blockFor: 100 * time.Millisecond,
	}
	svc := newParserService(repo, &fakeProvider{session: session}, 100)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.ParseUser(context.Background(), user)
		}()
	}
	wg.Wait()

	if len(session.minIDs) != 1 {
		t.Fatalf("параллельный цикл должен пропускаться: %d чтений", len(session.minIDs))
	}
}
