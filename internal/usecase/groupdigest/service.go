package groupdigest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-rag-bot/internal/adapters/telegram"
	"tg-rag-bot/internal/domain"
)

const maxTranscript = 12000

// Температуры агентов конвейера: извлечение фактов требует точности,
// черновик — связности, редактура — умеренности.
const (
	tempTopics = 0.1
	tempDraft  = 0.3
	tempEditor = 0.2
)

// ErrNoMessages возвращается, когда в окне дайджеста нет сообщений.
var ErrNoMessages = errors.New("в группе нет сообщений за период")

const topicsPrompt = `Ты — аналитик групповых чатов. Выдели из переписки главные темы обсуждения.
Верни JSON вида {"topics": ["тема 1", "тема 2"]}, не более семи тем, на языке переписки.`

const draftPrompt = `Ты — автор дайджестов групповых чатов. По переписке и списку тем напиши черновик дайджеста:
что обсуждали, к чему пришли, кто был активен. Пиши связным текстом на языке переписки.`

const editorPrompt = `Ты — редактор. Сократи черновик дайджеста, убери повторы и воду,
сохрани конкретику. Верни готовый текст без преамбулы.`

const mentionPrompt = `Ты — ассистент, разбирающий упоминания пользователя в групповом чате.
По фрагменту переписки определи, зачем пользователя упомянули и насколько это срочно.
Верни JSON вида {"reason": "краткая причина", "urgency": "urgent|important|normal"}.
urgent — требуется немедленная реакция, important — ждут ответа, normal — просто упомянули.`

// Service строит дайджесты групповых чатов и разбирает упоминания пользователя.
type Service struct {
	users    domain.UserRepo
	groups   domain.GroupRepo
	sessions domain.SessionProvider
	provider domain.ChatProvider
	notifier domain.Notifier
	limiter  domain.Limiter
	log      zerolog.Logger
}

// NewService создаёт сервис групповых дайджестов.
func NewService(users domain.UserRepo, groups domain.GroupRepo, sessions domain.SessionProvider, provider domain.ChatProvider, notifier domain.Notifier, limiter domain.Limiter, log zerolog.Logger) *Service {
	return &Service{
		users:    users,
		groups:   groups,
		sessions: sessions,
		provider: provider,
		notifier: notifier,
		limiter:  limiter,
		log:      log,
	}
}

// DigestGroup строит дайджест одной группы за окно времени конвейером из
// трёх агентов: темы, черновик, редактура.
func (s *Service) DigestGroup(ctx context.Context, user domain.User, ug domain.UserGroup, since time.Time) (domain.GroupDigest, error) {
	client, ok := s.sessions.Client(user.ID)
	if !ok {
		return domain.GroupDigest{}, fmt.Errorf("%w: клиент пользователя не запущен", domain.ErrAuthExpired)
	}

	if err := s.limiter.Acquire(ctx, "telegram"); err != nil {
		return domain.GroupDigest{}, err
	}
	messages, err := client.GroupWindow(ctx, ug.Group.TGGroupID, since)
	if err != nil {
		return domain.GroupDigest{}, fmt.Errorf("чтение группы: %w", err)
	}
	if len(messages) == 0 {
		return domain.GroupDigest{}, ErrNoMessages
	}

	transcript, speakers := buildTranscript(messages)

	topics, err := s.extractTopics(ctx, transcript)
	if err != nil {
		return domain.GroupDigest{}, err
	}

	draft, err := s.complete(ctx, draftPrompt, fmt.Sprintf("Темы: %s\n\nПереписка:\n%s", strings.Join(topics, "; "), transcript), tempDraft)
	if err != nil {
		return domain.GroupDigest{}, fmt.Errorf("черновик дайджеста: %w", err)
	}

	final, err := s.complete(ctx, editorPrompt, draft, tempEditor)
	if err != nil {
		return domain.GroupDigest{}, fmt.Errorf("редактура дайджеста: %w", err)
	}

	return domain.GroupDigest{
		Summary:      strings.TrimSpace(final),
		Topics:       topics,
		Speakers:     speakers,
		MessageCount: len(messages),
	}, nil
}

// DeliverDigest строит и отправляет пользователю дайджест группы.
func (s *Service) DeliverDigest(ctx context.Context, user domain.User, ug domain.UserGroup, since time.Time) error {
	digest, err := s.DigestGroup(ctx, user, ug, since)
	if errors.Is(err, ErrNoMessages) {
		return nil
	}
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Дайджест «%s»\n\n", ug.Group.Title)
	b.WriteString(digest.Summary)
	if len(digest.Topics) > 0 {
		b.WriteString("\n\nТемы: " + strings.Join(digest.Topics, ", "))
	}
	fmt.Fprintf(&b, "\nСообщений за период: %d", digest.MessageCount)

	return s.notifier.SendHTML(ctx, user.TGUserID, telegram.RenderHTML(b.String()))
}

// AnalyzeMentions находит упоминания пользователя в группе и разбирает
// каждое с контекстным окном вокруг него.
func (s *Service) AnalyzeMentions(ctx context.Context, user domain.User, ug domain.UserGroup, since time.Time) ([]domain.MentionAlert, error) {
	if !ug.MentionsEnabled {
		return nil, nil
	}
	client, ok := s.sessions.Client(user.ID)
	if !ok {
		return nil, fmt.Errorf("%w: клиент пользователя не запущен", domain.ErrAuthExpired)
	}

	if err := s.limiter.Acquire(ctx, "telegram"); err != nil {
		return nil, err
	}
	messages, err := client.GroupWindow(ctx, ug.Group.TGGroupID, since)
	if err != nil {
		return nil, fmt.Errorf("чтение группы: %w", err)
	}

	window := ug.ContextWindow
	if window <= 0 {
		window = domain.DefaultContextWindow
	}

	var alerts []domain.MentionAlert
	for i, msg := range messages {
		if !mentionsUser(msg.Text, user.DisplayName) {
			continue
		}
		fragment := contextFragment(messages, i, window)
		alert, err := s.analyzeMention(ctx, user, fragment)
		if err != nil {
			s.log.Warn().Err(err).Int64("user", user.ID).Int64("msg", msg.ID).Msg("groupdigest: разбор упоминания не удался")
			alert = domain.MentionAlert{Reason: "вас упомянули", Urgency: domain.MentionNormal}
		}
		alert.Context = fragment
		alert.Link = telegram.MessageLink(ug.Group.Username, ug.Group.TGGroupID, msg.ID)
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// DeliverMentions отправляет пользователю разобранные упоминания.
func (s *Service) DeliverMentions(ctx context.Context, user domain.User, ug domain.UserGroup, alerts []domain.MentionAlert) error {
	for _, alert := range alerts {
		var b strings.Builder
		switch alert.Urgency {
		case domain.MentionUrgent:
			b.WriteString("🔴 Срочное упоминание")
		case domain.MentionImportant:
			b.WriteString("🟡 Важное упоминание")
		default:
			b.WriteString("Упоминание")
		}
		fmt.Fprintf(&b, " в «%s»\n\n%s\n\n%s", ug.Group.Title, alert.Reason, alert.Link)
		if err := s.notifier.SendHTML(ctx, user.TGUserID, telegram.RenderHTML(b.String())); err != nil {
			return err
		}
	}
	return nil
}

// RunMentionScan периодически проверяет упоминания во всех группах всех
// активных пользователей и доставляет уведомления.
func (s *Service) RunMentionScan(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now().UTC().Add(-interval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ScanMentions(ctx, last)
			last = now.UTC()
		}
	}
}

// ScanMentions один раз обходит группы всех активных пользователей.
func (s *Service) ScanMentions(ctx context.Context, since time.Time) {
	users, err := s.users.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("groupdigest: не удалось получить пользователей")
		return
	}
	for _, user := range users {
		groups, err := s.groups.ListActiveUserGroups(ctx, user.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("user", user.ID).Msg("groupdigest: не удалось получить группы")
			continue
		}
		for _, ug := range groups {
			if !ug.MentionsEnabled {
				continue
			}
			alerts, err := s.AnalyzeMentions(ctx, user, ug, since)
			if err != nil {
				s.log.Warn().Err(err).Int64("user", user.ID).Int64("group", ug.GroupID).Msg("groupdigest: скан упоминаний не удался")
				continue
			}
			if len(alerts) == 0 {
				continue
			}
			if err := s.DeliverMentions(ctx, user, ug, alerts); err != nil {
				s.log.Error().Err(err).Int64("user", user.ID).Msg("groupdigest: упоминания не доставлены")
			}
		}
	}
}

func (s *Service) extractTopics(ctx context.Context, transcript string) ([]string, error) {
	raw, err := s.completeJSON(ctx, topicsPrompt, transcript, tempTopics)
	if err != nil {
		return nil, fmt.Errorf("извлечение тем: %w", err)
	}
	var parsed struct {
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("разбор тем: %w", err)
	}
	topics := make([]string, 0, len(parsed.Topics))
	for _, topic := range parsed.Topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics, nil
}

func (s *Service) analyzeMention(ctx context.Context, user domain.User, fragment string) (domain.MentionAlert, error) {
	raw, err := s.completeJSON(ctx, mentionPrompt, fmt.Sprintf("Пользователь: %s\n\n%s", user.DisplayName, fragment), tempEditor)
	if err != nil {
		return domain.MentionAlert{}, err
	}
	var parsed struct {
		Reason  string `json:"reason"`
		Urgency string `json:"urgency"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return domain.MentionAlert{}, fmt.Errorf("разбор ответа: %w", err)
	}
	urgency := domain.MentionUrgency(parsed.Urgency)
	switch urgency {
	case domain.MentionUrgent, domain.MentionImportant, domain.MentionNormal:
	default:
		urgency = domain.MentionNormal
	}
	return domain.MentionAlert{Reason: strings.TrimSpace(parsed.Reason), Urgency: urgency}, nil
}

func (s *Service) complete(ctx context.Context, system, user string, temperature float64) (string, error) {
	if err := s.limiter.Acquire(ctx, "openai"); err != nil {
		return "", err
	}
	return s.provider.Complete(ctx, domain.ChatRequest{
		System:      system,
		User:        user,
		Temperature: temperature,
		MaxTokens:   1500,
	})
}

func (s *Service) completeJSON(ctx context.Context, system, user string, temperature float64) (string, error) {
	if err := s.limiter.Acquire(ctx, "openai"); err != nil {
		return "", err
	}
	return s.provider.Complete(ctx, domain.ChatRequest{
		System:      system,
		User:        user,
		Temperature: temperature,
		MaxTokens:   800,
		JSON:        true,
	})
}

// buildTranscript собирает переписку в текст и считает сообщения по авторам.
// Хвост длинной переписки обрезается: свежие сообщения важнее старых.
func buildTranscript(messages []domain.TelegramMessage) (string, map[string]int) {
	speakers := make(map[string]int, 8)
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		sender := msg.Sender
		if sender == "" {
			sender = "аноним"
		}
		speakers[sender]++
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, sender+": "+text)
	}
	transcript := strings.Join(lines, "\n")
	if runes := []rune(transcript); len(runes) > maxTranscript {
		transcript = string(runes[len(runes)-maxTranscript:])
	}
	return transcript, speakers
}

// mentionsUser ищет упоминание по отображаемому имени без учёта регистра.
func mentionsUser(text, displayName string) bool {
	if displayName == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, part := range strings.Fields(strings.ToLower(displayName)) {
		if len([]rune(part)) < 3 {
			continue
		}
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// contextFragment возвращает window сообщений вокруг упоминания.
func contextFragment(messages []domain.TelegramMessage, idx, window int) string {
	from := idx - window
	if from < 0 {
		from = 0
	}
	to := idx + window + 1
	if to > len(messages) {
		to = len(messages)
	}
	fragment, _ := buildTranscript(messages[from:to])
	return fragment
}
