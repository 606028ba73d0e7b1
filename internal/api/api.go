package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/usecase/auth"
	"tg-rag-bot/internal/usecase/channels"
	"tg-rag-bot/internal/usecase/groupdigest"
	"tg-rag-bot/internal/usecase/rag"
)

// API собирает HTTP-обработчики сервиса поиска.
type API struct {
	auth   *auth.Service
	rag    *rag.Service
	digest *groupdigest.Service
	subs   *channels.Service
	users  domain.UserRepo
	log    zerolog.Logger
}

// New создаёт API.
func New(authSvc *auth.Service, ragSvc *rag.Service, digestSvc *groupdigest.Service, subs *channels.Service, users domain.UserRepo, log zerolog.Logger) *API {
	return &API{
		auth:   authSvc,
		rag:    ragSvc,
		digest: digestSvc,
		subs:   subs,
		users:  users,
		log:    log,
	}
}

// Mount вешает маршруты на роутер.
func (a *API) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/qr", a.startQR)
		r.Get("/auth/qr/{id}", a.qrStatus)

		r.Post("/ask", a.ask)
		r.Post("/search", a.search)
		r.Post("/digest", a.digestGroup)

		r.Get("/channels", a.listChannels)
		r.Post("/channels", a.attachChannel)
		r.Delete("/channels/{id}", a.detachChannel)

		r.Get("/groups", a.listGroups)
		r.Post("/groups", a.attachGroup)
		r.Put("/groups/{id}/mentions", a.configureMentions)

		r.Put("/settings/retention", a.setRetention)

		r.Post("/admin/login", a.adminLogin)
		r.Post("/admin/invites", a.createInvite)
	})
}

type qrStartRequest struct {
	InviteCode string `json:"invite_code"`
	APIID      int    `json:"api_id"`
	APIHash    string `json:"api_hash"`
}

func (a *API) startQR(w http.ResponseWriter, r *http.Request) {
	var req qrStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	qr, err := a.auth.StartQR(r.Context(), req.InviteCode, req.APIID, req.APIHash)
	if err != nil {
		a.writeDomainError(w, err, "auth: вход по QR не запущен")
		return
	}
	writeJSON(w, map[string]any{
		"session_id": qr.ID,
		"qr_token":   qr.Token,
		"expires_at": qr.ExpiresAt,
	})
}

func (a *API) qrStatus(w http.ResponseWriter, r *http.Request) {
	qr, err := a.auth.QRStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err, "auth: статус QR-сессии")
		return
	}
	writeJSON(w, qr)
}

type queryRequest struct {
	UserID    int64    `json:"user_id"`
	Query     string   `json:"query"`
	ChannelID int64    `json:"channel_id,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	From      *string  `json:"from,omitempty"`
	To        *string  `json:"to,omitempty"`
}

func (q queryRequest) filters() (domain.SearchFilters, error) {
	filters := domain.SearchFilters{ChannelID: q.ChannelID, Tags: q.Tags}
	if q.From != nil {
		from, err := time.Parse(time.RFC3339, *q.From)
		if err != nil {
			return filters, err
		}
		filters.From = &from
	}
	if q.To != nil {
		to, err := time.Parse(time.RFC3339, *q.To)
		if err != nil {
			return filters, err
		}
		filters.To = &to
	}
	return filters, nil
}

func (a *API) ask(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "требуются user_id и query")
		return
	}
	filters, err := req.filters()
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный формат даты, ожидается RFC3339")
		return
	}
	answer, err := a.rag.Ask(r.Context(), req.UserID, req.Query, filters)
	if err != nil {
		a.writeDomainError(w, err, "rag: запрос не обработан")
		return
	}
	writeJSON(w, answer)
}

func (a *API) search(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "требуются user_id и query")
		return
	}
	filters, err := req.filters()
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный формат даты, ожидается RFC3339")
		return
	}
	hits, err := a.rag.Search(r.Context(), req.UserID, req.Query, filters)
	if err != nil {
		a.writeDomainError(w, err, "rag: поиск не выполнен")
		return
	}
	writeJSON(w, map[string]any{"hits": hits})
}

type digestRequest struct {
	UserID  int64 `json:"user_id"`
	GroupID int64 `json:"group_id"`
	Hours   int   `json:"hours"`
}

func (a *API) digestGroup(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 || req.GroupID == 0 {
		writeError(w, http.StatusBadRequest, "требуются user_id и group_id")
		return
	}
	if req.Hours <= 0 || req.Hours > 168 {
		req.Hours = 24
	}

	user, err := a.users.GetByID(r.Context(), req.UserID)
	if err != nil {
		a.writeDomainError(w, err, "digest: пользователь")
		return
	}
	groups, err := a.subs.ListGroups(r.Context(), req.UserID)
	if err != nil {
		a.writeDomainError(w, err, "digest: группы пользователя")
		return
	}
	var target *domain.UserGroup
	for i := range groups {
		if groups[i].GroupID == req.GroupID {
			target = &groups[i]
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "группа не подключена")
		return
	}

	since := time.Now().UTC().Add(-time.Duration(req.Hours) * time.Hour)
	digest, err := a.digest.DigestGroup(r.Context(), user, *target, since)
	if errors.Is(err, groupdigest.ErrNoMessages) {
		writeJSON(w, domain.GroupDigest{})
		return
	}
	if err != nil {
		a.writeDomainError(w, err, "digest: построение не удалось")
		return
	}
	writeJSON(w, digest)
}

type channelRequest struct {
	UserID      int64  `json:"user_id"`
	TGChannelID int64  `json:"tg_channel_id"`
	Username    string `json:"username"`
	Title       string `json:"title"`
}

func (a *API) listChannels(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	list, err := a.subs.ListChannels(r.Context(), userID)
	if err != nil {
		a.writeDomainError(w, err, "channels: список")
		return
	}
	writeJSON(w, map[string]any{"channels": list})
}

func (a *API) attachChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 || req.TGChannelID == 0 {
		writeError(w, http.StatusBadRequest, "требуются user_id и tg_channel_id")
		return
	}
	ch, err := a.subs.AttachChannel(r.Context(), req.UserID, domain.Channel{
		TGChannelID: req.TGChannelID,
		Username:    req.Username,
		Title:       req.Title,
	})
	if err != nil {
		a.writeDomainError(w, err, "channels: подключение")
		return
	}
	writeJSON(w, ch)
}

func (a *API) detachChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	channelID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id канала")
		return
	}
	if err := a.subs.DetachChannel(r.Context(), userID, channelID); err != nil {
		a.writeDomainError(w, err, "channels: отключение")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupRequest struct {
	UserID    int64  `json:"user_id"`
	TGGroupID int64  `json:"tg_group_id"`
	Username  string `json:"username"`
	Title     string `json:"title"`
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	list, err := a.subs.ListGroups(r.Context(), userID)
	if err != nil {
		a.writeDomainError(w, err, "groups: список")
		return
	}
	writeJSON(w, map[string]any{"groups": list})
}

func (a *API) attachGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 || req.TGGroupID == 0 {
		writeError(w, http.StatusBadRequest, "требуются user_id и tg_group_id")
		return
	}
	g, err := a.subs.AttachGroup(r.Context(), req.UserID, domain.Group{
		TGGroupID: req.TGGroupID,
		Username:  req.Username,
		Title:     req.Title,
	})
	if err != nil {
		a.writeDomainError(w, err, "groups: подключение")
		return
	}
	writeJSON(w, g)
}

type mentionsRequest struct {
	UserID  int64 `json:"user_id"`
	Enabled bool  `json:"enabled"`
	Window  int   `json:"window"`
}

func (a *API) configureMentions(w http.ResponseWriter, r *http.Request) {
	var req mentionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "требуется user_id")
		return
	}
	groupID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id группы")
		return
	}
	if err := a.subs.ConfigureMentions(r.Context(), req.UserID, groupID, req.Enabled, req.Window); err != nil {
		a.writeDomainError(w, err, "groups: настройка упоминаний")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type retentionRequest struct {
	UserID int64 `json:"user_id"`
	Days   int   `json:"days"`
}

func (a *API) setRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "требуется user_id")
		return
	}
	days, err := a.subs.SetRetention(r.Context(), req.UserID, req.Days)
	if err != nil {
		a.writeDomainError(w, err, "settings: срок хранения")
		return
	}
	writeJSON(w, map[string]int{"retention_days": days})
}

type adminLoginRequest struct {
	TGUserID int64 `json:"tg_user_id"`
}

func (a *API) adminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TGUserID == 0 {
		writeError(w, http.StatusBadRequest, "требуется tg_user_id")
		return
	}
	session, err := a.auth.AdminLogin(r.Context(), req.TGUserID)
	if err != nil {
		a.writeDomainError(w, err, "admin: вход")
		return
	}
	writeJSON(w, session)
}

type inviteRequest struct {
	Tier      string `json:"tier"`
	TrialDays int    `json:"trial_days"`
	MaxUses   int    `json:"max_uses"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (a *API) createInvite(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "требуется токен администратора")
		return
	}
	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "некорректный expires_at, ожидается RFC3339")
			return
		}
		expiresAt = &parsed
	}
	invite, err := a.auth.CreateInvite(r.Context(), token, domain.SubscriptionTier(req.Tier), req.TrialDays, req.MaxUses, expiresAt)
	if err != nil {
		a.writeDomainError(w, err, "admin: выпуск кода")
		return
	}
	writeJSON(w, invite)
}

func (a *API) writeDomainError(w http.ResponseWriter, err error, logMsg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInviteInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAuthExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrNotAdmin):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTelegramRejected):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		a.log.Error().Err(err).Msg(logMsg)
		writeError(w, status, "внутренняя ошибка")
		return
	}
	writeError(w, status, err.Error())
}

func queryUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		writeError(w, http.StatusBadRequest, "требуется user_id")
		return 0, false
	}
	return userID, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
