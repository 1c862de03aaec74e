package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mpvault/internal/core"
	"mpvault/internal/scheduler"
)

func (s *Server) requestLoginChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.sessions.RequestLoginChallenge(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, challenge)
}

func (s *Server) loginChallengeImage(w http.ResponseWriter, _ *http.Request) {
	img, err := os.ReadFile(s.cfg.WeChat.QRFile)
	if err != nil {
		writeError(w, http.StatusNotFound, "no login challenge pending")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (s *Server) pollLoginStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.PollLoginStatus(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) authState(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.State(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(core.AuthLoggedOut)})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.AccountFilter{
		EnabledOnly:  q.Get("enabled") == "true",
		AutoSyncOnly: q.Get("auto_sync") == "true",
		FavoriteOnly: q.Get("favorite") == "true",
		Limit:        queryInt(r, "limit", 0),
	}
	accounts, err := s.store.ListAccounts(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts, "total": len(accounts)})
}

type addAccountRequest struct {
	FakeID   string `json:"fakeid"`
	Biz      string `json:"biz"`
	Nickname string `json:"nickname"`
	Alias    string `json:"alias"`
	Avatar   string `json:"avatar"`
	Intro    string `json:"intro"`
	Favorite bool   `json:"favorite"`
}

func (s *Server) addAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.FakeID == "" {
		writeError(w, http.StatusBadRequest, "fakeid is required")
		return
	}

	now := s.clock.Now()
	id := core.AccountID(req.Biz, req.FakeID)
	account, err := s.store.GetAccount(r.Context(), id)
	if err == nil {
		// Known account: refresh the directory metadata.
		account.Nickname = req.Nickname
		account.Alias = req.Alias
		account.Avatar = req.Avatar
		account.Intro = req.Intro
		account.UpdatedAt = now
	} else {
		account = core.Account{
			ID:        id,
			FakeID:    req.FakeID,
			Biz:       req.Biz,
			Nickname:  req.Nickname,
			Alias:     req.Alias,
			Avatar:    req.Avatar,
			Intro:     req.Intro,
			Enabled:   true,
			Favorite:  req.Favorite,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if err := s.store.UpsertAccount(r.Context(), account); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) searchAccounts(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("q")
	if keyword == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 10)
	total, hits, err := s.sessions.SearchAccounts(r.Context(), keyword, offset, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "accounts": hits})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type updateAccountRequest struct {
	Enabled         *bool `json:"enabled"`
	Favorite        *bool `json:"favorite"`
	AutoSyncEnabled *bool `json:"auto_sync_enabled"`
	IntervalMinutes *int  `json:"interval_minutes"`
	LookbackDays    *int  `json:"lookback_days"`
	OverlapHours    *int  `json:"overlap_hours"`
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	account, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if req.Enabled != nil {
		account.Enabled = *req.Enabled
	}
	if req.Favorite != nil {
		account.Favorite = *req.Favorite
	}
	if req.AutoSyncEnabled != nil {
		account.AutoSync.Enabled = *req.AutoSyncEnabled
	}
	if req.IntervalMinutes != nil {
		account.AutoSync.IntervalMinutes = *req.IntervalMinutes
	}
	if req.LookbackDays != nil {
		account.AutoSync.LookbackDays = *req.LookbackDays
	}
	if req.OverlapHours != nil {
		account.AutoSync.OverlapHours = *req.OverlapHours
	}
	account.UpdatedAt = s.clock.Now()

	if err := s.store.UpsertAccount(r.Context(), account); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) syncAccountNow(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if err := s.auto.QueueDueNow(r.Context(), accountID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"account_id": accountID, "status": "queued"})
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	article, err := s.store.GetArticle(r.Context(), chi.URLParam(r, "article_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, article)
}

func (s *Server) refreshArticle(w http.ResponseWriter, r *http.Request) {
	article, err := s.refresher.RefreshArticle(r.Context(), chi.URLParam(r, "article_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, article)
}

type createJobRequest struct {
	AccountID   string `json:"account_id"`
	StartTS     *int64 `json:"start_ts"`
	EndTS       *int64 `json:"end_ts"`
	WithContent *bool  `json:"with_content"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.StartTS == nil || req.EndTS == nil {
		writeError(w, http.StatusBadRequest, "start_ts and end_ts are required")
		return
	}
	withContent := true
	if req.WithContent != nil {
		withContent = *req.WithContent
	}
	job, err := s.jobs.CreateJob(r.Context(), scheduler.CreateJobRequest{
		AccountID:   req.AccountID,
		Source:      core.SourceManual,
		StartTS:     req.StartTS,
		EndTS:       req.EndTS,
		WithContent: withContent,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.JobFilter{
		Status:    core.JobStatus(q.Get("status")),
		AccountID: q.Get("account_id"),
		Source:    core.JobSource(q.Get("source")),
		Keyword:   q.Get("q"),
		Offset:    queryInt(r, "offset", 0),
		Limit:     queryInt(r, "limit", 20),
	}
	jobs, total, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) activeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.ActiveJob(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.RetryJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	logs, total, err := s.store.ListJobLogs(r.Context(), jobID, offset, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "total": total})
}

func (s *Server) autoSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.auto.CurrentStatus(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) enableAutoSync(w http.ResponseWriter, r *http.Request) {
	s.auto.SetEnabled(true)
	s.autoSyncStatus(w, r)
}

func (s *Server) disableAutoSync(w http.ResponseWriter, r *http.Request) {
	s.auto.SetEnabled(false)
	s.autoSyncStatus(w, r)
}

func (s *Server) runFavoritesNow(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	queued, err := s.auto.QueueFavoritesNow(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}
