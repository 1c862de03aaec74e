// Package api exposes the HTTP interface for the capture service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mpvault/internal/autosync"
	"mpvault/internal/config"
	"mpvault/internal/core"
	"mpvault/internal/metrics"
	"mpvault/internal/scheduler"
	"mpvault/internal/session"
	"mpvault/internal/wechat"
)

// SessionManager is the slice of the login session the handlers use.
type SessionManager interface {
	RequestLoginChallenge(ctx context.Context) (session.Challenge, error)
	PollLoginStatus(ctx context.Context) (core.AuthSession, error)
	State(ctx context.Context) (core.AuthSession, error)
	Logout(ctx context.Context) error
	SearchAccounts(ctx context.Context, keyword string, offset, limit int) (int, []wechat.AccountHit, error)
}

// JobScheduler is the slice of the capture scheduler the handlers use.
type JobScheduler interface {
	CreateJob(ctx context.Context, req scheduler.CreateJobRequest) (core.CaptureJob, error)
	CancelJob(ctx context.Context, jobID string) (core.CaptureJob, error)
	RetryJob(ctx context.Context, jobID string) (core.CaptureJob, error)
	ActiveJob(ctx context.Context) (core.CaptureJob, error)
}

// AutoSyncService is the slice of the auto-sync loop the handlers use.
type AutoSyncService interface {
	CurrentStatus(ctx context.Context) (autosync.Status, error)
	SetEnabled(enabled bool)
	QueueDueNow(ctx context.Context, accountID string) error
	QueueFavoritesNow(ctx context.Context, limit int) (int, error)
}

// ArticleRefresher re-captures one article's content.
type ArticleRefresher interface {
	RefreshArticle(ctx context.Context, id string) (core.Article, error)
}

// Server wires HTTP handlers to the capture services.
type Server struct {
	router    chi.Router
	store     core.Store
	sessions  SessionManager
	jobs      JobScheduler
	auto      AutoSyncService
	refresher ArticleRefresher
	cfg       config.Config
	clock     core.Clock
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store core.Store,
	sessions SessionManager,
	jobs JobScheduler,
	auto AutoSyncService,
	refresher ArticleRefresher,
	cfg config.Config,
	clock core.Clock,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:     store,
		sessions:  sessions,
		jobs:      jobs,
		auto:      auto,
		refresher: refresher,
		cfg:       cfg,
		clock:     clock,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(time.Duration(cfg.Server.TimeoutSeconds) * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/qr", s.requestLoginChallenge)
			r.Get("/qr/image", s.loginChallengeImage)
			r.Get("/status", s.pollLoginStatus)
			r.Get("/state", s.authState)
			r.Post("/logout", s.logout)
		})
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.listAccounts)
			r.Post("/", s.addAccount)
			r.Get("/search", s.searchAccounts)
			r.Route("/{account_id}", func(r chi.Router) {
				r.Get("/", s.getAccount)
				r.Patch("/", s.updateAccount)
				r.Post("/sync-now", s.syncAccountNow)
			})
		})
		r.Route("/articles", func(r chi.Router) {
			r.Get("/{article_id}", s.getArticle)
			r.Post("/{article_id}/refresh", s.refreshArticle)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Get("/active", s.activeJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Post("/retry", s.retryJob)
				r.Get("/logs", s.jobLogs)
			})
		})
		r.Route("/auto-sync", func(r chi.Router) {
			r.Get("/status", s.autoSyncStatus)
			r.Post("/enable", s.enableAutoSync)
			r.Post("/disable", s.disableAutoSync)
			r.Post("/run-favorites", s.runFavoritesNow)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetAuthSession(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeDomainError maps domain errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case core.IsAuthError(err):
		writeError(w, http.StatusUnauthorized, err.Error())
	case core.IsConflictError(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
