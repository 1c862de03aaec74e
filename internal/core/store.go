package core

import (
	"context"
	"time"
)

// AuthStore persists the single auth session row.
type AuthStore interface {
	// GetAuthSession returns the session row, or a zero-value logged_out
	// session when none has been persisted yet.
	GetAuthSession(ctx context.Context) (AuthSession, error)
	SaveAuthSession(ctx context.Context, session AuthSession) error
}

// AccountFilter narrows account listings.
type AccountFilter struct {
	EnabledOnly  bool
	AutoSyncOnly bool
	FavoriteOnly bool
	ID           string
	Limit        int
}

// AccountStore persists publisher accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	UpsertAccount(ctx context.Context, account Account) error
	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)
	// ListDueAccounts returns enabled, auto-sync-enabled accounts whose
	// NextRunAt is null or <= now, ordered nulls first, then NextRunAt
	// ascending, then UpdatedAt ascending.
	ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]Account, error)
	// CountAutoSync returns the number of enabled auto-sync accounts and
	// how many of those are currently due.
	CountAutoSync(ctx context.Context, now time.Time) (scheduled int, due int, err error)
}

// ArticleStore persists captured articles.
type ArticleStore interface {
	// FindArticle matches by derived id first, then by canonical URL.
	// Returns ErrNotFound when neither matches.
	FindArticle(ctx context.Context, id, url string) (Article, error)
	UpsertArticle(ctx context.Context, article Article) error
	GetArticle(ctx context.Context, id string) (Article, error)
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status    JobStatus
	AccountID string
	Source    JobSource
	Keyword   string
	Offset    int
	Limit     int
}

// JobStore persists capture jobs and their append-only logs. CreateJob must
// be atomic with respect to the single-flight invariant: it fails with a
// ConflictError when any non-terminal job exists, checked against persisted
// state rather than memory.
type JobStore interface {
	CreateJob(ctx context.Context, job CaptureJob) error
	GetJob(ctx context.Context, id string) (CaptureJob, error)
	UpdateJob(ctx context.Context, job CaptureJob) error
	ListJobs(ctx context.Context, filter JobFilter) ([]CaptureJob, int, error)
	// ListActiveJobs returns all jobs in a non-terminal status, newest first.
	ListActiveJobs(ctx context.Context) ([]CaptureJob, error)
	// ListStuckCanceled returns legacy rows persisted as canceled with a
	// start time but no finish time.
	ListStuckCanceled(ctx context.Context) ([]CaptureJob, error)
	AppendJobLog(ctx context.Context, log JobLog) error
	ListJobLogs(ctx context.Context, jobID string, offset, limit int) ([]JobLog, int, error)
}

// Store aggregates every persistence concern of the capture core.
type Store interface {
	AuthStore
	AccountStore
	ArticleStore
	JobStore
}
