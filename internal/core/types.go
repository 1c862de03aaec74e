// Package core defines the domain types and collaborator interfaces shared
// across the capture subsystems.
package core

import "time"

// AuthStatus is the persisted state of the remote login session.
type AuthStatus string

// Auth session states.
const (
	AuthLoggedOut   AuthStatus = "logged_out"
	AuthWaitingScan AuthStatus = "waiting_scan"
	AuthScanned     AuthStatus = "scanned"
	AuthLoggedIn    AuthStatus = "logged_in"
	AuthExpired     AuthStatus = "expired"
	AuthFailed      AuthStatus = "error"
)

// AuthSession is the single logical login row for this deployment.
type AuthSession struct {
	Status        AuthStatus `json:"status"`
	LoginUUID     string     `json:"login_uuid"`
	Fingerprint   string     `json:"-"`
	Token         string     `json:"-"`
	CookieJSON    string     `json:"-"`
	AccountName   string     `json:"account_name"`
	AccountAvatar string     `json:"account_avatar"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AutoSyncProfile is the per-account autonomous sync bookkeeping embedded in
// Account.
type AutoSyncProfile struct {
	Enabled             bool       `json:"enabled"`
	IntervalMinutes     int        `json:"interval_minutes"`
	LookbackDays        int        `json:"lookback_days"`
	OverlapHours        int        `json:"overlap_hours"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Account is a publisher account targeted by capture jobs.
type Account struct {
	ID         string          `json:"id"`
	FakeID     string          `json:"fakeid"`
	Biz        string          `json:"biz,omitempty"`
	Nickname   string          `json:"nickname"`
	Alias      string          `json:"alias,omitempty"`
	Avatar     string          `json:"avatar,omitempty"`
	Intro      string          `json:"intro,omitempty"`
	Enabled    bool            `json:"enabled"`
	Favorite   bool            `json:"favorite"`
	UseCount   int             `json:"use_count"`
	LastUsedAt *time.Time      `json:"last_used_at,omitempty"`
	LastSyncAt *time.Time      `json:"last_sync_at,omitempty"`
	AutoSync   AutoSyncProfile `json:"auto_sync"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Article is one captured article. Identity derives from the account id plus
// the platform article id (or a hash of the URL when the platform id is
// absent); the URL is globally unique.
type Article struct {
	ID          string    `json:"id"`
	AID         string    `json:"aid"`
	AccountID   string    `json:"account_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	CoverURL    string    `json:"cover_url,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	Author      string    `json:"author,omitempty"`
	PublishTS   int64     `json:"publish_ts,omitempty"`
	ContentHTML string    `json:"content_html,omitempty"`
	ContentText string    `json:"content_text,omitempty"`
	Images      []string  `json:"images,omitempty"`
	RawJSON     string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobStatus is the lifecycle state of a capture job.
type JobStatus string

// Capture job states. A job is active while queued, running, or canceling;
// the remaining states are terminal.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCanceling JobStatus = "canceling"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// ActiveJobStatuses lists the non-terminal states, at most one of which may
// be occupied process-wide at any time.
var ActiveJobStatuses = []JobStatus{JobQueued, JobRunning, JobCanceling}

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCanceled
}

// Active reports whether s is a non-terminal job status.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning || s == JobCanceling
}

// JobSource records what initiated a capture job.
type JobSource string

// Job sources.
const (
	SourceManual    JobSource = "manual"
	SourceScheduled JobSource = "scheduled"
	SourceRetry     JobSource = "retry"
)

// JobCounters tracks crawl progress mirrored into the job row after every
// scanned page.
type JobCounters struct {
	Created           int  `json:"created"`
	Updated           int  `json:"updated"`
	ContentUpdated    int  `json:"content_updated"`
	DuplicatesSkipped int  `json:"duplicates_skipped"`
	ScannedPages      int  `json:"scanned_pages"`
	MaxPages          int  `json:"max_pages"`
	ReachedTarget     bool `json:"reached_target"`
}

// CaptureJob is one tracked crawl over a fixed [StartTS, EndTS] window.
// While non-terminal it is mutated only by the worker goroutine executing it.
type CaptureJob struct {
	ID              string      `json:"id"`
	AccountID       string      `json:"account_id"`
	AccountNickname string      `json:"account_nickname"`
	Status          JobStatus   `json:"status"`
	Source          JobSource   `json:"source"`
	StartTS         int64       `json:"start_ts"`
	EndTS           int64       `json:"end_ts"`
	WithContent     bool        `json:"with_content"`
	Counters        JobCounters `json:"counters"`
	Error           string      `json:"error,omitempty"`
	ResultJSON      string      `json:"result,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// LogLevel classifies job log lines.
type LogLevel string

// Job log levels.
const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLog is one append-only log line scoped to a job, ordered by creation
// time then id.
type JobLog struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	PayloadJSON string    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}
