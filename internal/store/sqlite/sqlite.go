// Package sqlite implements the Store on an embedded SQLite database via
// sqlx and the modernc driver. This is the default backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mpvault/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS auth_session (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	status TEXT NOT NULL,
	login_uuid TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	cookie_json TEXT NOT NULL DEFAULT '',
	account_name TEXT NOT NULL DEFAULT '',
	account_avatar TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	fakeid TEXT NOT NULL,
	biz TEXT NOT NULL DEFAULT '',
	nickname TEXT NOT NULL DEFAULT '',
	alias TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT '',
	intro TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	favorite INTEGER NOT NULL DEFAULT 0,
	use_count INTEGER NOT NULL DEFAULT 0,
	last_used_at INTEGER,
	last_sync_at INTEGER,
	sync_enabled INTEGER NOT NULL DEFAULT 0,
	sync_interval_minutes INTEGER NOT NULL DEFAULT 0,
	sync_lookback_days INTEGER NOT NULL DEFAULT 0,
	sync_overlap_hours INTEGER NOT NULL DEFAULT 0,
	sync_next_run_at INTEGER,
	sync_last_success_at INTEGER,
	sync_last_error TEXT NOT NULL DEFAULT '',
	sync_failures INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_due ON accounts (sync_enabled, sync_next_run_at);

CREATE TABLE IF NOT EXISTS articles (
	id TEXT PRIMARY KEY,
	aid TEXT NOT NULL DEFAULT '',
	account_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL UNIQUE,
	cover_url TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	publish_ts INTEGER NOT NULL DEFAULT 0,
	content_html TEXT NOT NULL DEFAULT '',
	content_text TEXT NOT NULL DEFAULT '',
	images_json TEXT NOT NULL DEFAULT '[]',
	raw_json TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_articles_account ON articles (account_id, publish_ts);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	account_nickname TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	start_ts INTEGER NOT NULL DEFAULT 0,
	end_ts INTEGER NOT NULL DEFAULT 0,
	with_content INTEGER NOT NULL DEFAULT 1,
	counters_json TEXT NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	result_json TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs (job_id, id);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sqlx.DB
}

var _ core.Store = (*Store)(nil)

// Open creates the database file if needed, applies the schema, and returns
// a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The modernc driver serializes access; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func unixPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

type authRow struct {
	Status        string `db:"status"`
	LoginUUID     string `db:"login_uuid"`
	Fingerprint   string `db:"fingerprint"`
	Token         string `db:"token"`
	CookieJSON    string `db:"cookie_json"`
	AccountName   string `db:"account_name"`
	AccountAvatar string `db:"account_avatar"`
	LastError     string `db:"last_error"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

// GetAuthSession returns the session row, or a zero-value logged_out session
// when none has been persisted yet.
func (s *Store) GetAuthSession(ctx context.Context) (core.AuthSession, error) {
	var row authRow
	err := s.db.GetContext(ctx, &row, `SELECT status, login_uuid, fingerprint, token, cookie_json,
		account_name, account_avatar, last_error, created_at, updated_at
		FROM auth_session WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AuthSession{Status: core.AuthLoggedOut}, nil
	}
	if err != nil {
		return core.AuthSession{}, fmt.Errorf("get auth session: %w", err)
	}
	return core.AuthSession{
		Status:        core.AuthStatus(row.Status),
		LoginUUID:     row.LoginUUID,
		Fingerprint:   row.Fingerprint,
		Token:         row.Token,
		CookieJSON:    row.CookieJSON,
		AccountName:   row.AccountName,
		AccountAvatar: row.AccountAvatar,
		LastError:     row.LastError,
		CreatedAt:     time.Unix(row.CreatedAt, 0).UTC(),
		UpdatedAt:     time.Unix(row.UpdatedAt, 0).UTC(),
	}, nil
}

// SaveAuthSession replaces the single session row.
func (s *Store) SaveAuthSession(ctx context.Context, session core.AuthSession) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO auth_session
		(id, status, login_uuid, fingerprint, token, cookie_json, account_name, account_avatar, last_error, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			login_uuid = excluded.login_uuid,
			fingerprint = excluded.fingerprint,
			token = excluded.token,
			cookie_json = excluded.cookie_json,
			account_name = excluded.account_name,
			account_avatar = excluded.account_avatar,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		string(session.Status), session.LoginUUID, session.Fingerprint, session.Token,
		session.CookieJSON, session.AccountName, session.AccountAvatar, session.LastError,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save auth session: %w", err)
	}
	return nil
}

type accountRow struct {
	ID              string        `db:"id"`
	FakeID          string        `db:"fakeid"`
	Biz             string        `db:"biz"`
	Nickname        string        `db:"nickname"`
	Alias           string        `db:"alias"`
	Avatar          string        `db:"avatar"`
	Intro           string        `db:"intro"`
	Enabled         bool          `db:"enabled"`
	Favorite        bool          `db:"favorite"`
	UseCount        int           `db:"use_count"`
	LastUsedAt      sql.NullInt64 `db:"last_used_at"`
	LastSyncAt      sql.NullInt64 `db:"last_sync_at"`
	SyncEnabled     bool          `db:"sync_enabled"`
	SyncInterval    int           `db:"sync_interval_minutes"`
	SyncLookback    int           `db:"sync_lookback_days"`
	SyncOverlap     int           `db:"sync_overlap_hours"`
	SyncNextRunAt   sql.NullInt64 `db:"sync_next_run_at"`
	SyncLastSuccess sql.NullInt64 `db:"sync_last_success_at"`
	SyncLastError   string        `db:"sync_last_error"`
	SyncFailures    int           `db:"sync_failures"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

const accountColumns = `id, fakeid, biz, nickname, alias, avatar, intro, enabled, favorite,
	use_count, last_used_at, last_sync_at, sync_enabled, sync_interval_minutes,
	sync_lookback_days, sync_overlap_hours, sync_next_run_at, sync_last_success_at,
	sync_last_error, sync_failures, created_at, updated_at`

func (r accountRow) account() core.Account {
	return core.Account{
		ID:         r.ID,
		FakeID:     r.FakeID,
		Biz:        r.Biz,
		Nickname:   r.Nickname,
		Alias:      r.Alias,
		Avatar:     r.Avatar,
		Intro:      r.Intro,
		Enabled:    r.Enabled,
		Favorite:   r.Favorite,
		UseCount:   r.UseCount,
		LastUsedAt: timePtr(r.LastUsedAt),
		LastSyncAt: timePtr(r.LastSyncAt),
		AutoSync: core.AutoSyncProfile{
			Enabled:             r.SyncEnabled,
			IntervalMinutes:     r.SyncInterval,
			LookbackDays:        r.SyncLookback,
			OverlapHours:        r.SyncOverlap,
			NextRunAt:           timePtr(r.SyncNextRunAt),
			LastSuccessAt:       timePtr(r.SyncLastSuccess),
			LastError:           r.SyncLastError,
			ConsecutiveFailures: r.SyncFailures,
		},
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

// GetAccount looks up one account.
func (s *Store) GetAccount(ctx context.Context, id string) (core.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, core.ErrNotFound
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("get account: %w", err)
	}
	return row.account(), nil
}

// UpsertAccount inserts or replaces an account row.
func (s *Store) UpsertAccount(ctx context.Context, account core.Account) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			fakeid = excluded.fakeid,
			biz = excluded.biz,
			nickname = excluded.nickname,
			alias = excluded.alias,
			avatar = excluded.avatar,
			intro = excluded.intro,
			enabled = excluded.enabled,
			favorite = excluded.favorite,
			use_count = excluded.use_count,
			last_used_at = excluded.last_used_at,
			last_sync_at = excluded.last_sync_at,
			sync_enabled = excluded.sync_enabled,
			sync_interval_minutes = excluded.sync_interval_minutes,
			sync_lookback_days = excluded.sync_lookback_days,
			sync_overlap_hours = excluded.sync_overlap_hours,
			sync_next_run_at = excluded.sync_next_run_at,
			sync_last_success_at = excluded.sync_last_success_at,
			sync_last_error = excluded.sync_last_error,
			sync_failures = excluded.sync_failures,
			updated_at = excluded.updated_at`,
		account.ID, account.FakeID, account.Biz, account.Nickname, account.Alias,
		account.Avatar, account.Intro, account.Enabled, account.Favorite, account.UseCount,
		unixPtr(account.LastUsedAt), unixPtr(account.LastSyncAt),
		account.AutoSync.Enabled, account.AutoSync.IntervalMinutes,
		account.AutoSync.LookbackDays, account.AutoSync.OverlapHours,
		unixPtr(account.AutoSync.NextRunAt), unixPtr(account.AutoSync.LastSuccessAt),
		account.AutoSync.LastError, account.AutoSync.ConsecutiveFailures,
		account.CreatedAt.Unix(), account.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// ListAccounts returns accounts matching the filter, newest-updated first.
func (s *Store) ListAccounts(ctx context.Context, filter core.AccountFilter) ([]core.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1=1`
	var args []any
	if filter.ID != "" {
		query += ` AND id = ?`
		args = append(args, filter.ID)
	}
	if filter.EnabledOnly {
		query += ` AND enabled = 1`
	}
	if filter.AutoSyncOnly {
		query += ` AND sync_enabled = 1`
	}
	if filter.FavoriteOnly {
		query += ` AND favorite = 1`
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]core.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, row.account())
	}
	return accounts, nil
}

// ListDueAccounts returns enabled auto-sync accounts due at now, never-run
// accounts first.
func (s *Store) ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]core.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts
		WHERE enabled = 1 AND sync_enabled = 1
		  AND (sync_next_run_at IS NULL OR sync_next_run_at <= ?)
		ORDER BY sync_next_run_at IS NOT NULL, sync_next_run_at ASC, updated_at ASC
		LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due accounts: %w", err)
	}
	accounts := make([]core.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, row.account())
	}
	return accounts, nil
}

// CountAutoSync counts enrolled accounts and how many of them are due.
func (s *Store) CountAutoSync(ctx context.Context, now time.Time) (int, int, error) {
	var counts struct {
		Scheduled int `db:"scheduled"`
		Due       int `db:"due"`
	}
	err := s.db.GetContext(ctx, &counts, `SELECT
		COUNT(*) AS scheduled,
		SUM(CASE WHEN sync_next_run_at IS NULL OR sync_next_run_at <= ? THEN 1 ELSE 0 END) AS due
		FROM accounts WHERE enabled = 1 AND sync_enabled = 1`, now.Unix())
	if err != nil {
		return 0, 0, fmt.Errorf("count auto-sync accounts: %w", err)
	}
	return counts.Scheduled, counts.Due, nil
}

type articleRow struct {
	ID          string `db:"id"`
	AID         string `db:"aid"`
	AccountID   string `db:"account_id"`
	Title       string `db:"title"`
	URL         string `db:"url"`
	CoverURL    string `db:"cover_url"`
	Digest      string `db:"digest"`
	Author      string `db:"author"`
	PublishTS   int64  `db:"publish_ts"`
	ContentHTML string `db:"content_html"`
	ContentText string `db:"content_text"`
	ImagesJSON  string `db:"images_json"`
	RawJSON     string `db:"raw_json"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

const articleColumns = `id, aid, account_id, title, url, cover_url, digest, author,
	publish_ts, content_html, content_text, images_json, raw_json, created_at, updated_at`

func (r articleRow) article() core.Article {
	var images []string
	if r.ImagesJSON != "" {
		_ = json.Unmarshal([]byte(r.ImagesJSON), &images)
	}
	return core.Article{
		ID:          r.ID,
		AID:         r.AID,
		AccountID:   r.AccountID,
		Title:       r.Title,
		URL:         r.URL,
		CoverURL:    r.CoverURL,
		Digest:      r.Digest,
		Author:      r.Author,
		PublishTS:   r.PublishTS,
		ContentHTML: r.ContentHTML,
		ContentText: r.ContentText,
		Images:      images,
		RawJSON:     r.RawJSON,
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:   time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

// FindArticle matches by id first, then by URL.
func (s *Store) FindArticle(ctx context.Context, id, url string) (core.Article, error) {
	var row articleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) && url != "" {
		err = s.db.GetContext(ctx, &row, `SELECT `+articleColumns+` FROM articles WHERE url = ?`, url)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return core.Article{}, core.ErrNotFound
	}
	if err != nil {
		return core.Article{}, fmt.Errorf("find article: %w", err)
	}
	return row.article(), nil
}

// UpsertArticle inserts or replaces an article row.
func (s *Store) UpsertArticle(ctx context.Context, article core.Article) error {
	images, err := json.Marshal(article.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO articles (`+articleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			aid = excluded.aid,
			title = excluded.title,
			url = excluded.url,
			cover_url = excluded.cover_url,
			digest = excluded.digest,
			author = excluded.author,
			publish_ts = excluded.publish_ts,
			content_html = excluded.content_html,
			content_text = excluded.content_text,
			images_json = excluded.images_json,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at`,
		article.ID, article.AID, article.AccountID, article.Title, article.URL,
		article.CoverURL, article.Digest, article.Author, article.PublishTS,
		article.ContentHTML, article.ContentText, string(images), article.RawJSON,
		article.CreatedAt.Unix(), article.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert article: %w", err)
	}
	return nil
}

// GetArticle looks up one article.
func (s *Store) GetArticle(ctx context.Context, id string) (core.Article, error) {
	var row articleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Article{}, core.ErrNotFound
	}
	if err != nil {
		return core.Article{}, fmt.Errorf("get article: %w", err)
	}
	return row.article(), nil
}

type jobRow struct {
	ID              string        `db:"id"`
	AccountID       string        `db:"account_id"`
	AccountNickname string        `db:"account_nickname"`
	Status          string        `db:"status"`
	Source          string        `db:"source"`
	StartTS         int64         `db:"start_ts"`
	EndTS           int64         `db:"end_ts"`
	WithContent     bool          `db:"with_content"`
	CountersJSON    string        `db:"counters_json"`
	Error           string        `db:"error"`
	ResultJSON      string        `db:"result_json"`
	CreatedAt       int64         `db:"created_at"`
	StartedAt       sql.NullInt64 `db:"started_at"`
	FinishedAt      sql.NullInt64 `db:"finished_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

const jobColumns = `id, account_id, account_nickname, status, source, start_ts, end_ts,
	with_content, counters_json, error, result_json, created_at, started_at, finished_at, updated_at`

func (r jobRow) job() core.CaptureJob {
	var counters core.JobCounters
	if r.CountersJSON != "" {
		_ = json.Unmarshal([]byte(r.CountersJSON), &counters)
	}
	return core.CaptureJob{
		ID:              r.ID,
		AccountID:       r.AccountID,
		AccountNickname: r.AccountNickname,
		Status:          core.JobStatus(r.Status),
		Source:          core.JobSource(r.Source),
		StartTS:         r.StartTS,
		EndTS:           r.EndTS,
		WithContent:     r.WithContent,
		Counters:        counters,
		Error:           r.Error,
		ResultJSON:      r.ResultJSON,
		CreatedAt:       time.Unix(r.CreatedAt, 0).UTC(),
		StartedAt:       timePtr(r.StartedAt),
		FinishedAt:      timePtr(r.FinishedAt),
		UpdatedAt:       time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

// CreateJob inserts the job only when no non-terminal job exists. The guard
// runs inside the INSERT so two concurrent creators cannot both pass.
func (s *Store) CreateJob(ctx context.Context, job core.CaptureJob) error {
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE status IN ('queued', 'running', 'canceling')
		)`,
		job.ID, job.AccountID, job.AccountNickname, string(job.Status), string(job.Source),
		job.StartTS, job.EndTS, job.WithContent, string(counters), job.Error, job.ResultJSON,
		job.CreatedAt.Unix(), unixPtr(job.StartedAt), unixPtr(job.FinishedAt), job.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if affected == 0 {
		return core.NewConflictError("another job is already active")
	}
	return nil
}

// GetJob looks up one job.
func (s *Store) GetJob(ctx context.Context, id string) (core.CaptureJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CaptureJob{}, core.ErrNotFound
	}
	if err != nil {
		return core.CaptureJob{}, fmt.Errorf("get job: %w", err)
	}
	return row.job(), nil
}

// UpdateJob replaces the mutable job fields.
func (s *Store) UpdateJob(ctx context.Context, job core.CaptureJob) error {
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			status = ?, counters_json = ?, error = ?, result_json = ?,
			started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status), string(counters), job.Error, job.ResultJSON,
		unixPtr(job.StartedAt), unixPtr(job.FinishedAt), job.UpdatedAt.Unix(), job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if affected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListJobs returns jobs matching the filter, newest first, plus the total
// match count.
func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.CaptureJob, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AccountID != "" {
		where += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.Source != "" {
		where += ` AND source = ?`
		args = append(args, string(filter.Source))
	}
	if filter.Keyword != "" {
		where += ` AND account_nickname LIKE ?`
		args = append(args, "%"+filter.Keyword+"%")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]core.CaptureJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.job())
	}
	return jobs, total, nil
}

// ListActiveJobs returns non-terminal jobs, newest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]core.CaptureJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('queued', 'running', 'canceling')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	jobs := make([]core.CaptureJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.job())
	}
	return jobs, nil
}

// ListStuckCanceled returns canceled rows with a start time but no finish
// time.
func (s *Store) ListStuckCanceled(ctx context.Context) ([]core.CaptureJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'canceled' AND started_at IS NOT NULL AND finished_at IS NULL
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list stuck canceled jobs: %w", err)
	}
	jobs := make([]core.CaptureJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.job())
	}
	return jobs, nil
}

// AppendJobLog appends one log line.
func (s *Store) AppendJobLog(ctx context.Context, log core.JobLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_logs
		(job_id, level, message, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		log.JobID, string(log.Level), log.Message, log.PayloadJSON, log.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// ListJobLogs returns a job's log lines in append order with the total
// count.
func (s *Store) ListJobLogs(ctx context.Context, jobID string, offset, limit int) ([]core.JobLog, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM job_logs WHERE job_id = ?`, jobID); err != nil {
		return nil, 0, fmt.Errorf("count job logs: %w", err)
	}

	if limit <= 0 {
		limit = 100
	}
	type logRow struct {
		ID          int64  `db:"id"`
		JobID       string `db:"job_id"`
		Level       string `db:"level"`
		Message     string `db:"message"`
		PayloadJSON string `db:"payload_json"`
		CreatedAt   int64  `db:"created_at"`
	}
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, job_id, level, message, payload_json, created_at
		FROM job_logs WHERE job_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
		jobID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list job logs: %w", err)
	}
	logs := make([]core.JobLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, core.JobLog{
			ID:          row.ID,
			JobID:       row.JobID,
			Level:       core.LogLevel(row.Level),
			Message:     row.Message,
			PayloadJSON: row.PayloadJSON,
			CreatedAt:   time.Unix(row.CreatedAt, 0).UTC(),
		})
	}
	return logs, total, nil
}
