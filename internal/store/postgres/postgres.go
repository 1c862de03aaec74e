// Package postgres implements the Store on PostgreSQL via pgx. Used for
// deployments that outgrow the embedded database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	fakeid TEXT NOT NULL,
	biz TEXT NOT NULL DEFAULT '',
	nickname TEXT NOT NULL DEFAULT '',
	alias TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT '',
	intro TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	favorite BOOLEAN NOT NULL DEFAULT FALSE,
	use_count INTEGER NOT NULL DEFAULT 0,
	last_used_at BIGINT,
	last_sync_at BIGINT,
	sync_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	sync_interval_minutes INTEGER NOT NULL DEFAULT 0,
	sync_lookback_days INTEGER NOT NULL DEFAULT 0,
	sync_overlap_hours INTEGER NOT NULL DEFAULT 0,
	sync_next_run_at BIGINT,
	sync_last_success_at BIGINT,
	sync_last_error TEXT NOT NULL DEFAULT '',
	sync_failures INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
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
	publish_ts BIGINT NOT NULL DEFAULT 0,
	content_html TEXT NOT NULL DEFAULT '',
	content_text TEXT NOT NULL DEFAULT '',
	images_json TEXT NOT NULL DEFAULT '[]',
	raw_json TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_articles_account ON articles (account_id, publish_ts);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	account_nickname TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	start_ts BIGINT NOT NULL DEFAULT 0,
	end_ts BIGINT NOT NULL DEFAULT 0,
	with_content BOOLEAN NOT NULL DEFAULT TRUE,
	counters_json TEXT NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	result_json TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	started_at BIGINT,
	finished_at BIGINT,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS job_logs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs (job_id, id);
`

// querier is the slice of pgxpool.Pool the store uses, narrow enough for
// pgxmock to substitute in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	pool querier
}

var _ core.Store = (*Store)(nil)

// Config controls the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Open connects, applies the schema, and returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. Used by tests with pgxmock.
func NewWithPool(pool querier) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
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

// GetAuthSession returns the session row, or a zero-value logged_out session
// when none has been persisted yet.
func (s *Store) GetAuthSession(ctx context.Context) (core.AuthSession, error) {
	var (
		session          core.AuthSession
		status           string
		created, updated int64
	)
	err := s.pool.QueryRow(ctx, `SELECT status, login_uuid, fingerprint, token, cookie_json,
		account_name, account_avatar, last_error, created_at, updated_at
		FROM auth_session WHERE id = 1`).Scan(
		&status, &session.LoginUUID, &session.Fingerprint, &session.Token, &session.CookieJSON,
		&session.AccountName, &session.AccountAvatar, &session.LastError, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.AuthSession{Status: core.AuthLoggedOut}, nil
	}
	if err != nil {
		return core.AuthSession{}, fmt.Errorf("get auth session: %w", err)
	}
	session.Status = core.AuthStatus(status)
	session.CreatedAt = time.Unix(created, 0).UTC()
	session.UpdatedAt = time.Unix(updated, 0).UTC()
	return session, nil
}

// SaveAuthSession replaces the single session row.
func (s *Store) SaveAuthSession(ctx context.Context, session core.AuthSession) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO auth_session
		(id, status, login_uuid, fingerprint, token, cookie_json, account_name, account_avatar, last_error, created_at, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			login_uuid = EXCLUDED.login_uuid,
			fingerprint = EXCLUDED.fingerprint,
			token = EXCLUDED.token,
			cookie_json = EXCLUDED.cookie_json,
			account_name = EXCLUDED.account_name,
			account_avatar = EXCLUDED.account_avatar,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		string(session.Status), session.LoginUUID, session.Fingerprint, session.Token,
		session.CookieJSON, session.AccountName, session.AccountAvatar, session.LastError,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save auth session: %w", err)
	}
	return nil
}

const accountColumns = `id, fakeid, biz, nickname, alias, avatar, intro, enabled, favorite,
	use_count, last_used_at, last_sync_at, sync_enabled, sync_interval_minutes,
	sync_lookback_days, sync_overlap_hours, sync_next_run_at, sync_last_success_at,
	sync_last_error, sync_failures, created_at, updated_at`

func scanAccount(row pgx.Row) (core.Account, error) {
	var (
		account                          core.Account
		lastUsed, lastSync, next, lastOK sql.NullInt64
		created, updated                 int64
	)
	err := row.Scan(
		&account.ID, &account.FakeID, &account.Biz, &account.Nickname, &account.Alias,
		&account.Avatar, &account.Intro, &account.Enabled, &account.Favorite, &account.UseCount,
		&lastUsed, &lastSync,
		&account.AutoSync.Enabled, &account.AutoSync.IntervalMinutes,
		&account.AutoSync.LookbackDays, &account.AutoSync.OverlapHours,
		&next, &lastOK, &account.AutoSync.LastError, &account.AutoSync.ConsecutiveFailures,
		&created, &updated)
	if err != nil {
		return core.Account{}, err
	}
	account.LastUsedAt = timePtr(lastUsed)
	account.LastSyncAt = timePtr(lastSync)
	account.AutoSync.NextRunAt = timePtr(next)
	account.AutoSync.LastSuccessAt = timePtr(lastOK)
	account.CreatedAt = time.Unix(created, 0).UTC()
	account.UpdatedAt = time.Unix(updated, 0).UTC()
	return account, nil
}

func scanAccounts(rows pgx.Rows) ([]core.Account, error) {
	defer rows.Close()
	var accounts []core.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// GetAccount looks up one account.
func (s *Store) GetAccount(ctx context.Context, id string) (core.Account, error) {
	account, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Account{}, core.ErrNotFound
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// UpsertAccount inserts or replaces an account row.
func (s *Store) UpsertAccount(ctx context.Context, account core.Account) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			fakeid = EXCLUDED.fakeid,
			biz = EXCLUDED.biz,
			nickname = EXCLUDED.nickname,
			alias = EXCLUDED.alias,
			avatar = EXCLUDED.avatar,
			intro = EXCLUDED.intro,
			enabled = EXCLUDED.enabled,
			favorite = EXCLUDED.favorite,
			use_count = EXCLUDED.use_count,
			last_used_at = EXCLUDED.last_used_at,
			last_sync_at = EXCLUDED.last_sync_at,
			sync_enabled = EXCLUDED.sync_enabled,
			sync_interval_minutes = EXCLUDED.sync_interval_minutes,
			sync_lookback_days = EXCLUDED.sync_lookback_days,
			sync_overlap_hours = EXCLUDED.sync_overlap_hours,
			sync_next_run_at = EXCLUDED.sync_next_run_at,
			sync_last_success_at = EXCLUDED.sync_last_success_at,
			sync_last_error = EXCLUDED.sync_last_error,
			sync_failures = EXCLUDED.sync_failures,
			updated_at = EXCLUDED.updated_at`,
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
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ID != "" {
		query += ` AND id = ` + arg(filter.ID)
	}
	if filter.EnabledOnly {
		query += ` AND enabled`
	}
	if filter.AutoSyncOnly {
		query += ` AND sync_enabled`
	}
	if filter.FavoriteOnly {
		query += ` AND favorite`
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return scanAccounts(rows)
}

// ListDueAccounts returns enabled auto-sync accounts due at now, never-run
// accounts first.
func (s *Store) ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]core.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE enabled AND sync_enabled
		  AND (sync_next_run_at IS NULL OR sync_next_run_at <= $1)
		ORDER BY sync_next_run_at ASC NULLS FIRST, updated_at ASC
		LIMIT $2`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due accounts: %w", err)
	}
	return scanAccounts(rows)
}

// CountAutoSync counts enrolled accounts and how many of them are due.
func (s *Store) CountAutoSync(ctx context.Context, now time.Time) (int, int, error) {
	var scheduled, due int
	err := s.pool.QueryRow(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN sync_next_run_at IS NULL OR sync_next_run_at <= $1 THEN 1 ELSE 0 END), 0)
		FROM accounts WHERE enabled AND sync_enabled`, now.Unix()).Scan(&scheduled, &due)
	if err != nil {
		return 0, 0, fmt.Errorf("count auto-sync accounts: %w", err)
	}
	return scheduled, due, nil
}

const articleColumns = `id, aid, account_id, title, url, cover_url, digest, author,
	publish_ts, content_html, content_text, images_json, raw_json, created_at, updated_at`

func scanArticle(row pgx.Row) (core.Article, error) {
	var (
		article          core.Article
		imagesJSON       string
		created, updated int64
	)
	err := row.Scan(
		&article.ID, &article.AID, &article.AccountID, &article.Title, &article.URL,
		&article.CoverURL, &article.Digest, &article.Author, &article.PublishTS,
		&article.ContentHTML, &article.ContentText, &imagesJSON, &article.RawJSON,
		&created, &updated)
	if err != nil {
		return core.Article{}, err
	}
	if imagesJSON != "" {
		_ = json.Unmarshal([]byte(imagesJSON), &article.Images)
	}
	article.CreatedAt = time.Unix(created, 0).UTC()
	article.UpdatedAt = time.Unix(updated, 0).UTC()
	return article, nil
}

// FindArticle matches by id first, then by URL.
func (s *Store) FindArticle(ctx context.Context, id, url string) (core.Article, error) {
	article, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) && url != "" {
		article, err = scanArticle(s.pool.QueryRow(ctx,
			`SELECT `+articleColumns+` FROM articles WHERE url = $1`, url))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Article{}, core.ErrNotFound
	}
	if err != nil {
		return core.Article{}, fmt.Errorf("find article: %w", err)
	}
	return article, nil
}

// UpsertArticle inserts or replaces an article row.
func (s *Store) UpsertArticle(ctx context.Context, article core.Article) error {
	images, err := json.Marshal(article.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO articles (`+articleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			aid = EXCLUDED.aid,
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			cover_url = EXCLUDED.cover_url,
			digest = EXCLUDED.digest,
			author = EXCLUDED.author,
			publish_ts = EXCLUDED.publish_ts,
			content_html = EXCLUDED.content_html,
			content_text = EXCLUDED.content_text,
			images_json = EXCLUDED.images_json,
			raw_json = EXCLUDED.raw_json,
			updated_at = EXCLUDED.updated_at`,
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
	article, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Article{}, core.ErrNotFound
	}
	if err != nil {
		return core.Article{}, fmt.Errorf("get article: %w", err)
	}
	return article, nil
}

const jobColumns = `id, account_id, account_nickname, status, source, start_ts, end_ts,
	with_content, counters_json, error, result_json, created_at, started_at, finished_at, updated_at`

func scanJob(row pgx.Row) (core.CaptureJob, error) {
	var (
		job               core.CaptureJob
		status, source    string
		countersJSON      string
		started, finished sql.NullInt64
		created, updated  int64
	)
	err := row.Scan(
		&job.ID, &job.AccountID, &job.AccountNickname, &status, &source,
		&job.StartTS, &job.EndTS, &job.WithContent, &countersJSON,
		&job.Error, &job.ResultJSON, &created, &started, &finished, &updated)
	if err != nil {
		return core.CaptureJob{}, err
	}
	job.Status = core.JobStatus(status)
	job.Source = core.JobSource(source)
	if countersJSON != "" {
		_ = json.Unmarshal([]byte(countersJSON), &job.Counters)
	}
	job.CreatedAt = time.Unix(created, 0).UTC()
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.UpdatedAt = time.Unix(updated, 0).UTC()
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]core.CaptureJob, error) {
	defer rows.Close()
	var jobs []core.CaptureJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CreateJob inserts the job only when no non-terminal job exists.
func (s *Store) CreateJob(ctx context.Context, job core.CaptureJob) error {
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE status IN ('queued', 'running', 'canceling')
		)`,
		job.ID, job.AccountID, job.AccountNickname, string(job.Status), string(job.Source),
		job.StartTS, job.EndTS, job.WithContent, string(counters), job.Error, job.ResultJSON,
		job.CreatedAt.Unix(), unixPtr(job.StartedAt), unixPtr(job.FinishedAt), job.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewConflictError("another job is already active")
	}
	return nil
}

// GetJob looks up one job.
func (s *Store) GetJob(ctx context.Context, id string) (core.CaptureJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.CaptureJob{}, core.ErrNotFound
	}
	if err != nil {
		return core.CaptureJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob replaces the mutable job fields.
func (s *Store) UpdateJob(ctx context.Context, job core.CaptureJob) error {
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET
			status = $1, counters_json = $2, error = $3, result_json = $4,
			started_at = $5, finished_at = $6, updated_at = $7
		WHERE id = $8`,
		string(job.Status), string(counters), job.Error, job.ResultJSON,
		unixPtr(job.StartedAt), unixPtr(job.FinishedAt), job.UpdatedAt.Unix(), job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListJobs returns jobs matching the filter, newest first, plus the total
// match count.
func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.CaptureJob, int, error) {
	where := ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		where += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.AccountID != "" {
		where += ` AND account_id = ` + arg(filter.AccountID)
	}
	if filter.Source != "" {
		where += ` AND source = ` + arg(string(filter.Source))
	}
	if filter.Keyword != "" {
		where += ` AND account_nickname ILIKE ` + arg("%"+filter.Keyword+"%")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListActiveJobs returns non-terminal jobs, newest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]core.CaptureJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('queued', 'running', 'canceling')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListStuckCanceled returns canceled rows with a start time but no finish
// time.
func (s *Store) ListStuckCanceled(ctx context.Context) ([]core.CaptureJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'canceled' AND started_at IS NOT NULL AND finished_at IS NULL
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list stuck canceled jobs: %w", err)
	}
	return scanJobs(rows)
}

// AppendJobLog appends one log line.
func (s *Store) AppendJobLog(ctx context.Context, log core.JobLog) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO job_logs
		(job_id, level, message, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
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
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_logs WHERE job_id = $1`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job logs: %w", err)
	}

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, level, message, payload_json, created_at
		FROM job_logs WHERE job_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`,
		jobID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var logs []core.JobLog
	for rows.Next() {
		var (
			log     core.JobLog
			level   string
			created int64
		)
		if err := rows.Scan(&log.ID, &log.JobID, &level, &log.Message, &log.PayloadJSON, &created); err != nil {
			return nil, 0, fmt.Errorf("scan job log: %w", err)
		}
		log.Level = core.LogLevel(level)
		log.CreatedAt = time.Unix(created, 0).UTC()
		logs = append(logs, log)
	}
	return logs, total, rows.Err()
}
