// Package memory provides an in-memory Store used by tests and throwaway
// deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mpvault/internal/core"
)

// Store keeps everything in process memory behind one mutex.
type Store struct {
	mu        sync.Mutex
	session   core.AuthSession
	accounts  map[string]core.Account
	articles  map[string]core.Article
	jobs      map[string]core.CaptureJob
	logs      []core.JobLog
	nextLogID int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]core.Account),
		articles:  make(map[string]core.Article),
		jobs:      make(map[string]core.CaptureJob),
		nextLogID: 1,
	}
}

var _ core.Store = (*Store)(nil)

// GetAuthSession returns the session row; a zero-value logged_out session
// when none was saved yet.
func (s *Store) GetAuthSession(_ context.Context) (core.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.session
	if session.Status == "" {
		session.Status = core.AuthLoggedOut
	}
	return session, nil
}

// SaveAuthSession replaces the session row.
func (s *Store) SaveAuthSession(_ context.Context, session core.AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	return nil
}

// GetAccount looks up one account.
func (s *Store) GetAccount(_ context.Context, id string) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return core.Account{}, core.ErrNotFound
	}
	return account, nil
}

// UpsertAccount inserts or replaces an account.
func (s *Store) UpsertAccount(_ context.Context, account core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
	return nil
}

// ListAccounts returns accounts matching the filter, newest-updated first.
func (s *Store) ListAccounts(_ context.Context, filter core.AccountFilter) ([]core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []core.Account
	for _, account := range s.accounts {
		if filter.ID != "" && account.ID != filter.ID {
			continue
		}
		if filter.EnabledOnly && !account.Enabled {
			continue
		}
		if filter.AutoSyncOnly && !account.AutoSync.Enabled {
			continue
		}
		if filter.FavoriteOnly && !account.Favorite {
			continue
		}
		result = append(result, account)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListDueAccounts returns enabled auto-sync accounts due at now, never-run
// accounts first.
func (s *Store) ListDueAccounts(_ context.Context, now time.Time, limit int) ([]core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []core.Account
	for _, account := range s.accounts {
		if !account.Enabled || !account.AutoSync.Enabled {
			continue
		}
		if account.AutoSync.NextRunAt != nil && account.AutoSync.NextRunAt.After(now) {
			continue
		}
		due = append(due, account)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].AutoSync.NextRunAt, due[j].AutoSync.NextRunAt
		switch {
		case a == nil && b == nil:
			return due[i].UpdatedAt.Before(due[j].UpdatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return due[i].UpdatedAt.Before(due[j].UpdatedAt)
		}
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// CountAutoSync counts enrolled accounts and how many are due.
func (s *Store) CountAutoSync(_ context.Context, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled, due := 0, 0
	for _, account := range s.accounts {
		if !account.Enabled || !account.AutoSync.Enabled {
			continue
		}
		scheduled++
		if account.AutoSync.NextRunAt == nil || !account.AutoSync.NextRunAt.After(now) {
			due++
		}
	}
	return scheduled, due, nil
}

// FindArticle matches by id first, then URL.
func (s *Store) FindArticle(_ context.Context, id, url string) (core.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if article, ok := s.articles[id]; ok {
		return article, nil
	}
	if url != "" {
		for _, article := range s.articles {
			if article.URL == url {
				return article, nil
			}
		}
	}
	return core.Article{}, core.ErrNotFound
}

// UpsertArticle inserts or replaces an article.
func (s *Store) UpsertArticle(_ context.Context, article core.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[article.ID] = article
	return nil
}

// GetArticle looks up one article.
func (s *Store) GetArticle(_ context.Context, id string) (core.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	article, ok := s.articles[id]
	if !ok {
		return core.Article{}, core.ErrNotFound
	}
	return article, nil
}

// CreateJob inserts a job, enforcing the single-flight invariant.
func (s *Store) CreateJob(_ context.Context, job core.CaptureJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.Status.Active() {
			return core.NewConflictError("another job is already active: " + existing.ID)
		}
	}
	if _, ok := s.jobs[job.ID]; ok {
		return core.NewConflictError("job id already exists: " + job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob looks up one job.
func (s *Store) GetJob(_ context.Context, id string) (core.CaptureJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return core.CaptureJob{}, core.ErrNotFound
	}
	return job, nil
}

// UpdateJob replaces a job row.
func (s *Store) UpdateJob(_ context.Context, job core.CaptureJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return core.ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// ListJobs returns jobs matching the filter, newest first, with the total
// match count before pagination.
func (s *Store) ListJobs(_ context.Context, filter core.JobFilter) ([]core.CaptureJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []core.CaptureJob
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.AccountID != "" && job.AccountID != filter.AccountID {
			continue
		}
		if filter.Source != "" && job.Source != filter.Source {
			continue
		}
		if filter.Keyword != "" &&
			!strings.Contains(strings.ToLower(job.AccountNickname), strings.ToLower(filter.Keyword)) {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// ListActiveJobs returns non-terminal jobs, newest first.
func (s *Store) ListActiveJobs(_ context.Context) ([]core.CaptureJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []core.CaptureJob
	for _, job := range s.jobs {
		if job.Status.Active() {
			active = append(active, job)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

// ListStuckCanceled returns canceled jobs with a start time but no finish
// time.
func (s *Store) ListStuckCanceled(_ context.Context) ([]core.CaptureJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []core.CaptureJob
	for _, job := range s.jobs {
		if job.Status == core.JobCanceled && job.StartedAt != nil && job.FinishedAt == nil {
			stuck = append(stuck, job)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].CreatedAt.Before(stuck[j].CreatedAt)
	})
	return stuck, nil
}

// AppendJobLog appends one log line.
func (s *Store) AppendJobLog(_ context.Context, log core.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.ID = s.nextLogID
	s.nextLogID++
	s.logs = append(s.logs, log)
	return nil
}

// ListJobLogs returns a job's log lines in append order with the total
// count.
func (s *Store) ListJobLogs(_ context.Context, jobID string, offset, limit int) ([]core.JobLog, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []core.JobLog
	for _, log := range s.logs {
		if log.JobID == jobID {
			matched = append(matched, log)
		}
	}
	total := len(matched)
	if offset > 0 {
		if offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[offset:]
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}
