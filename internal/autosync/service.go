// Package autosync drives the autonomous capture loop: a periodic scan for
// due accounts, dispatch of scheduled jobs through the single-flight
// scheduler, and failure backoff with jittered rescheduling.
package autosync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"mpvault/internal/config"
	"mpvault/internal/core"
	"mpvault/internal/metrics"
	"mpvault/internal/scheduler"
)

// JobCreator is the slice of the scheduler the service needs.
type JobCreator interface {
	CreateJob(ctx context.Context, req scheduler.CreateJobRequest) (core.CaptureJob, error)
	ActiveJob(ctx context.Context) (core.CaptureJob, error)
}

// Auth gates dispatch on a usable login session.
type Auth interface {
	EnsureAuthenticated(ctx context.Context) (string, error)
}

// Service is the autonomous sync loop.
type Service struct {
	cfg    config.AutoSyncConfig
	store  core.Store
	jobs   JobCreator
	auth   Auth
	clock  core.Clock
	logger *zap.Logger

	// jitter is injectable so tests can pin the rescheduling spread.
	jitter func() time.Duration

	mu       sync.Mutex
	enabled  bool
	running  bool
	stop     chan struct{}
	wg       sync.WaitGroup
	lastTick time.Time
	lastErr  string
}

// NewService builds the service; call Start to launch the loop.
func NewService(cfg config.AutoSyncConfig, store core.Store, jobs JobCreator, auth Auth,
	clock core.Clock, logger *zap.Logger) *Service {
	maxJitter := int64(cfg.JitterSeconds)
	return &Service{
		cfg:     cfg,
		store:   store,
		jobs:    jobs,
		auth:    auth,
		clock:   clock,
		logger:  logger.Named("autosync"),
		enabled: cfg.Enabled,
		jitter: func() time.Duration {
			if maxJitter <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(maxJitter+1)) * time.Second
		},
	}
}

// Start launches the tick loop when the service is enabled. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.running {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.stop = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.runLoop(s.stop)
	s.logger.Info("auto-sync started", zap.Duration("tick", s.cfg.Tick()))
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("auto-sync stopped")
}

// IsRunning reports whether the loop is live.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsEnabled reports the enable flag.
func (s *Service) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled toggles the service, starting or stopping the loop to match.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	switch {
	case enabled && !s.running:
		s.startLocked()
		s.mu.Unlock()
	case !enabled && s.running:
		close(s.stop)
		s.running = false
		s.mu.Unlock()
		s.wg.Wait()
	default:
		s.mu.Unlock()
	}
}

func (s *Service) runLoop(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce performs one scheduling pass: skip while a job is active, then
// dispatch the most overdue account.
func (s *Service) RunOnce(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	if _, err := s.jobs.ActiveJob(ctx); err == nil {
		metrics.AutoSyncDispatches.WithLabelValues("busy").Inc()
		return
	}

	due, err := s.store.ListDueAccounts(ctx, now, s.cfg.ScanLimit)
	if err != nil {
		s.recordError(fmt.Sprintf("scan due accounts: %v", err))
		return
	}
	if len(due) == 0 {
		return
	}

	// One account per tick: the most overdue one. Anything that goes wrong
	// from here on is charged to it, so its backoff advances and the rest
	// of the queue is not burned through behind a broken session.
	account := due[0]

	if _, err := s.auth.EnsureAuthenticated(ctx); err != nil {
		s.applyFailure(ctx, account.ID, fmt.Sprintf("login unavailable: %v", err))
		s.recordError(fmt.Sprintf("dispatch blocked: %v", err))
		metrics.AutoSyncDispatches.WithLabelValues("no_auth").Inc()
		return
	}

	if err := s.dispatch(ctx, account); err != nil {
		if core.IsConflictError(err) {
			// A job slipped in concurrently; try again next tick.
			metrics.AutoSyncDispatches.WithLabelValues("conflict").Inc()
			return
		}
		s.markDispatchFailure(ctx, account, err)
		return
	}
	s.recordError("")
	metrics.AutoSyncDispatches.WithLabelValues("dispatched").Inc()
}

func (s *Service) recordError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	if msg != "" {
		s.logger.Warn("auto-sync pass failed", zap.String("error", msg))
	}
}

// dispatch creates one scheduled job covering the account's catch-up window
// and pushes the account past its interval right away, so a crash before the
// completion hook cannot re-dispatch it on every tick.
func (s *Service) dispatch(ctx context.Context, account core.Account) error {
	now := s.clock.Now()
	profile := s.normalizeProfile(account.AutoSync)

	endTS := now.Unix()
	startTS := now.Add(-time.Duration(profile.LookbackDays) * 24 * time.Hour).Unix()
	if profile.LastSuccessAt != nil {
		overlapStart := profile.LastSuccessAt.Add(-time.Duration(profile.OverlapHours) * time.Hour).Unix()
		if overlapStart > startTS {
			startTS = overlapStart
		}
	}

	job, err := s.jobs.CreateJob(ctx, scheduler.CreateJobRequest{
		AccountID:   account.ID,
		Source:      core.SourceScheduled,
		StartTS:     &startTS,
		EndTS:       &endTS,
		WithContent: true,
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduled job dispatched",
		zap.String("job_id", job.ID),
		zap.String("account_id", account.ID),
		zap.Int64("start_ts", startTS),
		zap.Int64("end_ts", endTS))

	next := now.Add(time.Duration(profile.IntervalMinutes)*time.Minute + s.jitter())
	account.AutoSync.LastError = ""
	account.AutoSync.NextRunAt = &next
	account.UpdatedAt = now
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		s.logger.Warn("persist dispatch bookkeeping",
			zap.String("account_id", account.ID), zap.Error(err))
	}
	return nil
}

// normalizeProfile applies configured defaults and bounds to the per-account
// knobs.
func (s *Service) normalizeProfile(profile core.AutoSyncProfile) core.AutoSyncProfile {
	if profile.IntervalMinutes <= 0 {
		profile.IntervalMinutes = s.cfg.DefaultIntervalMinutes
	}
	if profile.IntervalMinutes < s.cfg.MinIntervalMinutes {
		profile.IntervalMinutes = s.cfg.MinIntervalMinutes
	}
	if profile.LookbackDays <= 0 {
		profile.LookbackDays = s.cfg.DefaultLookbackDays
	}
	if profile.LookbackDays > s.cfg.MaxLookbackDays {
		profile.LookbackDays = s.cfg.MaxLookbackDays
	}
	if profile.OverlapHours <= 0 {
		profile.OverlapHours = s.cfg.DefaultOverlapHours
	}
	if profile.OverlapHours > s.cfg.MaxOverlapHours {
		profile.OverlapHours = s.cfg.MaxOverlapHours
	}
	return profile
}

// backoffDelay returns the delay after the nth consecutive failure, doubling
// from the base and capped at the configured maximum.
func (s *Service) backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	base := time.Duration(s.cfg.BackoffBaseMinutes) * time.Minute
	maxDelay := time.Duration(s.cfg.BackoffMaxMinutes) * time.Minute
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (s *Service) markDispatchFailure(ctx context.Context, account core.Account, dispatchErr error) {
	s.applyFailure(ctx, account.ID, dispatchErr.Error())
	metrics.AutoSyncDispatches.WithLabelValues("failed").Inc()
}

func (s *Service) applyFailure(ctx context.Context, accountID, reason string) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("load account for failure bookkeeping",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	now := s.clock.Now()
	account.AutoSync.ConsecutiveFailures++
	account.AutoSync.LastError = reason
	next := now.Add(s.backoffDelay(account.AutoSync.ConsecutiveFailures))
	account.AutoSync.NextRunAt = &next
	account.UpdatedAt = now
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		s.logger.Warn("persist failure bookkeeping",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	s.logger.Warn("account sync failed, backing off",
		zap.String("account_id", accountID),
		zap.Int("consecutive_failures", account.AutoSync.ConsecutiveFailures),
		zap.Time("next_run_at", next),
		zap.String("error", reason))
}

// RecordJobOutcome is the scheduler completion hook: it reschedules the
// account behind every terminal scheduled job.
func (s *Service) RecordJobOutcome(ctx context.Context, job core.CaptureJob) {
	if job.Source != core.SourceScheduled {
		return
	}
	switch job.Status {
	case core.JobSuccess:
		s.applySuccess(ctx, job.AccountID)
	case core.JobFailed:
		s.applyFailure(ctx, job.AccountID, job.Error)
	case core.JobCanceled:
		// The window was not captured, so the account did not make progress:
		// charge it like a failure and back off.
		s.applyFailure(ctx, job.AccountID, "job canceled")
	}
}

func (s *Service) applySuccess(ctx context.Context, accountID string) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("load account for success bookkeeping",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	now := s.clock.Now()
	profile := s.normalizeProfile(account.AutoSync)
	next := now.Add(time.Duration(profile.IntervalMinutes)*time.Minute + s.jitter())

	account.AutoSync.LastSuccessAt = &now
	account.AutoSync.LastError = ""
	account.AutoSync.ConsecutiveFailures = 0
	account.AutoSync.NextRunAt = &next
	account.UpdatedAt = now
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		s.logger.Warn("persist success bookkeeping",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	s.logger.Info("account rescheduled after success",
		zap.String("account_id", accountID), zap.Time("next_run_at", next))
}

// QueueDueNow moves an enrolled account to the front of the due queue.
// Accounts outside the auto-sync set are left alone; enrollment goes through
// the account PATCH or the favorite flag.
func (s *Service) QueueDueNow(ctx context.Context, accountID string) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Enabled || !account.AutoSync.Enabled {
		return core.NewConflictError(fmt.Sprintf("account %s is not enrolled in auto-sync", accountID))
	}
	now := s.clock.Now()
	account.AutoSync.NextRunAt = &now
	account.UpdatedAt = now
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		return fmt.Errorf("queue account: %w", err)
	}
	s.logger.Info("account queued for immediate sync", zap.String("account_id", accountID))
	return nil
}

// QueueFavoritesNow marks enrolled favorite accounts due immediately, up to
// limit (0 means all). It returns how many were queued.
func (s *Service) QueueFavoritesNow(ctx context.Context, limit int) (int, error) {
	accounts, err := s.store.ListAccounts(ctx, core.AccountFilter{
		EnabledOnly:  true,
		AutoSyncOnly: true,
		FavoriteOnly: true,
		Limit:        limit,
	})
	if err != nil {
		return 0, fmt.Errorf("list favorite accounts: %w", err)
	}
	now := s.clock.Now()
	queued := 0
	for _, account := range accounts {
		account.AutoSync.NextRunAt = &now
		account.UpdatedAt = now
		if err := s.store.UpsertAccount(ctx, account); err != nil {
			return queued, fmt.Errorf("queue account %s: %w", account.ID, err)
		}
		queued++
	}
	s.logger.Info("favorite accounts queued for sync", zap.Int("count", queued))
	return queued, nil
}

// ReconcileFavoriteTargets aligns auto-sync membership with the favorite
// flag: favorites are enrolled, non-favorites are withdrawn. Runs at boot.
func (s *Service) ReconcileFavoriteTargets(ctx context.Context) error {
	accounts, err := s.store.ListAccounts(ctx, core.AccountFilter{})
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	now := s.clock.Now()
	for _, account := range accounts {
		switch {
		case account.Favorite && !account.AutoSync.Enabled:
			account.AutoSync.Enabled = true
			if account.AutoSync.NextRunAt == nil {
				account.AutoSync.NextRunAt = &now
			}
		case !account.Favorite && account.AutoSync.Enabled:
			account.AutoSync.Enabled = false
		default:
			continue
		}
		account.UpdatedAt = now
		if err := s.store.UpsertAccount(ctx, account); err != nil {
			return fmt.Errorf("reconcile account %s: %w", account.ID, err)
		}
		s.logger.Info("auto-sync membership reconciled",
			zap.String("account_id", account.ID),
			zap.Bool("enrolled", account.AutoSync.Enabled))
	}
	return nil
}

// Status is the observable state of the loop.
type Status struct {
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	LastTickAt  *time.Time `json:"last_tick_at,omitempty"`
	Scheduled   int        `json:"scheduled_accounts"`
	Due         int        `json:"due_accounts"`
	ActiveJobID string     `json:"active_job_id,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// CurrentStatus reports loop and queue state.
func (s *Service) CurrentStatus(ctx context.Context) (Status, error) {
	s.mu.Lock()
	status := Status{
		Enabled:   s.enabled,
		Running:   s.running,
		LastError: s.lastErr,
	}
	if !s.lastTick.IsZero() {
		tick := s.lastTick
		status.LastTickAt = &tick
	}
	s.mu.Unlock()

	scheduled, due, err := s.store.CountAutoSync(ctx, s.clock.Now())
	if err != nil {
		return Status{}, fmt.Errorf("count auto-sync accounts: %w", err)
	}
	status.Scheduled = scheduled
	status.Due = due

	if job, err := s.jobs.ActiveJob(ctx); err == nil {
		status.ActiveJobID = job.ID
	}
	return status, nil
}
