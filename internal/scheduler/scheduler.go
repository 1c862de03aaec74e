// Package scheduler owns the capture job lifecycle: single-flight creation,
// worker execution with cooperative cancellation, crash attribution after a
// restart, and terminal-state bookkeeping.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mpvault/internal/core"
	"mpvault/internal/engine"
	"mpvault/internal/metrics"
)

// maxStackChars bounds the stack trace persisted with a panicked job.
const maxStackChars = 12000

// Runner executes one sync. Implemented by the crawl engine.
type Runner interface {
	SyncAccount(ctx context.Context, account core.Account, params engine.SyncParams) (core.JobCounters, error)
}

// EventSink receives job lifecycle events. Implemented by the RabbitMQ
// publisher; a nop sink is used when events are disabled.
type EventSink interface {
	PublishJobFinished(ctx context.Context, job core.CaptureJob) error
}

// CompletionHook observes every terminal job transition.
type CompletionHook func(ctx context.Context, job core.CaptureJob)

// Scheduler enforces the single-flight job invariant and drives workers.
type Scheduler struct {
	store  core.Store
	runner Runner
	events EventSink
	clock  core.Clock
	logger *zap.Logger
	bootAt time.Time

	// workerMu is held for the whole worker run, including finalization, so
	// a new job cannot start while the previous worker is still writing.
	workerMu sync.Mutex

	mu         sync.Mutex
	onComplete CompletionHook

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Scheduler. The boot time anchors restart attribution
// during reconciliation.
func New(store core.Store, runner Runner, events EventSink, clock core.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		runner: runner,
		events: events,
		clock:  clock,
		logger: logger.Named("scheduler"),
		bootAt: clock.Now(),
		quit:   make(chan struct{}),
	}
}

// SetCompletionHook registers the observer invoked after every terminal
// transition. Used to feed scheduled-job outcomes back into auto-sync.
func (s *Scheduler) SetCompletionHook(hook CompletionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = hook
}

func (s *Scheduler) completionHook() CompletionHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onComplete
}

// Close stops accepting work and waits for a running worker to observe the
// stop signal and finish.
func (s *Scheduler) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *Scheduler) closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// CreateJobRequest describes a requested capture run.
type CreateJobRequest struct {
	AccountID   string
	Source      core.JobSource
	StartTS     *int64
	EndTS       *int64
	WithContent bool
}

func newJobID() string {
	hexID := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "job_" + hexID[:18]
}

// CreateJob validates the request, claims the single-flight slot, persists
// the job, and starts its worker. The returned job is in the queued state.
func (s *Scheduler) CreateJob(ctx context.Context, req CreateJobRequest) (core.CaptureJob, error) {
	if s.closed() {
		return core.CaptureJob{}, core.NewConflictError("service is shutting down")
	}
	if req.AccountID == "" {
		return core.CaptureJob{}, core.NewConflictError("account_id is required")
	}
	if req.StartTS == nil || req.EndTS == nil {
		return core.CaptureJob{}, core.NewConflictError("a capture window (start_ts, end_ts) is required")
	}

	account, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return core.CaptureJob{}, err
	}

	// Friendly pre-check naming the blocking job. The store-level create is
	// the authoritative guard.
	active, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return core.CaptureJob{}, fmt.Errorf("list active jobs: %w", err)
	}
	if len(active) > 0 {
		return core.CaptureJob{}, core.NewConflictError(
			fmt.Sprintf("job %s is already active for account %s", active[0].ID, active[0].AccountID))
	}

	// A terminal job whose worker has not released the slot yet still blocks
	// a new run.
	if !s.workerMu.TryLock() {
		return core.CaptureJob{}, core.NewConflictError("previous job is still finalizing")
	}
	s.workerMu.Unlock()

	startTS, endTS := *req.StartTS, *req.EndTS
	if startTS > endTS {
		startTS, endTS = endTS, startTS
	}

	source := req.Source
	if source == "" {
		source = core.SourceManual
	}

	now := s.clock.Now()
	job := core.CaptureJob{
		ID:              newJobID(),
		AccountID:       account.ID,
		AccountNickname: account.Nickname,
		Status:          core.JobQueued,
		Source:          source,
		StartTS:         startTS,
		EndTS:           endTS,
		WithContent:     req.WithContent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return core.CaptureJob{}, err
	}

	s.appendLog(ctx, job.ID, core.LogInfo, fmt.Sprintf("job created for %s (%s)", account.Nickname, source), nil)
	s.markAccountUsed(ctx, account)

	s.wg.Add(1)
	go s.runJob(job.ID)

	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("account_id", account.ID),
		zap.String("source", string(source)))
	return job, nil
}

func (s *Scheduler) markAccountUsed(ctx context.Context, account core.Account) {
	now := s.clock.Now()
	account.UseCount++
	account.LastUsedAt = &now
	account.UpdatedAt = now
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		s.logger.Warn("mark account used", zap.String("account_id", account.ID), zap.Error(err))
	}
}

func (s *Scheduler) appendLog(ctx context.Context, jobID string, level core.LogLevel, message string, payload any) {
	entry := core.JobLog{
		JobID:     jobID,
		Level:     level,
		Message:   message,
		CreatedAt: s.clock.Now(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			entry.PayloadJSON = string(data)
		}
	}
	if err := s.store.AppendJobLog(ctx, entry); err != nil {
		s.logger.Warn("append job log", zap.String("job_id", jobID), zap.Error(err))
	}
}

// runJob executes one capture job to its terminal state. The worker owns all
// job mutations except the canceling flag, which it only reads.
func (s *Scheduler) runJob(jobID string) {
	defer s.wg.Done()
	ctx := context.Background()

	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	metrics.JobsActive.Set(1)
	defer metrics.JobsActive.Set(0)

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if len(stack) > maxStackChars {
				stack = stack[:maxStackChars]
			}
			s.logger.Error("job worker panicked",
				zap.String("job_id", jobID), zap.Any("panic", r))
			s.finalizePanic(ctx, jobID, fmt.Sprintf("worker panic: %v\n%s", r, stack))
		}
	}()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("load job for worker", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	// Canceled while still queued: finalize without running.
	if job.Status == core.JobCanceling {
		s.finalize(ctx, job, core.JobCanceled, "canceled before start", nil)
		return
	}
	if job.Status != core.JobQueued {
		s.logger.Warn("job not in queued state, skipping",
			zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return
	}

	account, err := s.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		s.finalize(ctx, job, core.JobFailed, fmt.Sprintf("load account: %v", err), nil)
		return
	}

	now := s.clock.Now()
	job.Status = core.JobRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("mark job running", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.appendLog(ctx, job.ID, core.LogInfo, "job started", nil)

	params := engine.SyncParams{
		StartTS:     job.StartTS,
		EndTS:       job.EndTS,
		WithContent: job.WithContent,
		ShouldStop:  s.stopProbe(ctx, job.ID),
		OnPage:      s.pageObserver(ctx, job.ID),
	}

	counters, runErr := s.runner.SyncAccount(ctx, account, params)
	job.Counters = counters

	switch {
	case runErr == nil:
		result, _ := json.Marshal(counters)
		job.ResultJSON = string(result)
		s.finalize(ctx, job, core.JobSuccess, "", counters)
	case errors.Is(runErr, engine.ErrCanceled):
		s.finalize(ctx, job, core.JobCanceled, "canceled", counters)
	default:
		s.finalize(ctx, job, core.JobFailed, runErr.Error(), counters)
	}
}

// stopProbe reports cancellation: either service shutdown or a persisted
// canceling flag. Probed at page boundaries.
func (s *Scheduler) stopProbe(ctx context.Context, jobID string) func() bool {
	return func() bool {
		if s.closed() {
			return true
		}
		current, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			s.logger.Warn("probe job status", zap.String("job_id", jobID), zap.Error(err))
			return false
		}
		return current.Status == core.JobCanceling
	}
}

// pageObserver mirrors counters into the job row and appends a progress log
// line after every scanned page. The live status is re-read so a concurrent
// cancel flag is never overwritten.
func (s *Scheduler) pageObserver(ctx context.Context, jobID string) func(int, core.JobCounters) {
	return func(page int, counters core.JobCounters) {
		current, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			s.logger.Warn("load job for progress", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		current.Counters = counters
		current.UpdatedAt = s.clock.Now()
		if err := s.store.UpdateJob(ctx, current); err != nil {
			s.logger.Warn("mirror job progress", zap.String("job_id", jobID), zap.Error(err))
		}
		s.appendLog(ctx, jobID, core.LogInfo,
			fmt.Sprintf("page %d scanned: %d new, %d updated, %d duplicates",
				page, counters.Created, counters.Updated, counters.DuplicatesSkipped),
			counters)
	}
}

func (s *Scheduler) finalize(ctx context.Context, job core.CaptureJob, status core.JobStatus, errMsg string, counters any) {
	now := s.clock.Now()
	job.Status = status
	job.Error = errMsg
	job.FinishedAt = &now
	job.UpdatedAt = now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("finalize job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	level := core.LogInfo
	message := fmt.Sprintf("job finished: %s", status)
	if errMsg != "" {
		level = core.LogError
		if status == core.JobCanceled {
			level = core.LogWarn
		}
		message = fmt.Sprintf("job finished: %s (%s)", status, errMsg)
	}
	s.appendLog(ctx, job.ID, level, message, counters)

	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	s.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.String("error", errMsg))

	if hook := s.completionHook(); hook != nil {
		hook(ctx, job)
	}
	if s.events != nil {
		if err := s.events.PublishJobFinished(ctx, job); err != nil {
			s.logger.Warn("publish job event", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) finalizePanic(ctx context.Context, jobID, errMsg string) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("load panicked job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		return
	}
	s.finalize(ctx, job, core.JobFailed, errMsg, nil)
}

// CancelJob cancels a job. A still-queued job is finalized to canceled on
// the spot; a running one is flagged for cooperative cancellation, which the
// worker observes at its next page boundary.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) (core.CaptureJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return core.CaptureJob{}, err
	}
	if job.Status.Terminal() {
		return core.CaptureJob{}, core.NewConflictError(
			fmt.Sprintf("job %s already finished with status %s", jobID, job.Status))
	}
	if job.Status == core.JobCanceling {
		return job, nil
	}
	if job.Status == core.JobQueued {
		s.appendLog(ctx, job.ID, core.LogWarn, "cancellation requested", nil)
		s.finalize(ctx, job, core.JobCanceled, "canceled before start", nil)
		s.logger.Info("queued job canceled", zap.String("job_id", jobID))
		return s.store.GetJob(ctx, jobID)
	}
	job.Status = core.JobCanceling
	job.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return core.CaptureJob{}, fmt.Errorf("flag job canceling: %w", err)
	}
	s.appendLog(ctx, job.ID, core.LogWarn, "cancellation requested", nil)
	s.logger.Info("job cancellation requested", zap.String("job_id", jobID))
	return job, nil
}

// RetryJob creates a fresh job with the same target and window as a failed
// or canceled one.
func (s *Scheduler) RetryJob(ctx context.Context, jobID string) (core.CaptureJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return core.CaptureJob{}, err
	}
	if job.Status != core.JobFailed && job.Status != core.JobCanceled {
		return core.CaptureJob{}, core.NewConflictError(
			fmt.Sprintf("job %s is %s, only failed or canceled jobs can be retried", jobID, job.Status))
	}
	return s.CreateJob(ctx, CreateJobRequest{
		AccountID:   job.AccountID,
		Source:      core.SourceRetry,
		StartTS:     &job.StartTS,
		EndTS:       &job.EndTS,
		WithContent: job.WithContent,
	})
}

// ActiveJob returns the currently active job, or ErrNotFound.
func (s *Scheduler) ActiveJob(ctx context.Context) (core.CaptureJob, error) {
	active, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return core.CaptureJob{}, fmt.Errorf("list active jobs: %w", err)
	}
	if len(active) == 0 {
		return core.CaptureJob{}, core.ErrNotFound
	}
	return active[0], nil
}

// Reconcile repairs job state left behind by a crash or unclean shutdown.
// Runs once at boot, before any new job is accepted.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	// Legacy rows persisted as canceled with a start but no finish.
	stuck, err := s.store.ListStuckCanceled(ctx)
	if err != nil {
		return fmt.Errorf("list stuck canceled jobs: %w", err)
	}
	for _, job := range stuck {
		finished := job.UpdatedAt
		if finished.IsZero() {
			finished = s.clock.Now()
		}
		job.FinishedAt = &finished
		job.UpdatedAt = s.clock.Now()
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("repair stuck canceled job %s: %w", job.ID, err)
		}
		s.appendLog(ctx, job.ID, core.LogWarn, "repaired canceled job missing a finish time", nil)
		s.logger.Warn("repaired stuck canceled job", zap.String("job_id", job.ID))
	}

	// Any job still active at boot has no worker. Attribute the death: a row
	// last touched before this process started was killed by the restart;
	// one touched after means its worker goroutine died mid-run.
	active, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range active {
		reason := "interrupted by service restart"
		if job.UpdatedAt.After(s.bootAt) {
			reason = "worker stopped unexpectedly"
		}
		s.finalize(ctx, job, core.JobFailed, reason, nil)
		s.logger.Warn("reconciled orphaned job",
			zap.String("job_id", job.ID), zap.String("reason", reason))
	}
	return nil
}
