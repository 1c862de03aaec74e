package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mpvault/internal/clock"
	"mpvault/internal/core"
	"mpvault/internal/engine"
	"mpvault/internal/publisher"
	"mpvault/internal/store/memory"
)

type stubRunner struct {
	mu   sync.Mutex
	run  func(ctx context.Context, account core.Account, params engine.SyncParams) (core.JobCounters, error)
	seen []core.Account
}

func (r *stubRunner) SyncAccount(ctx context.Context, account core.Account, params engine.SyncParams) (core.JobCounters, error) {
	r.mu.Lock()
	r.seen = append(r.seen, account)
	r.mu.Unlock()
	if r.run == nil {
		return core.JobCounters{Created: 1, ScannedPages: 1}, nil
	}
	return r.run(ctx, account, params)
}

var testBoot = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, runner Runner) (*Scheduler, *memory.Store, *clock.Manual) {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(testBoot)
	sched := New(store, runner, publisher.Nop{}, clk, zap.NewNop())
	t.Cleanup(sched.Close)
	return sched, store, clk
}

func seedAccount(t *testing.T, store *memory.Store) core.Account {
	t.Helper()
	account := core.Account{ID: "MP_WXS_biz", FakeID: "FID", Nickname: "Daily Paper", Enabled: true}
	require.NoError(t, store.UpsertAccount(context.Background(), account))
	return account
}

// captureWindow builds a request covering the day before boot; every job
// needs an explicit window.
func captureWindow(accountID string) CreateJobRequest {
	start := testBoot.Add(-24 * time.Hour).Unix()
	end := testBoot.Unix()
	return CreateJobRequest{AccountID: accountID, StartTS: &start, EndTS: &end}
}

func waitForStatus(t *testing.T, store *memory.Store, jobID string, want core.JobStatus) core.CaptureJob {
	t.Helper()
	var job core.CaptureJob
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestCreateJobRunsToSuccess(t *testing.T) {
	runner := &stubRunner{}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)
	ctx := context.Background()

	req := captureWindow("MP_WXS_biz")
	req.WithContent = true
	job, err := sched.CreateJob(ctx, req)
	require.NoError(t, err)
	require.Equal(t, core.JobQueued, job.Status)
	require.Equal(t, core.SourceManual, job.Source)
	require.Len(t, job.ID, len("job_")+18)

	done := waitForStatus(t, store, job.ID, core.JobSuccess)
	require.Equal(t, 1, done.Counters.Created)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	require.NotEmpty(t, done.ResultJSON)

	// Account usage is recorded on creation.
	account, err := store.GetAccount(ctx, "MP_WXS_biz")
	require.NoError(t, err)
	require.Equal(t, 1, account.UseCount)
	require.NotNil(t, account.LastUsedAt)

	logs, _, err := store.ListJobLogs(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
}

func TestCreateJobUnknownAccount(t *testing.T) {
	sched, _, _ := newTestScheduler(t, &stubRunner{})
	_, err := sched.CreateJob(context.Background(), captureWindow("missing"))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreateJobRequiresWindow(t *testing.T) {
	sched, store, _ := newTestScheduler(t, &stubRunner{})
	seedAccount(t, store)
	ctx := context.Background()

	_, err := sched.CreateJob(ctx, CreateJobRequest{AccountID: "MP_WXS_biz"})
	require.True(t, core.IsConflictError(err))
	require.Contains(t, err.Error(), "capture window")

	end := testBoot.Unix()
	_, err = sched.CreateJob(ctx, CreateJobRequest{AccountID: "MP_WXS_biz", EndTS: &end})
	require.True(t, core.IsConflictError(err))

	// Nothing was persisted by the rejected requests.
	_, err = sched.ActiveJob(ctx)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreateJobSingleFlight(t *testing.T) {
	release := make(chan struct{})
	runner := &stubRunner{run: func(context.Context, core.Account, engine.SyncParams) (core.JobCounters, error) {
		<-release
		return core.JobCounters{}, nil
	}}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)
	ctx := context.Background()

	first, err := sched.CreateJob(ctx, captureWindow("MP_WXS_biz"))
	require.NoError(t, err)
	waitForStatus(t, store, first.ID, core.JobRunning)

	_, err = sched.CreateJob(ctx, captureWindow("MP_WXS_biz"))
	require.True(t, core.IsConflictError(err))
	require.Contains(t, err.Error(), first.ID)

	close(release)
	waitForStatus(t, store, first.ID, core.JobSuccess)

	// The slot is free again.
	second, err := sched.CreateJob(ctx, captureWindow("MP_WXS_biz"))
	require.NoError(t, err)
	waitForStatus(t, store, second.ID, core.JobSuccess)
}

func TestCreateJobNormalizesWindow(t *testing.T) {
	sched, store, _ := newTestScheduler(t, &stubRunner{})
	seedAccount(t, store)

	start, end := int64(2000), int64(1000)
	job, err := sched.CreateJob(context.Background(), CreateJobRequest{
		AccountID: "MP_WXS_biz", StartTS: &start, EndTS: &end,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1000), job.StartTS)
	require.Equal(t, int64(2000), job.EndTS)
	waitForStatus(t, store, job.ID, core.JobSuccess)
}

func TestCancelRunningJob(t *testing.T) {
	runner := &stubRunner{run: func(_ context.Context, _ core.Account, params engine.SyncParams) (core.JobCounters, error) {
		for {
			if params.ShouldStop() {
				return core.JobCounters{ScannedPages: 1}, engine.ErrCanceled
			}
			time.Sleep(5 * time.Millisecond)
		}
	}}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, captureWindow("MP_WXS_biz"))
	require.NoError(t, err)
	waitForStatus(t, store, job.ID, core.JobRunning)

	flagged, err := sched.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobCanceling, flagged.Status)

	done := waitForStatus(t, store, job.ID, core.JobCanceled)
	require.NotNil(t, done.FinishedAt)
	require.Equal(t, 1, done.Counters.ScannedPages)
}

func TestCancelJobIdempotentAndTerminalGuard(t *testing.T) {
	runner := &stubRunner{}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, captureWindow("MP_WXS_biz"))
	require.NoError(t, err)
	waitForStatus(t, store, job.ID, core.JobSuccess)

	_, err = sched.CancelJob(ctx, job.ID)
	require.True(t, core.IsConflictError(err))

	_, err = sched.CancelJob(ctx, "job_missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCancelBeforeStart(t *testing.T) {
	sched, store, _ := newTestScheduler(t, &stubRunner{})
	ctx := context.Background()

	// A job flagged canceling before its worker picked it up must finalize
	// without ever running.
	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{
		ID: "job_preempted", AccountID: "MP_WXS_biz", Status: core.JobCanceling,
		CreatedAt: testBoot, UpdatedAt: testBoot,
	}))
	sched.wg.Add(1)
	sched.runJob("job_preempted")

	job, err := store.GetJob(ctx, "job_preempted")
	require.NoError(t, err)
	require.Equal(t, core.JobCanceled, job.Status)
	require.NotNil(t, job.FinishedAt)
	require.Nil(t, job.StartedAt)
}

func TestCancelQueuedJobFinalizesDirectly(t *testing.T) {
	sched, store, _ := newTestScheduler(t, &stubRunner{})
	ctx := context.Background()

	// A queued job with no worker behind it still cancels cleanly.
	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{
		ID: "job_queued", AccountID: "MP_WXS_biz", Status: core.JobQueued,
		CreatedAt: testBoot, UpdatedAt: testBoot,
	}))

	job, err := sched.CancelJob(ctx, "job_queued")
	require.NoError(t, err)
	require.Equal(t, core.JobCanceled, job.Status)
	require.NotNil(t, job.FinishedAt)
	require.Nil(t, job.StartedAt)

	logs, _, err := store.ListJobLogs(ctx, "job_queued", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
}

func TestRetryJob(t *testing.T) {
	fail := true
	runner := &stubRunner{run: func(context.Context, core.Account, engine.SyncParams) (core.JobCounters, error) {
		if fail {
			return core.JobCounters{}, errors.New("feed unavailable")
		}
		return core.JobCounters{Created: 2}, nil
	}}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)
	ctx := context.Background()

	start, end := int64(100), int64(200)
	job, err := sched.CreateJob(ctx, CreateJobRequest{
		AccountID: "MP_WXS_biz", StartTS: &start, EndTS: &end, WithContent: true,
	})
	require.NoError(t, err)
	failed := waitForStatus(t, store, job.ID, core.JobFailed)
	require.Contains(t, failed.Error, "feed unavailable")

	fail = false
	retried, err := sched.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotEqual(t, job.ID, retried.ID)
	require.Equal(t, core.SourceRetry, retried.Source)
	require.Equal(t, int64(100), retried.StartTS)
	require.Equal(t, int64(200), retried.EndTS)
	require.True(t, retried.WithContent)
	waitForStatus(t, store, retried.ID, core.JobSuccess)
}

func TestRetryJobRequiresTerminalFailure(t *testing.T) {
	runner := &stubRunner{}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, captureWindow("MP_WXS_biz"))
	require.NoError(t, err)
	waitForStatus(t, store, job.ID, core.JobSuccess)

	_, err = sched.RetryJob(ctx, job.ID)
	require.True(t, core.IsConflictError(err))
}

func TestActiveJob(t *testing.T) {
	release := make(chan struct{})
	runner := &stubRunner{run: func(context.Context, core.Account, engine.SyncParams) (core.JobCounters, error) {
		<-release
		return core.JobCounters{}, nil
	}}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)
	ctx := context.Background()

	_, err := sched.ActiveJob(ctx)
	require.ErrorIs(t, err, core.ErrNotFound)

	job, err := sched.CreateJob(ctx, captureWindow("MP_WXS_biz"))
	require.NoError(t, err)
	waitForStatus(t, store, job.ID, core.JobRunning)

	active, err := sched.ActiveJob(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, active.ID)

	close(release)
	waitForStatus(t, store, job.ID, core.JobSuccess)
}

func TestRunWorkerPanicFinalizesJob(t *testing.T) {
	runner := &stubRunner{run: func(context.Context, core.Account, engine.SyncParams) (core.JobCounters, error) {
		panic("boom")
	}}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)

	job, err := sched.CreateJob(context.Background(), captureWindow("MP_WXS_biz"))
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, core.JobFailed)
	require.Contains(t, done.Error, "worker panic: boom")
	require.NotNil(t, done.FinishedAt)
}

func TestReconcileRepairsStuckCanceled(t *testing.T) {
	sched, store, _ := newTestScheduler(t, &stubRunner{})
	ctx := context.Background()

	started := testBoot.Add(-time.Hour)
	touched := testBoot.Add(-30 * time.Minute)
	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{
		ID: "job_stuck", Status: core.JobCanceled,
		StartedAt: &started, UpdatedAt: touched, CreatedAt: started,
	}))

	require.NoError(t, sched.Reconcile(ctx))

	job, err := store.GetJob(ctx, "job_stuck")
	require.NoError(t, err)
	require.NotNil(t, job.FinishedAt)
	// The last-touched time stands in for the unrecorded finish.
	require.Equal(t, touched, *job.FinishedAt)
}

func TestReconcileAttributesOrphanedJobs(t *testing.T) {
	sched, store, _ := newTestScheduler(t, &stubRunner{})
	ctx := context.Background()

	// Last touched before boot: the restart killed it.
	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{
		ID: "job_restart", Status: core.JobRunning,
		CreatedAt: testBoot.Add(-time.Hour), UpdatedAt: testBoot.Add(-time.Hour),
	}))
	require.NoError(t, sched.Reconcile(ctx))

	job, err := store.GetJob(ctx, "job_restart")
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, job.Status)
	require.Contains(t, job.Error, "interrupted by service restart")

	// Last touched after boot: the worker goroutine itself died.
	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{
		ID: "job_dead_worker", Status: core.JobRunning,
		CreatedAt: testBoot, UpdatedAt: testBoot.Add(time.Minute),
	}))
	require.NoError(t, sched.Reconcile(ctx))

	job, err = store.GetJob(ctx, "job_dead_worker")
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, job.Status)
	require.Contains(t, job.Error, "worker stopped unexpectedly")
}

func TestCompletionHookObservesTerminalJobs(t *testing.T) {
	runner := &stubRunner{}
	sched, store, _ := newTestScheduler(t, runner)
	seedAccount(t, store)

	var mu sync.Mutex
	var observed []core.CaptureJob
	sched.SetCompletionHook(func(_ context.Context, job core.CaptureJob) {
		mu.Lock()
		observed = append(observed, job)
		mu.Unlock()
	})

	job, err := sched.CreateJob(context.Background(), captureWindow("MP_WXS_biz"))
	require.NoError(t, err)
	waitForStatus(t, store, job.ID, core.JobSuccess)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1 && observed[0].Status == core.JobSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseRefusesNewJobs(t *testing.T) {
	sched, store, _ := newTestScheduler(t, &stubRunner{})
	seedAccount(t, store)

	sched.Close()
	_, err := sched.CreateJob(context.Background(), captureWindow("MP_WXS_biz"))
	require.True(t, core.IsConflictError(err))
}
