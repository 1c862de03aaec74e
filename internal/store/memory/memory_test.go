package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mpvault/internal/core"
)

func TestAuthSessionRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	session, err := store.GetAuthSession(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedOut, session.Status)

	session.Status = core.AuthLoggedIn
	session.Token = "tok"
	require.NoError(t, store.SaveAuthSession(ctx, session))

	loaded, err := store.GetAuthSession(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedIn, loaded.Status)
	require.Equal(t, "tok", loaded.Token)
}

func TestAccountFilters(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertAccount(ctx, core.Account{
		ID: "a", Enabled: true, Favorite: true, UpdatedAt: base,
	}))
	require.NoError(t, store.UpsertAccount(ctx, core.Account{
		ID: "b", Enabled: true,
		AutoSync:  core.AutoSyncProfile{Enabled: true},
		UpdatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, store.UpsertAccount(ctx, core.Account{ID: "c", UpdatedAt: base.Add(2 * time.Hour)}))

	all, err := store.ListAccounts(ctx, core.AccountFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest-updated first.
	require.Equal(t, "c", all[0].ID)

	enabled, err := store.ListAccounts(ctx, core.AccountFilter{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, enabled, 2)

	favorites, err := store.ListAccounts(ctx, core.AccountFilter{FavoriteOnly: true})
	require.NoError(t, err)
	require.Len(t, favorites, 1)
	require.Equal(t, "a", favorites[0].ID)

	autoSync, err := store.ListAccounts(ctx, core.AccountFilter{AutoSyncOnly: true})
	require.NoError(t, err)
	require.Len(t, autoSync, 1)
	require.Equal(t, "b", autoSync[0].ID)
}

func TestListDueAccounts(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, store.UpsertAccount(ctx, core.Account{
		ID: "scheduled-past", Enabled: true,
		AutoSync: core.AutoSyncProfile{Enabled: true, NextRunAt: &past},
	}))
	require.NoError(t, store.UpsertAccount(ctx, core.Account{
		ID: "never-run", Enabled: true,
		AutoSync: core.AutoSyncProfile{Enabled: true},
	}))
	require.NoError(t, store.UpsertAccount(ctx, core.Account{
		ID: "not-yet", Enabled: true,
		AutoSync: core.AutoSyncProfile{Enabled: true, NextRunAt: &future},
	}))
	require.NoError(t, store.UpsertAccount(ctx, core.Account{
		ID: "disabled",
		AutoSync: core.AutoSyncProfile{Enabled: true, NextRunAt: &past},
	}))

	due, err := store.ListDueAccounts(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Never-run accounts come first.
	require.Equal(t, "never-run", due[0].ID)
	require.Equal(t, "scheduled-past", due[1].ID)

	limited, err := store.ListDueAccounts(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	scheduled, dueCount, err := store.CountAutoSync(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 3, scheduled)
	require.Equal(t, 2, dueCount)
}

func TestFindArticleByIDThenURL(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.UpsertArticle(ctx, core.Article{
		ID: "acct_a1", URL: "https://mp/s/1", Title: "one",
	}))

	byID, err := store.FindArticle(ctx, "acct_a1", "")
	require.NoError(t, err)
	require.Equal(t, "one", byID.Title)

	byURL, err := store.FindArticle(ctx, "different-id", "https://mp/s/1")
	require.NoError(t, err)
	require.Equal(t, "acct_a1", byURL.ID)

	_, err = store.FindArticle(ctx, "missing", "https://mp/s/none")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreateJobSingleFlight(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{ID: "job_1", Status: core.JobQueued}))

	err := store.CreateJob(ctx, core.CaptureJob{ID: "job_2", Status: core.JobQueued})
	require.True(t, core.IsConflictError(err))

	// Finishing the first job frees the slot.
	job, err := store.GetJob(ctx, "job_1")
	require.NoError(t, err)
	job.Status = core.JobSuccess
	require.NoError(t, store.UpdateJob(ctx, job))

	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{ID: "job_2", Status: core.JobQueued}))
}

func TestListJobsFilterAndPagination(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	seed := []core.CaptureJob{
		{ID: "job_1", AccountID: "a", AccountNickname: "Daily Paper", Status: core.JobSuccess, Source: core.SourceManual, CreatedAt: base},
		{ID: "job_2", AccountID: "a", AccountNickname: "Daily Paper", Status: core.JobFailed, Source: core.SourceScheduled, CreatedAt: base.Add(time.Minute)},
		{ID: "job_3", AccountID: "b", AccountNickname: "Weekly Digest", Status: core.JobSuccess, Source: core.SourceManual, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, job := range seed {
		require.NoError(t, store.CreateJob(ctx, job))
	}

	jobs, total, err := store.ListJobs(ctx, core.JobFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, "job_3", jobs[0].ID)

	jobs, total, err = store.ListJobs(ctx, core.JobFilter{AccountID: "a"})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, jobs, 2)

	jobs, total, err = store.ListJobs(ctx, core.JobFilter{Keyword: "daily"})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	jobs, total, err = store.ListJobs(ctx, core.JobFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, jobs, 1)
	require.Equal(t, "job_2", jobs[0].ID)
}

func TestListStuckCanceled(t *testing.T) {
	store := New()
	ctx := context.Background()
	started := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{
		ID: "job_stuck", Status: core.JobCanceled, StartedAt: &started,
	}))
	require.NoError(t, store.CreateJob(ctx, core.CaptureJob{
		ID: "job_done", Status: core.JobCanceled, StartedAt: &started, FinishedAt: &finished,
	}))

	stuck, err := store.ListStuckCanceled(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "job_stuck", stuck[0].ID)
}

func TestJobLogsOrderAndPagination(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, store.AppendJobLog(ctx, core.JobLog{
			JobID: "job_1", Level: core.LogInfo, Message: msg,
		}))
	}
	require.NoError(t, store.AppendJobLog(ctx, core.JobLog{
		JobID: "job_other", Level: core.LogInfo, Message: "elsewhere",
	}))

	logs, total, err := store.ListJobLogs(ctx, "job_1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, "first", logs[0].Message)
	require.Equal(t, "third", logs[2].Message)
	require.Less(t, logs[0].ID, logs[1].ID)

	logs, total, err = store.ListJobLogs(ctx, "job_1", 1, 1)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, logs, 1)
	require.Equal(t, "second", logs[0].Message)
}
