package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"mpvault/internal/core"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock)
}

func TestGetAuthSessionDefaultsToLoggedOut(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	mock.ExpectQuery("SELECT status, login_uuid").
		WillReturnError(pgx.ErrNoRows)

	session, err := store.GetAuthSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedOut, session.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuthSessionScansRow(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectQuery("SELECT status, login_uuid").
		WillReturnRows(pgxmock.NewRows([]string{
			"status", "login_uuid", "fingerprint", "token", "cookie_json",
			"account_name", "account_avatar", "last_error", "created_at", "updated_at",
		}).AddRow(
			"logged_in", "uuid-1", "fp-1", "tok-1", `[{"name":"token"}]`,
			"Daily Paper", "https://img/a.jpg", "", now.Unix(), now.Unix(),
		))

	session, err := store.GetAuthSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedIn, session.Status)
	require.Equal(t, "tok-1", session.Token)
	require.Equal(t, "Daily Paper", session.AccountName)
	require.Equal(t, now, session.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAuthSession(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectExec("INSERT INTO auth_session").
		WithArgs("logged_in", "uuid-1", "fp-1", "tok-1", "", "Daily Paper", "", "",
			now.Unix(), now.Unix()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.SaveAuthSession(context.Background(), core.AuthSession{
		Status: core.AuthLoggedIn, LoginUUID: "uuid-1", Fingerprint: "fp-1",
		Token: "tok-1", AccountName: "Daily Paper",
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccountNotFound(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	mock.ExpectQuery("FROM accounts WHERE id").
		WithArgs("MP_WXS_missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetAccount(context.Background(), "MP_WXS_missing")
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccountScansRow(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectQuery("FROM accounts WHERE id").
		WithArgs("MP_WXS_biz1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "fakeid", "biz", "nickname", "alias", "avatar", "intro",
			"enabled", "favorite", "use_count", "last_used_at", "last_sync_at",
			"sync_enabled", "sync_interval_minutes", "sync_lookback_days",
			"sync_overlap_hours", "sync_next_run_at", "sync_last_success_at",
			"sync_last_error", "sync_failures", "created_at", "updated_at",
		}).AddRow(
			"MP_WXS_biz1", "FID1", "biz1", "Daily Paper", "", "", "",
			true, true, 3, now.Unix(), nil,
			true, 60, 7,
			6, now.Add(time.Hour).Unix(), nil,
			"", 0, now.Unix(), now.Unix(),
		))

	account, err := store.GetAccount(context.Background(), "MP_WXS_biz1")
	require.NoError(t, err)
	require.Equal(t, "Daily Paper", account.Nickname)
	require.Equal(t, 3, account.UseCount)
	require.NotNil(t, account.LastUsedAt)
	require.Equal(t, now, *account.LastUsedAt)
	require.Nil(t, account.LastSyncAt)
	require.True(t, account.AutoSync.Enabled)
	require.Equal(t, 60, account.AutoSync.IntervalMinutes)
	require.NotNil(t, account.AutoSync.NextRunAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAccount(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectExec("INSERT INTO accounts").
		WithArgs(
			"MP_WXS_biz1", "FID1", "biz1", "Daily Paper", "", "", "",
			true, false, 0, pgxmock.AnyArg(), pgxmock.AnyArg(),
			false, 0, 0, 0, pgxmock.AnyArg(), pgxmock.AnyArg(),
			"", 0, now.Unix(), now.Unix(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertAccount(context.Background(), core.Account{
		ID: "MP_WXS_biz1", FakeID: "FID1", Biz: "biz1", Nickname: "Daily Paper",
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueAccountsQuery(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectQuery("sync_next_run_at IS NULL OR sync_next_run_at").
		WithArgs(now.Unix(), 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "fakeid", "biz", "nickname", "alias", "avatar", "intro",
			"enabled", "favorite", "use_count", "last_used_at", "last_sync_at",
			"sync_enabled", "sync_interval_minutes", "sync_lookback_days",
			"sync_overlap_hours", "sync_next_run_at", "sync_last_success_at",
			"sync_last_error", "sync_failures", "created_at", "updated_at",
		}).AddRow(
			"MP_WXS_biz1", "FID1", "biz1", "Daily Paper", "", "", "",
			true, false, 0, nil, nil,
			true, 60, 7, 6, nil, nil,
			"", 0, now.Unix(), now.Unix(),
		))

	due, err := store.ListDueAccounts(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "MP_WXS_biz1", due[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAutoSync(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectQuery("FROM accounts WHERE enabled AND sync_enabled").
		WithArgs(now.Unix()).
		WillReturnRows(pgxmock.NewRows([]string{"count", "due"}).AddRow(5, 2))

	scheduled, due, err := store.CountAutoSync(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 5, scheduled)
	require.Equal(t, 2, due)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobInsertsWhenSlotFree(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			"job_abc", "MP_WXS_biz1", "Daily Paper", "queued", "manual",
			int64(0), int64(0), true, "{}", "", "",
			now.Unix(), pgxmock.AnyArg(), pgxmock.AnyArg(), now.Unix(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateJob(context.Background(), core.CaptureJob{
		ID: "job_abc", AccountID: "MP_WXS_biz1", AccountNickname: "Daily Paper",
		Status: core.JobQueued, Source: core.SourceManual, WithContent: true,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobConflictWhenSlotTaken(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	// The guarded insert affects zero rows while another job is active.
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.CreateJob(context.Background(), core.CaptureJob{
		ID: "job_second", Status: core.JobQueued,
	})
	require.True(t, core.IsConflictError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobNotFound(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJob(context.Background(), core.CaptureJob{ID: "job_gone"})
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectQuery("FROM jobs WHERE id").
		WithArgs("job_abc").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "account_nickname", "status", "source",
			"start_ts", "end_ts", "with_content", "counters_json", "error",
			"result_json", "created_at", "started_at", "finished_at", "updated_at",
		}).AddRow(
			"job_abc", "MP_WXS_biz1", "Daily Paper", "running", "scheduled",
			int64(1000), int64(2000), true, "{}", "",
			"", now.Unix(), now.Unix(), nil, now.Unix(),
		))

	job, err := store.GetJob(context.Background(), "job_abc")
	require.NoError(t, err)
	require.Equal(t, core.JobRunning, job.Status)
	require.Equal(t, core.SourceScheduled, job.Source)
	require.Equal(t, int64(1000), job.StartTS)
	require.NotNil(t, job.StartedAt)
	require.Nil(t, job.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsFiltersAndCounts(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("success", "MP_WXS_biz1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("FROM jobs").
		WithArgs("success", "MP_WXS_biz1", 2, 4).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "account_nickname", "status", "source",
			"start_ts", "end_ts", "with_content", "counters_json", "error",
			"result_json", "created_at", "started_at", "finished_at", "updated_at",
		}).AddRow(
			"job_abc", "MP_WXS_biz1", "Daily Paper", "success", "manual",
			int64(0), int64(0), true, "{}", "",
			`{"articles_new":2}`, now.Unix(), now.Unix(), now.Unix(), now.Unix(),
		))

	jobs, total, err := store.ListJobs(context.Background(), core.JobFilter{
		Status: core.JobSuccess, AccountID: "MP_WXS_biz1", Limit: 2, Offset: 4,
	})
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Len(t, jobs, 1)
	require.Equal(t, core.JobSuccess, jobs[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStuckCanceledQuery(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectQuery("started_at IS NOT NULL AND finished_at IS NULL").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "account_nickname", "status", "source",
			"start_ts", "end_ts", "with_content", "counters_json", "error",
			"result_json", "created_at", "started_at", "finished_at", "updated_at",
		}).AddRow(
			"job_stuck", "MP_WXS_biz1", "Daily Paper", "canceled", "manual",
			int64(0), int64(0), true, "{}", "",
			"", now.Unix(), now.Unix(), nil, now.Unix(),
		))

	stuck, err := store.ListStuckCanceled(context.Background())
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "job_stuck", stuck[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAndListJobLogs(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	now := time.Unix(1754049600, 0).UTC()

	mock.ExpectExec("INSERT INTO job_logs").
		WithArgs("job_abc", "info", "page scanned", "", now.Unix()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.AppendJobLog(context.Background(), core.JobLog{
		JobID: "job_abc", Level: core.LogInfo, Message: "page scanned", CreatedAt: now,
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("job_abc").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("FROM job_logs WHERE job_id").
		WithArgs("job_abc", 100, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_id", "level", "message", "payload_json", "created_at",
		}).AddRow(int64(1), "job_abc", "info", "page scanned", "", now.Unix()))

	logs, total, err := store.ListJobLogs(context.Background(), "job_abc", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, logs, 1)
	require.Equal(t, "page scanned", logs[0].Message)
	require.Equal(t, now, logs[0].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
