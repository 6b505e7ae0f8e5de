package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-ingest/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, cfg: applyQueueDefaults(QueueConfig{})}
	return s, mock
}

var jobRowColumns = []string{
	"id", "tenant_id", "run_id", "job_type", "status", "attempts", "max_attempts",
	"locked_at", "locked_by", "retry_at", "last_error", "cancel_requested",
	"payload", "result", "created_at", "updated_at",
}

func mockJobRow(id, tenantID, runID uuid.UUID, status model.JobStatus, attempts int) *pgxmock.Rows {
	now := time.Now().UTC()
	var lockedAt *time.Time
	lockedBy := ""
	if status == model.JobStatusRunning {
		lockedAt = &now
		lockedBy = "w1"
	}
	return pgxmock.NewRows(jobRowColumns).AddRow(
		id, tenantID, runID, "ingest_bundle", status, attempts, 3,
		lockedAt, lockedBy, (*time.Time)(nil), "", false,
		[]byte(`{}`), []byte(nil), now, now,
	)
}

func TestPostgresStore_Claim_NoEligibleJobs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("w1", float64(900)).
		WillReturnError(pgx.ErrNoRows)

	job, err := s.Claim(context.Background(), "w1", 15*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Claim_ReturnsLockedJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	id, tenantID, runID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("w1", float64(900)).
		WillReturnRows(mockJobRow(id, tenantID, runID, model.JobStatusRunning, 1))

	job, err := s.Claim(context.Background(), "w1", 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "w1", job.LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Enqueue_ConflictReturnsActiveJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tenantID, runID := uuid.New(), uuid.New()
	existingID := uuid.New()

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), tenantID, runID, "ingest_bundle", 3, []byte(`{}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT (.+) FROM jobs`).
		WithArgs(tenantID, runID, "ingest_bundle").
		WillReturnRows(mockJobRow(existingID, tenantID, runID, model.JobStatusQueued, 0))

	job, err := s.Enqueue(context.Background(), EnqueueParams{
		TenantID: tenantID,
		RunID:    runID,
		JobType:  model.JobTypeIngestBundle,
		Payload:  []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, existingID, job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkSucceeded_NotRunning(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	jobID := uuid.New()

	mock.ExpectExec(`UPDATE jobs SET status = 'succeeded'`).
		WithArgs(jobID, []byte(`{}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkSucceeded(context.Background(), jobID, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkFailed_SchedulesRetry(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	jobID, tenantID, runID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, max_attempts FROM jobs`).
		WithArgs(jobID).
		WillReturnRows(pgxmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(1, 3))
	mock.ExpectQuery(`UPDATE jobs SET status = 'failed'`).
		WithArgs(jobID, pgxmock.AnyArg(), "fetch timed out").
		WillReturnRows(mockJobRow(jobID, tenantID, runID, model.JobStatusFailed, 1))
	mock.ExpectCommit()

	job, err := s.MarkFailed(context.Background(), jobID, "fetch timed out")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkFailed_ExhaustedGoesPermanent(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	jobID, tenantID, runID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, max_attempts FROM jobs`).
		WithArgs(jobID).
		WillReturnRows(pgxmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(3, 3))
	mock.ExpectQuery(`UPDATE jobs SET status = 'permanently_failed'`).
		WithArgs(jobID, "boom").
		WillReturnRows(mockJobRow(jobID, tenantID, runID, model.JobStatusPermanentlyFailed, 3))
	mock.ExpectCommit()

	job, err := s.MarkFailed(context.Background(), jobID, "boom")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPermanentlyFailed, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkFailed_NotRunning(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempts, max_attempts FROM jobs`).
		WithArgs(jobID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.MarkFailed(context.Background(), jobID, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Cancel_NotCancellable(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	jobID := uuid.New()

	mock.ExpectExec(`UPDATE jobs SET cancel_requested = TRUE`).
		WithArgs(jobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.Cancel(context.Background(), jobID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not cancellable")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReclaimStale_ReturnsCount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET`).
		WithArgs("", float64(900)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.ReclaimStale(context.Background(), "", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	runID := uuid.New()

	mock.ExpectQuery(`SELECT (.+) FROM runs WHERE id = \$1`).
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	runID := uuid.New()

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs(runID, "running", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), runID, model.RunStatusRunning, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendEvent(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tenantID, runID := uuid.New(), uuid.New()

	mock.ExpectExec(`INSERT INTO run_events`).
		WithArgs(tenantID, runID, model.EventJobClaimed, "claimed by w1", []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendEvent(context.Background(), model.Event{
		TenantID:  tenantID,
		RunID:     runID,
		EventType: model.EventJobClaimed,
		Message:   "claimed by w1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
