package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/research-ingest/internal/model"
	"github.com/sells-group/research-ingest/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. SQLite has no
// SELECT ... FOR UPDATE SKIP LOCKED, so claims from the same process are
// serialized with a mutex and cross-process writers rely on the WAL busy
// timeout. It is the embedded/test backend; Postgres is the production one.
type SQLiteStore struct {
	db      *sql.DB
	cfg     QueueConfig
	claimMu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, queueCfg QueueConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, cfg: applyQueueDefaults(queueCfg)}, nil
}

// DB exposes the underlying handle so the ingestion store can share it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	objective     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'queued',
	bundle_sha256 TEXT,
	started_at    DATETIME,
	finished_at   DATETIME,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	run_id           TEXT NOT NULL REFERENCES runs(id),
	job_type         TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	locked_at        DATETIME,
	locked_by        TEXT NOT NULL DEFAULT '',
	retry_at         DATETIME,
	last_error       TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	payload          BLOB,
	result           BLOB,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	CHECK (attempts <= max_attempts)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_active
	ON jobs(tenant_id, run_id, job_type)
	WHERE status IN ('queued','running','failed');
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, retry_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);

CREATE TABLE IF NOT EXISTS run_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id  TEXT NOT NULL,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	meta       BLOB,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, params EnqueueParams) (*model.Job, error) {
	id := uuid.New()
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, tenant_id, run_id, job_type, status, max_attempts, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		id.String(), params.TenantID.String(), params.RunID.String(), string(params.JobType),
		maxAttempts, params.Payload, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: enqueue")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: enqueue rows affected")
	}
	if n == 0 {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sqliteJobColumns+` FROM jobs
			 WHERE tenant_id = ? AND run_id = ? AND job_type = ?
			   AND status IN ('queued','running','failed')
			 LIMIT 1`,
			params.TenantID.String(), params.RunID.String(), string(params.JobType),
		)
		job, err := scanSQLiteJob(row)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: get active job")
		}
		return job, nil
	}
	return s.GetJob(ctx, id)
}

const sqliteJobColumns = `id, tenant_id, run_id, job_type, status, attempts, max_attempts,
	locked_at, locked_by, retry_at, last_error, cancel_requested, payload, result, created_at, updated_at`

func (s *SQLiteStore) Claim(ctx context.Context, workerID string, staleAfter time.Duration) (*model.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	now := time.Now().UTC()
	staleCutoff := now.Add(-staleAfter)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim: begin")
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs
		 WHERE cancel_requested = 0
		   AND attempts < max_attempts
		   AND (
		     (status IN ('queued','failed') AND (retry_at IS NULL OR retry_at <= ?))
		     OR (status = 'running' AND locked_at IS NOT NULL AND locked_at < ?)
		   )
		 ORDER BY created_at
		 LIMIT 1`,
		now, staleCutoff,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim: select candidate")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', locked_by = ?, locked_at = ?,
		        attempts = attempts + 1, retry_at = NULL, updated_at = ?
		 WHERE id = ?`,
		workerID, now, now, id,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim: lock")
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim: read back")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim: commit")
	}
	return job, nil
}

func (s *SQLiteStore) MarkSucceeded(ctx context.Context, jobID uuid.UUID, result []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'succeeded', result = ?, locked_by = '', locked_at = NULL, retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		result, time.Now().UTC(), jobID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark succeeded %s", jobID)
	}
	return checkRowsAffected(res, "running job", jobID.String())
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, jobID uuid.UUID, jobErr string) (*model.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: mark failed: begin")
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = ? AND status = 'running'`,
		jobID.String(),
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("job not running: %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark failed: read %s", jobID)
	}

	now := time.Now().UTC()
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'permanently_failed', retry_at = NULL,
			        locked_by = '', locked_at = NULL, last_error = ?, updated_at = ?
			 WHERE id = ?`,
			jobErr, now, jobID.String(),
		)
	} else {
		retryAt := now.Add(resilience.JobBackoff(attempts, s.cfg.BackoffBase, s.cfg.BackoffCap))
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', retry_at = ?,
			        locked_by = '', locked_at = NULL, last_error = ?, updated_at = ?
			 WHERE id = ?`,
			retryAt, jobErr, now, jobID.String(),
		)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark failed %s", jobID)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID.String())
	job, err := scanSQLiteJob(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: mark failed: read back")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: mark failed: commit")
	}
	return job, nil
}

func (s *SQLiteStore) MarkCancelled(ctx context.Context, jobID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', retry_at = NULL, locked_by = '', locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		time.Now().UTC(), jobID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark cancelled %s", jobID)
	}
	return checkRowsAffected(res, "running job", jobID.String())
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID.String())
	job, err := scanSQLiteJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.TenantID != uuid.Nil {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID.String())
	}
	if filter.RunID != uuid.Nil {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID.String())
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) Cancel(ctx context.Context, jobID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1,
		        status = CASE WHEN status IN ('queued','failed') THEN 'cancelled' ELSE status END,
		        retry_at = CASE WHEN status IN ('queued','failed') THEN NULL ELSE retry_at END,
		        updated_at = ?
		 WHERE id = ? AND status NOT IN ('succeeded','permanently_failed','cancelled')`,
		time.Now().UTC(), jobID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cancel %s", jobID)
	}
	return checkRowsAffected(res, "cancellable job", jobID.String())
}

func (s *SQLiteStore) Retry(ctx context.Context, jobID uuid.UUID, resetAttempts bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', retry_at = NULL, locked_by = '', locked_at = NULL,
		        cancel_requested = 0,
		        attempts = CASE WHEN ? THEN 0 ELSE MIN(attempts, max_attempts - 1) END,
		        updated_at = ?
		 WHERE id = ? AND status IN ('failed','permanently_failed','cancelled')`,
		resetAttempts, time.Now().UTC(), jobID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: retry %s", jobID)
	}
	return checkRowsAffected(res, "retryable job", jobID.String())
}

func (s *SQLiteStore) ReclaimStale(ctx context.Context, workerID string, cutoff time.Duration) (int, error) {
	staleCutoff := time.Now().UTC().Add(-cutoff)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		        status = CASE WHEN attempts >= max_attempts THEN 'permanently_failed' ELSE 'queued' END,
		        last_error = CASE WHEN attempts >= max_attempts THEN 'lease expired after exhausting attempts' ELSE last_error END,
		        locked_by = '', locked_at = NULL, updated_at = ?
		 WHERE status = 'running'
		   AND locked_at IS NOT NULL
		   AND locked_at < ?
		   AND (? = '' OR locked_by = ?)`,
		time.Now().UTC(), staleCutoff, workerID, workerID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reclaim stale")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: reclaim rows affected")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, tenantID, runID uuid.UUID, objective string) (*model.Run, error) {
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, objective, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		runID.String(), tenantID.String(), objective, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create run")
	}
	return s.GetRun(ctx, runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID uuid.UUID) (*model.Run, error) {
	var r model.Run
	var id, tenantID string
	var bundleSHA sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, objective, status, bundle_sha256, started_at, finished_at, last_error, created_at, updated_at
		 FROM runs WHERE id = ?`,
		runID.String(),
	).Scan(&id, &tenantID, &r.Objective, &r.Status, &bundleSHA, &startedAt, &finishedAt, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	r.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse run id")
	}
	r.TenantID, err = uuid.Parse(tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse tenant id")
	}
	if bundleSHA.Valid {
		r.BundleSHA256 = bundleSHA.String
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus, lastErr string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, last_error = ?,
		        started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
		        finished_at = CASE WHEN ? IN ('succeeded','failed','cancelled') THEN ? ELSE finished_at END,
		        updated_at = ?
		 WHERE id = ?`,
		string(status), lastErr, string(status), now, string(status), now, now, runID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID.String())
}

func (s *SQLiteStore) SetRunBundleHash(ctx context.Context, runID uuid.UUID, sha256 string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET bundle_sha256 = ?, updated_at = ? WHERE id = ?`,
		sha256, time.Now().UTC(), runID.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run bundle hash %s", runID)
	}
	return checkRowsAffected(res, "run", runID.String())
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (tenant_id, run_id, event_type, message, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.TenantID.String(), ev.RunID.String(), ev.EventType, ev.Message, ev.Meta, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: append event")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, run_id, event_type, message, meta, created_at
		 FROM run_events WHERE run_id = ? ORDER BY id DESC LIMIT ?`,
		runID.String(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var tenantID, rID string
		if err := rows.Scan(&ev.ID, &tenantID, &rID, &ev.EventType, &ev.Message, &ev.Meta, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.TenantID, err = uuid.Parse(tenantID)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse event tenant id")
		}
		ev.RunID, err = uuid.Parse(rID)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse event run id")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var j model.Job
	var id, tenantID, runID, jobType string
	var lockedAt, retryAt sql.NullTime
	var cancelRequested int

	err := row.Scan(&id, &tenantID, &runID, &jobType, &j.Status, &j.Attempts, &j.MaxAttempts,
		&lockedAt, &j.LockedBy, &retryAt, &j.LastError, &cancelRequested,
		&j.Payload, &j.Result, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse job id")
	}
	if j.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse tenant id")
	}
	if j.RunID, err = uuid.Parse(runID); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse run id")
	}
	j.JobType = model.JobType(jobType)
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	if retryAt.Valid {
		j.RetryAt = &retryAt.Time
	}
	j.CancelRequested = cancelRequested != 0
	return &j, nil
}
