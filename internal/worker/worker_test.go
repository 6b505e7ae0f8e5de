package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-ingest/internal/bundle"
	"github.com/sells-group/research-ingest/internal/config"
	"github.com/sells-group/research-ingest/internal/ingest"
	"github.com/sells-group/research-ingest/internal/jobstore"
	"github.com/sells-group/research-ingest/internal/model"
)

func newTestWorker(t *testing.T) (*Worker, *jobstore.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	st, err := jobstore.NewSQLite(filepath.Join(t.TempDir(), "test.db"), jobstore.QueueConfig{
		DefaultMaxAttempts: 3,
		BackoffBase:        30 * time.Second,
		BackoffCap:         5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	canonical := ingest.NewSQLite(st.DB())
	require.NoError(t, canonical.Migrate(ctx))

	w := New("w-test", st, ingest.NewEngine(canonical, 0), config.WorkerConfig{
		PollInterval: 10 * time.Millisecond,
		Concurrency:  2,
		StaleAfter:   15 * time.Minute,
		ClaimRate:    100,
	})
	return w, st
}

func testBundle() *bundle.Bundle {
	src := bundle.Source{Content: "Acme Corp is a regional leader.", URL: "https://example.com/report", Provider: "web"}
	src.SHA256 = src.ContentSHA256()
	return &bundle.Bundle{
		Version: bundle.Version,
		Sources: []bundle.Source{src},
		Companies: []bundle.Company{
			{
				Name:             "Acme Corp",
				AIRank:           1,
				AIScore:          0.9,
				EvidenceSnippets: []string{"Acme leads the regional market."},
				SourceSHA256Refs: []string{src.SHA256},
			},
		},
	}
}

func enqueueBundle(t *testing.T, st *jobstore.SQLiteStore, b *bundle.Bundle) *model.Job {
	t.Helper()
	ctx := context.Background()
	tenantID := uuid.New()

	run, err := st.CreateRun(ctx, tenantID, uuid.New(), "regional leaders")
	require.NoError(t, err)

	payload, err := json.Marshal(b)
	require.NoError(t, err)

	job, err := st.Enqueue(ctx, jobstore.EnqueueParams{
		TenantID: tenantID,
		RunID:    run.ID,
		JobType:  model.JobTypeIngestBundle,
		Payload:  payload,
	})
	require.NoError(t, err)
	return job
}

func TestProcess_Success(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	enqueueBundle(t, st, testBundle())
	job, err := st.Claim(ctx, w.ID(), 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	w.Process(ctx, job)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, got.Status)

	var res model.IngestResult
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.Equal(t, 1, res.CompaniesUpserted)
	assert.Equal(t, 1, res.EvidenceLinksAdded)
	assert.False(t, res.Reused)

	run, err := st.GetRun(ctx, job.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.NotEmpty(t, run.BundleSHA256)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)

	events, err := st.ListEvents(ctx, job.RunID, 10)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	assert.Contains(t, types, model.EventJobClaimed)
	assert.Contains(t, types, model.EventSourceProcessed)
	assert.Contains(t, types, model.EventJobSucceeded)
}

func TestProcess_ReingestReportsReuse(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	first := enqueueBundle(t, st, testBundle())
	job, err := st.Claim(ctx, w.ID(), 15*time.Minute)
	require.NoError(t, err)
	w.Process(ctx, job)

	// Second submission of the identical payload for the same run.
	payload, err := json.Marshal(testBundle())
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, jobstore.EnqueueParams{
		TenantID: first.TenantID,
		RunID:    first.RunID,
		JobType:  model.JobTypeIngestBundle,
		Payload:  payload,
	})
	require.NoError(t, err)

	job2, err := st.Claim(ctx, w.ID(), 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job2)
	w.Process(ctx, job2)

	got, err := st.GetJob(ctx, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, got.Status)

	var res model.IngestResult
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.True(t, res.Reused)
	assert.Equal(t, "duplicate_hash", res.ReusedReason)

	events, err := st.ListEvents(ctx, job2.RunID, 20)
	require.NoError(t, err)
	var reusedSeen bool
	for _, ev := range events {
		if ev.EventType == model.EventBundleReused {
			reusedSeen = true
		}
	}
	assert.True(t, reusedSeen)
}

func TestProcess_ValidationFailureRetriesThenExhausts(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	b := testBundle()
	b.Version = "bogus_v9"
	enqueueBundle(t, st, b)

	for i := 1; i <= 3; i++ {
		// Skip the backoff window between attempts.
		_, err := st.DB().ExecContext(ctx, `UPDATE jobs SET retry_at = NULL`)
		require.NoError(t, err)
		job, err := st.Claim(ctx, w.ID(), 15*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job, "claim %d", i)
		w.Process(ctx, job)
	}

	jobs, err := st.ListJobs(ctx, jobstore.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusPermanentlyFailed, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].Attempts)
	assert.Contains(t, jobs[0].LastError, "unsupported version")

	run, err := st.GetRun(ctx, jobs[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.LastError, "unsupported version")
}

func TestProcess_CancelBeforeIngestion(t *testing.T) {
	w, st := newTestWorker(t)
	ctx := context.Background()

	enqueueBundle(t, st, testBundle())
	job, err := st.Claim(ctx, w.ID(), 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Cancel lands after the claim but before processing starts.
	require.NoError(t, st.Cancel(ctx, job.ID))
	w.Process(ctx, job)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	run, err := st.GetRun(ctx, job.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
}

func TestRun_DrainsQueueAndStops(t *testing.T) {
	w, st := newTestWorker(t)

	enqueueBundle(t, st, testBundle())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	jobs, err := st.ListJobs(context.Background(), jobstore.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusSucceeded, jobs[0].Status)
}
