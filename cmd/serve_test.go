package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-ingest/internal/config"
	"github.com/sells-group/research-ingest/internal/ingest"
	"github.com/sells-group/research-ingest/internal/jobstore"
	"github.com/sells-group/research-ingest/internal/model"
)

func newTestRouter(t *testing.T) (http.Handler, *stores) {
	t.Helper()

	jobs, err := jobstore.NewSQLite(filepath.Join(t.TempDir(), "api.db"), jobstore.QueueConfig{
		DefaultMaxAttempts: 3,
		BackoffBase:        30 * time.Second,
		BackoffCap:         5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	st := &stores{jobs: jobs, canonical: ingest.NewSQLite(jobs.DB())}
	require.NoError(t, st.Migrate(context.Background()))

	c := &config.Config{}
	c.Server.AllowedOrigins = []string{"*"}
	c.Ingest.MaxBundleBytes = 16 << 20
	c.Worker.StaleAfter = 15 * time.Minute
	return newRouter(st, c), st
}

func apiBundle() map[string]any {
	content := "<html>Acme Corp builds anvils in Ohio.</html>"
	sum := sha256.Sum256([]byte(content))
	sha := hex.EncodeToString(sum[:])
	return map[string]any{
		"version": "run_bundle_v1",
		"sources": []map[string]any{{
			"sha256":  sha,
			"content": content,
			"url":     "https://example.com/report",
		}},
		"companies": []map[string]any{{
			"name":               "Acme Corp",
			"evidence_snippets":  []string{"Acme Corp builds anvils."},
			"source_sha256_refs": []string{sha},
		}},
	}
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestAPI_Health(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := getJSON(t, h, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAPI_EnqueueAndReadBack(t *testing.T) {
	h, _ := newTestRouter(t)
	tenant := uuid.New()

	rec := postJSON(t, h, "/api/v1/jobs", map[string]any{
		"tenant_id": tenant,
		"objective": "anvil makers in ohio",
		"bundle":    apiBundle(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		JobID  uuid.UUID `json:"job_id"`
		RunID  uuid.UUID `json:"run_id"`
		Status string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "queued", created.Status)

	var job model.Job
	rec = getJSON(t, h, "/api/v1/jobs/"+created.JobID.String(), &job)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, created.RunID, job.RunID)

	var listed []model.Job
	rec = getJSON(t, h, "/api/v1/jobs?tenant="+tenant.String(), &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, listed, 1)
}

func TestAPI_EnqueueValidationFailure(t *testing.T) {
	h, _ := newTestRouter(t)

	bad := apiBundle()
	bad["version"] = "bogus_v9"
	bad["companies"] = []map[string]any{}

	rec := postJSON(t, h, "/api/v1/jobs", map[string]any{
		"tenant_id": uuid.New(),
		"bundle":    bad,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Error      string   `json:"error"`
		Violations []string `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.GreaterOrEqual(t, len(body.Violations), 2)
}

func TestAPI_EnqueueMissingFields(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := postJSON(t, h, "/api/v1/jobs", map[string]any{"bundle": apiBundle()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/api/v1/jobs", map[string]any{"tenant_id": uuid.New()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_DuplicateBundleReportsReuse(t *testing.T) {
	h, st := newTestRouter(t)
	tenant := uuid.New()

	rec := postJSON(t, h, "/api/v1/jobs", map[string]any{
		"tenant_id": tenant,
		"bundle":    apiBundle(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var first struct {
		RunID        uuid.UUID `json:"run_id"`
		BundleSHA256 string    `json:"bundle_sha256"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	// Simulate a completed ingestion recording the accepted bundle hash.
	require.NoError(t, st.jobs.SetRunBundleHash(context.Background(), first.RunID, first.BundleSHA256))

	rec = postJSON(t, h, "/api/v1/jobs", map[string]any{
		"tenant_id": tenant,
		"run_id":    first.RunID,
		"bundle":    apiBundle(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var second struct {
		Reused       bool   `json:"reused"`
		ReusedReason string `json:"reused_reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Reused)
	assert.Equal(t, "duplicate_hash", second.ReusedReason)
}

func TestAPI_GetJobNotFound(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := getJSON(t, h, "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CancelQueuedJob(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := postJSON(t, h, "/api/v1/jobs", map[string]any{
		"tenant_id": uuid.New(),
		"bundle":    apiBundle(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID uuid.UUID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = postJSON(t, h, "/api/v1/jobs/"+created.JobID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.JobStatusCancelled, job.Status)

	// Cancelling a terminal job conflicts.
	rec = postJSON(t, h, "/api/v1/jobs/"+created.JobID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_RetryCancelledJob(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := postJSON(t, h, "/api/v1/jobs", map[string]any{
		"tenant_id": uuid.New(),
		"bundle":    apiBundle(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID uuid.UUID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	postJSON(t, h, "/api/v1/jobs/"+created.JobID.String()+"/cancel", nil)

	rec = postJSON(t, h, "/api/v1/jobs/"+created.JobID.String()+"/retry?reset_attempts=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
}

func TestAPI_Reclaim(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := postJSON(t, h, "/api/v1/jobs/reclaim?cutoff=1m", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reclaimed":0}`, rec.Body.String())
}

func TestAPI_GetRunWithEvents(t *testing.T) {
	h, st := newTestRouter(t)
	tenant := uuid.New()

	rec := postJSON(t, h, "/api/v1/jobs", map[string]any{
		"tenant_id": tenant,
		"bundle":    apiBundle(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		RunID uuid.UUID `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	require.NoError(t, st.jobs.AppendEvent(context.Background(), model.Event{
		RunID:     created.RunID,
		EventType: model.EventJobClaimed,
	}))

	var body struct {
		Run    model.Run     `json:"run"`
		Events []model.Event `json:"events"`
	}
	rec = getJSON(t, h, "/api/v1/runs/"+created.RunID.String()+"?events=10", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.RunID, body.Run.ID)
	assert.Len(t, body.Events, 1)
}
