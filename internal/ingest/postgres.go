package ingest

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-ingest/internal/db"
	"github.com/sells-group/research-ingest/internal/model"
	"github.com/sells-group/research-ingest/internal/resilience"
)

// PostgresStore implements Store on a shared pgx pool. The pool is typically
// the job store's, so job transitions and canonical writes hit one database.
type PostgresStore struct {
	pool db.Pool
}

func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Uniqueness and check constraints live in the schema rather than the
// application so concurrent or partial writes cannot corrupt the ledger.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_documents (
	id           UUID PRIMARY KEY,
	tenant_id    UUID NOT NULL,
	run_id       UUID NOT NULL,
	content_hash TEXT NOT NULL,
	url          TEXT,
	provider     TEXT NOT NULL DEFAULT '',
	raw_payload  BYTEA,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_sourcedocs_hash
	ON source_documents(tenant_id, run_id, content_hash);
CREATE UNIQUE INDEX IF NOT EXISTS ux_sourcedocs_url
	ON source_documents(tenant_id, run_id, url) WHERE url IS NOT NULL;

CREATE TABLE IF NOT EXISTS prospects (
	id              UUID PRIMARY KEY,
	tenant_id       UUID NOT NULL,
	run_id          UUID NOT NULL,
	name_raw        TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	ai_rank         INTEGER NOT NULL DEFAULT 0,
	ai_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	manual_priority INTEGER,
	is_pinned       BOOLEAN NOT NULL DEFAULT FALSE,
	notes           TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'candidate',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT ux_prospects_identity UNIQUE (tenant_id, run_id, name_normalized)
);

CREATE TABLE IF NOT EXISTS prospect_aliases (
	id          UUID PRIMARY KEY,
	tenant_id   UUID NOT NULL,
	prospect_id UUID NOT NULL REFERENCES prospects(id),
	name        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT ux_aliases_identity UNIQUE (tenant_id, prospect_id, name)
);

CREATE TABLE IF NOT EXISTS metrics (
	id           UUID PRIMARY KEY,
	tenant_id    UUID NOT NULL,
	run_id       UUID NOT NULL,
	prospect_id  UUID NOT NULL REFERENCES prospects(id),
	metric_key   TEXT NOT NULL,
	value_type   TEXT NOT NULL,
	value_number DOUBLE PRECISION,
	value_text   TEXT,
	value_bool   BOOLEAN,
	value_json   JSONB,
	unit         TEXT NOT NULL DEFAULT '',
	currency     TEXT NOT NULL DEFAULT '',
	as_of_date   DATE,
	source_ref   TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT ck_metrics_one_value CHECK (
		(value_type = 'number' AND value_number IS NOT NULL AND value_text IS NULL AND value_bool IS NULL AND value_json IS NULL) OR
		(value_type = 'text'   AND value_text   IS NOT NULL AND value_number IS NULL AND value_bool IS NULL AND value_json IS NULL) OR
		(value_type = 'bool'   AND value_bool   IS NOT NULL AND value_number IS NULL AND value_text IS NULL AND value_json IS NULL) OR
		(value_type = 'json'   AND value_json   IS NOT NULL AND value_number IS NULL AND value_text IS NULL AND value_bool IS NULL)
	)
);

CREATE INDEX IF NOT EXISTS idx_metrics_prospect ON metrics(prospect_id, metric_key);

CREATE TABLE IF NOT EXISTS evidence (
	id                 UUID PRIMARY KEY,
	tenant_id          UUID NOT NULL,
	prospect_id        UUID NOT NULL REFERENCES prospects(id),
	source_document_id UUID REFERENCES source_documents(id),
	source_type        TEXT NOT NULL,
	source_name        TEXT NOT NULL,
	source_url         TEXT,
	content_hash       TEXT,
	snippet            TEXT NOT NULL DEFAULT '',
	weight             DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT ck_evidence_weight CHECK (weight >= 0.0 AND weight <= 1.0),
	CONSTRAINT ck_evidence_linked CHECK (
		source_document_id IS NULL OR (content_hash IS NOT NULL AND source_url IS NOT NULL)
	),
	CONSTRAINT ck_evidence_hash_needs_ref CHECK (
		content_hash IS NULL OR source_document_id IS NOT NULL
	)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_evidence_linked
	ON evidence(tenant_id, prospect_id, source_document_id, source_type, source_name)
	WHERE source_document_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ux_evidence_unlinked
	ON evidence(tenant_id, prospect_id, source_type, source_name, source_url)
	WHERE source_document_id IS NULL AND source_url IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_evidence_prospect ON evidence(prospect_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "ingest: migrate")
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "ingest: begin")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "ingest: commit")
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UpsertSourceDocument(ctx context.Context, doc *model.SourceDocument) (bool, error) {
	err := t.tx.QueryRow(ctx,
		`SELECT id FROM source_documents WHERE tenant_id = $1 AND run_id = $2 AND content_hash = $3`,
		doc.TenantID, doc.RunID, doc.ContentHash,
	).Scan(&doc.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrap(err, "ingest: lookup source document by hash")
	}

	if doc.URL != "" {
		err = t.tx.QueryRow(ctx,
			`SELECT id FROM source_documents WHERE tenant_id = $1 AND run_id = $2 AND url = $3`,
			doc.TenantID, doc.RunID, doc.URL,
		).Scan(&doc.ID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, eris.Wrap(err, "ingest: lookup source document by url")
		}
	}

	doc.ID = uuid.New()
	var url *string
	if doc.URL != "" {
		url = &doc.URL
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO source_documents (id, tenant_id, run_id, content_hash, url, provider, raw_payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.TenantID, doc.RunID, doc.ContentHash, url, doc.Provider, doc.RawPayload,
	)
	if err != nil {
		return false, eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert source document")
	}
	return true, nil
}

func (t *pgTx) FindProspect(ctx context.Context, tenantID, runID uuid.UUID, nameNormalized string) (*model.CanonicalProspect, error) {
	var p model.CanonicalProspect
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, run_id, name_raw, name_normalized, ai_rank, ai_score,
		        manual_priority, is_pinned, notes, status, created_at, updated_at
		 FROM prospects WHERE tenant_id = $1 AND run_id = $2 AND name_normalized = $3`,
		tenantID, runID, nameNormalized,
	).Scan(&p.ID, &p.TenantID, &p.RunID, &p.NameRaw, &p.NameNormalized, &p.AIRank, &p.AIScore,
		&p.ManualPriority, &p.IsPinned, &p.Notes, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: find prospect")
	}
	return &p, nil
}

func (t *pgTx) InsertProspect(ctx context.Context, p *model.CanonicalProspect) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO prospects (id, tenant_id, run_id, name_raw, name_normalized, ai_rank, ai_score, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.TenantID, p.RunID, p.NameRaw, p.NameNormalized, p.AIRank, p.AIScore, p.Status,
	)
	return eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert prospect")
}

func (t *pgTx) RefreshProspectAI(ctx context.Context, id uuid.UUID, nameRaw string, aiRank int, aiScore float64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE prospects SET name_raw = $2, ai_rank = $3, ai_score = $4, updated_at = now() WHERE id = $1`,
		id, nameRaw, aiRank, aiScore,
	)
	return eris.Wrap(err, "ingest: refresh prospect")
}

func (t *pgTx) InsertAlias(ctx context.Context, a *model.Alias) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO prospect_aliases (id, tenant_id, prospect_id, name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, prospect_id, name) DO NOTHING`,
		a.ID, a.TenantID, a.ProspectID, a.Name,
	)
	if err != nil {
		return false, eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert alias")
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) MetricExists(ctx context.Context, m *model.Metric) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM metrics
		   WHERE tenant_id = $1 AND run_id = $2 AND prospect_id = $3
		     AND metric_key = $4 AND value_type = $5
		     AND value_number IS NOT DISTINCT FROM $6
		     AND value_text   IS NOT DISTINCT FROM $7
		     AND value_bool   IS NOT DISTINCT FROM $8
		     AND value_json   IS NOT DISTINCT FROM $9::jsonb
		     AND as_of_date   IS NOT DISTINCT FROM $10
		     AND source_ref = $11
		 )`,
		m.TenantID, m.RunID, m.ProspectID, m.MetricKey, string(m.ValueType),
		m.ValueNumber, m.ValueText, m.ValueBool, m.ValueJSON, m.AsOfDate, m.SourceRef,
	).Scan(&exists)
	return exists, eris.Wrap(err, "ingest: metric identity check")
}

func (t *pgTx) InsertMetric(ctx context.Context, m *model.Metric) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO metrics (id, tenant_id, run_id, prospect_id, metric_key, value_type,
		                      value_number, value_text, value_bool, value_json,
		                      unit, currency, as_of_date, source_ref, confidence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.ID, m.TenantID, m.RunID, m.ProspectID, m.MetricKey, string(m.ValueType),
		m.ValueNumber, m.ValueText, m.ValueBool, m.ValueJSON,
		m.Unit, m.Currency, m.AsOfDate, m.SourceRef, m.Confidence,
	)
	return eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert metric")
}

func (t *pgTx) InsertEvidence(ctx context.Context, e *model.Evidence) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	const insert = `INSERT INTO evidence (id, tenant_id, prospect_id, source_document_id,
	                      source_type, source_name, source_url, content_hash, snippet, weight)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	// Each partial unique index needs its own conflict target.
	var conflict string
	switch {
	case e.SourceDocumentID != nil:
		conflict = ` ON CONFLICT (tenant_id, prospect_id, source_document_id, source_type, source_name)
		             WHERE source_document_id IS NOT NULL DO NOTHING`
	case e.SourceURL != nil:
		conflict = ` ON CONFLICT (tenant_id, prospect_id, source_type, source_name, source_url)
		             WHERE source_document_id IS NULL AND source_url IS NOT NULL DO NOTHING`
	}

	tag, err := t.tx.Exec(ctx, insert+conflict,
		e.ID, e.TenantID, e.ProspectID, e.SourceDocumentID,
		e.SourceType, e.SourceName, e.SourceURL, e.ContentHash, e.Snippet, e.Weight,
	)
	if err != nil {
		return false, eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert evidence")
	}
	return tag.RowsAffected() > 0, nil
}
