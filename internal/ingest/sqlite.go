package ingest

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-ingest/internal/model"
	"github.com/sells-group/research-ingest/internal/resilience"
)

// SQLiteStore implements Store on a database/sql handle, typically shared
// with the SQLite job store so ingestion and job state live in one file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_documents (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	url          TEXT,
	provider     TEXT NOT NULL DEFAULT '',
	raw_payload  BLOB,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_sourcedocs_hash
	ON source_documents(tenant_id, run_id, content_hash);
CREATE UNIQUE INDEX IF NOT EXISTS ux_sourcedocs_url
	ON source_documents(tenant_id, run_id, url) WHERE url IS NOT NULL;

CREATE TABLE IF NOT EXISTS prospects (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	name_raw        TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	ai_rank         INTEGER NOT NULL DEFAULT 0,
	ai_score        REAL NOT NULL DEFAULT 0,
	manual_priority INTEGER,
	is_pinned       INTEGER NOT NULL DEFAULT 0,
	notes           TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'candidate',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (tenant_id, run_id, name_normalized)
);

CREATE TABLE IF NOT EXISTS prospect_aliases (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	prospect_id TEXT NOT NULL REFERENCES prospects(id),
	name        TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (tenant_id, prospect_id, name)
);

CREATE TABLE IF NOT EXISTS metrics (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	prospect_id  TEXT NOT NULL REFERENCES prospects(id),
	metric_key   TEXT NOT NULL,
	value_type   TEXT NOT NULL,
	value_number REAL,
	value_text   TEXT,
	value_bool   INTEGER,
	value_json   TEXT,
	unit         TEXT NOT NULL DEFAULT '',
	currency     TEXT NOT NULL DEFAULT '',
	as_of_date   DATETIME,
	source_ref   TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	CHECK (
		(value_type = 'number' AND value_number IS NOT NULL AND value_text IS NULL AND value_bool IS NULL AND value_json IS NULL) OR
		(value_type = 'text'   AND value_text   IS NOT NULL AND value_number IS NULL AND value_bool IS NULL AND value_json IS NULL) OR
		(value_type = 'bool'   AND value_bool   IS NOT NULL AND value_number IS NULL AND value_text IS NULL AND value_json IS NULL) OR
		(value_type = 'json'   AND value_json   IS NOT NULL AND value_number IS NULL AND value_text IS NULL AND value_bool IS NULL)
	)
);

CREATE INDEX IF NOT EXISTS idx_metrics_prospect ON metrics(prospect_id, metric_key);

CREATE TABLE IF NOT EXISTS evidence (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	prospect_id        TEXT NOT NULL REFERENCES prospects(id),
	source_document_id TEXT REFERENCES source_documents(id),
	source_type        TEXT NOT NULL,
	source_name        TEXT NOT NULL,
	source_url         TEXT,
	content_hash       TEXT,
	snippet            TEXT NOT NULL DEFAULT '',
	weight             REAL NOT NULL DEFAULT 1.0,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	CHECK (weight >= 0.0 AND weight <= 1.0),
	CHECK (source_document_id IS NULL OR (content_hash IS NOT NULL AND source_url IS NOT NULL)),
	CHECK (content_hash IS NULL OR source_document_id IS NOT NULL)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_evidence_linked
	ON evidence(tenant_id, prospect_id, source_document_id, source_type, source_name)
	WHERE source_document_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ux_evidence_unlinked
	ON evidence(tenant_id, prospect_id, source_type, source_name, source_url)
	WHERE source_document_id IS NULL AND source_url IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_evidence_prospect ON evidence(prospect_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "ingest: sqlite migrate")
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "ingest: sqlite begin")
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "ingest: sqlite commit")
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) UpsertSourceDocument(ctx context.Context, doc *model.SourceDocument) (bool, error) {
	var id string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM source_documents WHERE tenant_id = ? AND run_id = ? AND content_hash = ?`,
		doc.TenantID.String(), doc.RunID.String(), doc.ContentHash,
	).Scan(&id)
	if err == nil {
		doc.ID, err = uuid.Parse(id)
		return false, eris.Wrap(err, "ingest: parse source document id")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrap(err, "ingest: lookup source document by hash")
	}

	if doc.URL != "" {
		err = t.tx.QueryRowContext(ctx,
			`SELECT id FROM source_documents WHERE tenant_id = ? AND run_id = ? AND url = ?`,
			doc.TenantID.String(), doc.RunID.String(), doc.URL,
		).Scan(&id)
		if err == nil {
			doc.ID, err = uuid.Parse(id)
			return false, eris.Wrap(err, "ingest: parse source document id")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, eris.Wrap(err, "ingest: lookup source document by url")
		}
	}

	doc.ID = uuid.New()
	var url any
	if doc.URL != "" {
		url = doc.URL
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO source_documents (id, tenant_id, run_id, content_hash, url, provider, raw_payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID.String(), doc.TenantID.String(), doc.RunID.String(), doc.ContentHash, url, doc.Provider, doc.RawPayload,
	)
	if err != nil {
		return false, eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert source document")
	}
	return true, nil
}

func (t *sqliteTx) FindProspect(ctx context.Context, tenantID, runID uuid.UUID, nameNormalized string) (*model.CanonicalProspect, error) {
	var p model.CanonicalProspect
	var id, tID, rID string
	var pinned int
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, tenant_id, run_id, name_raw, name_normalized, ai_rank, ai_score,
		        manual_priority, is_pinned, notes, status, created_at, updated_at
		 FROM prospects WHERE tenant_id = ? AND run_id = ? AND name_normalized = ?`,
		tenantID.String(), runID.String(), nameNormalized,
	).Scan(&id, &tID, &rID, &p.NameRaw, &p.NameNormalized, &p.AIRank, &p.AIScore,
		&p.ManualPriority, &pinned, &p.Notes, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: find prospect")
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, eris.Wrap(err, "ingest: parse prospect id")
	}
	p.TenantID = tenantID
	p.RunID = runID
	p.IsPinned = pinned != 0
	return &p, nil
}

func (t *sqliteTx) InsertProspect(ctx context.Context, p *model.CanonicalProspect) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO prospects (id, tenant_id, run_id, name_raw, name_normalized, ai_rank, ai_score, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.TenantID.String(), p.RunID.String(), p.NameRaw, p.NameNormalized, p.AIRank, p.AIScore, p.Status,
	)
	return eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert prospect")
}

func (t *sqliteTx) RefreshProspectAI(ctx context.Context, id uuid.UUID, nameRaw string, aiRank int, aiScore float64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE prospects SET name_raw = ?, ai_rank = ?, ai_score = ?, updated_at = datetime('now') WHERE id = ?`,
		nameRaw, aiRank, aiScore, id.String(),
	)
	return eris.Wrap(err, "ingest: refresh prospect")
}

func (t *sqliteTx) InsertAlias(ctx context.Context, a *model.Alias) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO prospect_aliases (id, tenant_id, prospect_id, name) VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		a.ID.String(), a.TenantID.String(), a.ProspectID.String(), a.Name,
	)
	if err != nil {
		return false, eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert alias")
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "ingest: alias rows affected")
}

func (t *sqliteTx) MetricExists(ctx context.Context, m *model.Metric) (bool, error) {
	// SQLite's IS operator is the NULL-safe equality used for the optional
	// value columns.
	var exists bool
	var valueBool any
	if m.ValueBool != nil {
		valueBool = *m.ValueBool
	}
	var valueJSON any
	if m.ValueJSON != nil {
		valueJSON = string(m.ValueJSON)
	}
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM metrics
		   WHERE tenant_id = ? AND run_id = ? AND prospect_id = ?
		     AND metric_key = ? AND value_type = ?
		     AND value_number IS ?
		     AND value_text   IS ?
		     AND value_bool   IS ?
		     AND value_json   IS ?
		     AND as_of_date   IS ?
		     AND source_ref = ?
		 )`,
		m.TenantID.String(), m.RunID.String(), m.ProspectID.String(), m.MetricKey, string(m.ValueType),
		m.ValueNumber, m.ValueText, valueBool, valueJSON, m.AsOfDate, m.SourceRef,
	).Scan(&exists)
	return exists, eris.Wrap(err, "ingest: metric identity check")
}

func (t *sqliteTx) InsertMetric(ctx context.Context, m *model.Metric) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var valueBool any
	if m.ValueBool != nil {
		valueBool = *m.ValueBool
	}
	var valueJSON any
	if m.ValueJSON != nil {
		valueJSON = string(m.ValueJSON)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO metrics (id, tenant_id, run_id, prospect_id, metric_key, value_type,
		                      value_number, value_text, value_bool, value_json,
		                      unit, currency, as_of_date, source_ref, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.TenantID.String(), m.RunID.String(), m.ProspectID.String(), m.MetricKey, string(m.ValueType),
		m.ValueNumber, m.ValueText, valueBool, valueJSON,
		m.Unit, m.Currency, m.AsOfDate, m.SourceRef, m.Confidence,
	)
	return eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert metric")
}

func (t *sqliteTx) InsertEvidence(ctx context.Context, e *model.Evidence) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var docID any
	if e.SourceDocumentID != nil {
		docID = e.SourceDocumentID.String()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO evidence (id, tenant_id, prospect_id, source_document_id,
		                      source_type, source_name, source_url, content_hash, snippet, weight)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		e.ID.String(), e.TenantID.String(), e.ProspectID.String(), docID,
		e.SourceType, e.SourceName, e.SourceURL, e.ContentHash, e.Snippet, e.Weight,
	)
	if err != nil {
		return false, eris.Wrap(resilience.WrapIntegrity(err), "ingest: insert evidence")
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "ingest: evidence rows affected")
}
