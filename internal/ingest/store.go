// Package ingest merges validated research bundles into canonical,
// deduplicated, evidence-backed storage. The engine is idempotent:
// re-ingesting an identical bundle produces zero new rows and reports reuse.
package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/sells-group/research-ingest/internal/model"
)

// Tx is the set of canonical-table operations available inside a single
// ingestion transaction. Implementations map these onto Postgres or SQLite;
// the engine never touches the canonical tables outside a Tx.
type Tx interface {
	// UpsertSourceDocument finds or creates a source document keyed by
	// (tenant, run, content_hash), falling back to (tenant, run, url).
	// It sets doc.ID and reports whether a new row was created.
	UpsertSourceDocument(ctx context.Context, doc *model.SourceDocument) (created bool, err error)

	// FindProspect returns the prospect for (tenant, run, name_normalized),
	// or nil when none exists.
	FindProspect(ctx context.Context, tenantID, runID uuid.UUID, nameNormalized string) (*model.CanonicalProspect, error)

	// InsertProspect creates a new prospect row.
	InsertProspect(ctx context.Context, p *model.CanonicalProspect) error

	// RefreshProspectAI overwrites the AI-origin fields of an existing
	// prospect. Manual-origin fields are never touched by this path.
	RefreshProspectAI(ctx context.Context, id uuid.UUID, nameRaw string, aiRank int, aiScore float64) error

	// InsertAlias records an alternate name, deduplicated per
	// (tenant, prospect, name). Reports whether a new row was created.
	InsertAlias(ctx context.Context, a *model.Alias) (created bool, err error)

	// MetricExists checks the full identity tuple of a metric against
	// existing rows.
	MetricExists(ctx context.Context, m *model.Metric) (bool, error)

	// InsertMetric appends a new metric row.
	InsertMetric(ctx context.Context, m *model.Metric) error

	// InsertEvidence appends one evidence row, silently absorbing duplicates
	// per the ledger's uniqueness rules. Reports whether a row was created.
	InsertEvidence(ctx context.Context, e *model.Evidence) (created bool, err error)
}

// Store provides transactional access to the canonical tables.
type Store interface {
	// WithTx runs fn inside one transaction; any error rolls back all writes.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Migrate(ctx context.Context) error
}
