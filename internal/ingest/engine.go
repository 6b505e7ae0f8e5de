package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-ingest/internal/bundle"
	"github.com/sells-group/research-ingest/internal/canonical"
	"github.com/sells-group/research-ingest/internal/model"
	"github.com/sells-group/research-ingest/internal/resilience"
)

// Engine merges validated bundles into canonical storage. All writes for a
// bundle happen inside a single transaction; any error rolls everything back
// and leaves the job store as the only record of the attempt.
type Engine struct {
	store           Store
	maxSnippetChars int
	log             *zap.Logger
}

// SourceTypeSnippet tags evidence synthesized from a plain snippet string.
const SourceTypeSnippet = "bundle_snippet"

func NewEngine(store Store, maxSnippetChars int) *Engine {
	if maxSnippetChars <= 0 {
		maxSnippetChars = 4000
	}
	return &Engine{
		store:           store,
		maxSnippetChars: maxSnippetChars,
		log:             zap.L().With(zap.String("component", "ingest")),
	}
}

// BundleHash computes the canonical content hash used for acceptance
// deduplication: key order and formatting do not affect it.
func BundleHash(b *bundle.Bundle) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", eris.Wrap(err, "ingest: marshal bundle")
	}
	return bundle.SHA256Hex(raw)
}

// Ingest validates and merges one bundle for (tenant, run). priorBundleHash
// is the run's previously recorded bundle hash, empty when none. The
// returned counts describe the bundle's logical content; Reused reports
// whether the call produced zero net new rows.
func (e *Engine) Ingest(ctx context.Context, tenantID, runID uuid.UUID, b *bundle.Bundle, priorBundleHash string) (*model.IngestResult, error) {
	if err := bundle.Validate(b); err != nil {
		return nil, err
	}

	hash, err := BundleHash(b)
	if err != nil {
		return nil, err
	}

	res := &model.IngestResult{}
	if priorBundleHash != "" && hash == priorBundleHash {
		res.Reused = true
		res.ReusedReason = model.ReusedReasonDuplicateHash
	}

	inserted := 0
	err = e.store.WithTx(ctx, func(tx Tx) error {
		docs := make(map[string]*model.SourceDocument, len(b.Sources))
		urls := make(map[string]struct{})

		for i := range b.Sources {
			src := &b.Sources[i]
			doc := &model.SourceDocument{
				TenantID:    tenantID,
				RunID:       runID,
				ContentHash: src.SHA256,
				URL:         src.URL,
				Provider:    src.Provider,
				RawPayload:  []byte(src.Content),
			}
			created, err := tx.UpsertSourceDocument(ctx, doc)
			if err != nil {
				return err
			}
			if created {
				inserted++
			}
			docs[src.SHA256] = doc
			if src.URL != "" {
				urls[src.URL] = struct{}{}
			}
			res.SourceDocumentIDs = append(res.SourceDocumentIDs, doc.ID)
		}
		res.URLsAdded = len(urls)

		for i := range b.Companies {
			c := &b.Companies[i]
			n, err := e.mergeCompany(ctx, tx, tenantID, runID, c, docs, res)
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inserted == 0 && res.ReusedReason == "" {
		// Content-addressed reuse: every row already existed.
		res.Reused = true
		res.ReusedReason = model.ReusedReasonDuplicateHash
	}
	if inserted > 0 {
		res.Reused = false
		res.ReusedReason = ""
	}

	e.log.Info("bundle ingested",
		zap.String("run_id", runID.String()),
		zap.Int("companies", res.CompaniesUpserted),
		zap.Int("evidence_links", res.EvidenceLinksAdded),
		zap.Int("metrics", res.MetricsAdded),
		zap.Int("metric_issues", len(res.MetricIssues)),
		zap.Bool("reused", res.Reused))
	return res, nil
}

// mergeCompany upserts one company with its aliases, metrics and evidence.
// Returns the number of newly created rows.
func (e *Engine) mergeCompany(ctx context.Context, tx Tx, tenantID, runID uuid.UUID, c *bundle.Company, docs map[string]*model.SourceDocument, res *model.IngestResult) (int, error) {
	inserted := 0
	normalized := canonical.Normalize(c.Name)

	prospect, err := tx.FindProspect(ctx, tenantID, runID, normalized)
	if err != nil {
		return 0, err
	}
	if prospect == nil {
		prospect = &model.CanonicalProspect{
			ID:             uuid.New(),
			TenantID:       tenantID,
			RunID:          runID,
			NameRaw:        c.Name,
			NameNormalized: normalized,
			AIRank:         c.AIRank,
			AIScore:        c.AIScore,
			Status:         "candidate",
		}
		if err := tx.InsertProspect(ctx, prospect); err != nil {
			return 0, err
		}
		inserted++
	} else if err := tx.RefreshProspectAI(ctx, prospect.ID, c.Name, c.AIRank, c.AIScore); err != nil {
		return 0, err
	}
	res.CompaniesUpserted++

	for _, alias := range c.Aliases {
		created, err := tx.InsertAlias(ctx, &model.Alias{
			TenantID:   tenantID,
			ProspectID: prospect.ID,
			Name:       alias,
		})
		if err != nil {
			return 0, err
		}
		if created {
			inserted++
		}
		res.AliasesAdded++
	}

	for _, wm := range c.Metrics {
		metric, err := resolveMetric(tenantID, runID, prospect.ID, wm)
		if err != nil {
			var tm *resilience.TypeMismatchError
			if errors.As(err, &tm) {
				res.MetricIssues = append(res.MetricIssues, model.MetricIssue{
					Company: c.Name,
					Key:     wm.Key,
					Reason:  tm.Error(),
				})
				e.log.Warn("metric skipped",
					zap.String("company", c.Name),
					zap.String("key", wm.Key),
					zap.Error(err))
				continue
			}
			return 0, err
		}
		exists, err := tx.MetricExists(ctx, metric)
		if err != nil {
			return 0, err
		}
		if !exists {
			if err := tx.InsertMetric(ctx, metric); err != nil {
				return 0, err
			}
			inserted++
		}
		res.MetricsAdded++
	}

	n, err := e.mergeEvidence(ctx, tx, tenantID, prospect.ID, c, docs, res)
	if err != nil {
		return 0, err
	}
	return inserted + n, nil
}

func (e *Engine) mergeEvidence(ctx context.Context, tx Tx, tenantID, prospectID uuid.UUID, c *bundle.Company, docs map[string]*model.SourceDocument, res *model.IngestResult) (int, error) {
	inserted := 0

	// Plain snippets attach to the company's first source reference with a
	// deterministic synthetic source name, so re-ingestion dedupes cleanly.
	var firstDoc *model.SourceDocument
	if len(c.SourceSHA256Refs) > 0 {
		firstDoc = docs[c.SourceSHA256Refs[0]]
	}
	for _, snippet := range c.EvidenceSnippets {
		ev := &model.Evidence{
			TenantID:   tenantID,
			ProspectID: prospectID,
			SourceType: SourceTypeSnippet,
			SourceName: snippetName(snippet),
			Snippet:    e.truncate(snippet),
			Weight:     1.0,
		}
		if firstDoc != nil {
			linkDocument(ev, firstDoc)
		}
		created, err := tx.InsertEvidence(ctx, ev)
		if err != nil {
			return 0, err
		}
		if created {
			inserted++
		}
		res.EvidenceLinksAdded++
	}

	for _, entry := range c.Evidence {
		ev := &model.Evidence{
			TenantID:   tenantID,
			ProspectID: prospectID,
			SourceType: entry.SourceType,
			SourceName: entry.SourceName,
			Snippet:    e.truncate(entry.Snippet),
			Weight:     entry.Weight,
		}
		if entry.SourceURL != "" {
			u := entry.SourceURL
			ev.SourceURL = &u
		}
		if entry.SourceSHA256 != "" {
			if doc := docs[entry.SourceSHA256]; doc != nil {
				linkDocument(ev, doc)
				if entry.SourceURL != "" {
					u := entry.SourceURL
					ev.SourceURL = &u
				}
			}
		}
		// Entries with no attribution of their own anchor to the company's
		// first source reference, same as plain snippets; an unanchored
		// URL-less row would escape every uniqueness constraint.
		if ev.SourceDocumentID == nil && ev.SourceURL == nil && firstDoc != nil {
			linkDocument(ev, firstDoc)
		}
		created, err := tx.InsertEvidence(ctx, ev)
		if err != nil {
			return 0, err
		}
		if created {
			inserted++
		}
		res.EvidenceLinksAdded++
	}
	return inserted, nil
}

// linkDocument attaches evidence to a source document. Linked rows must
// carry both content_hash and source_url; documents without a URL get a
// deterministic hash-derived one so the constraint holds and duplicates
// still collapse.
func linkDocument(ev *model.Evidence, doc *model.SourceDocument) {
	id := doc.ID
	ev.SourceDocumentID = &id
	hash := doc.ContentHash
	ev.ContentHash = &hash
	url := doc.URL
	if url == "" {
		url = "sha256://" + doc.ContentHash
	}
	ev.SourceURL = &url
}

func snippetName(snippet string) string {
	sum := sha256.Sum256([]byte(snippet))
	return hex.EncodeToString(sum[:])[:16]
}

func (e *Engine) truncate(s string) string {
	if len(s) <= e.maxSnippetChars {
		return s
	}
	return s[:e.maxSnippetChars]
}

// resolveMetric validates the type/value pairing at the boundary and maps
// the wire metric onto its single matching value column.
func resolveMetric(tenantID, runID, prospectID uuid.UUID, wm bundle.Metric) (*model.Metric, error) {
	m := &model.Metric{
		TenantID:   tenantID,
		RunID:      runID,
		ProspectID: prospectID,
		MetricKey:  canonical.NormalizeMetricKey(wm.Key),
		ValueType:  model.ValueType(wm.Type),
		Unit:       wm.Unit,
		Currency:   wm.Currency,
		AsOfDate:   wm.AsOfDate,
		SourceRef:  wm.SourceRef,
		Confidence: wm.Confidence,
	}

	switch m.ValueType {
	case model.ValueTypeNumber:
		var v float64
		if err := strictUnmarshal(wm.Value, &v); err != nil {
			return nil, mismatch(wm, "number")
		}
		m.ValueNumber = &v
	case model.ValueTypeText:
		var v string
		if err := strictUnmarshal(wm.Value, &v); err != nil {
			return nil, mismatch(wm, "string")
		}
		m.ValueText = &v
	case model.ValueTypeBool:
		var v bool
		if err := strictUnmarshal(wm.Value, &v); err != nil {
			return nil, mismatch(wm, "bool")
		}
		m.ValueBool = &v
	case model.ValueTypeJSON:
		canon, err := bundle.CanonicalJSON(wm.Value)
		if err != nil {
			return nil, mismatch(wm, "json")
		}
		m.ValueJSON = canon
	default:
		return nil, &resilience.TypeMismatchError{
			Key:      wm.Key,
			Declared: wm.Type,
			Got:      "unrecognized value type",
		}
	}
	return m, nil
}

func strictUnmarshal(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return eris.New("empty value")
	}
	return json.Unmarshal(raw, dst)
}

func mismatch(wm bundle.Metric, want string) error {
	return &resilience.TypeMismatchError{
		Key:      wm.Key,
		Declared: wm.Type,
		Got:      fmt.Sprintf("value %s is not a %s", compact(wm.Value), want),
	}
}

func compact(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 64 {
		s = s[:64] + "…"
	}
	return s
}
