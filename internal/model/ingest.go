package model

import "github.com/google/uuid"

// MetricIssue records a metric skipped during ingestion, localized to its
// company so the rest of the bundle proceeds.
type MetricIssue struct {
	Company string `json:"company"`
	Key     string `json:"key"`
	Reason  string `json:"reason"`
}

// IngestResult is the readback contract for a single bundle ingestion.
type IngestResult struct {
	SourceDocumentIDs  []uuid.UUID   `json:"source_document_ids"`
	CompaniesUpserted  int           `json:"companies_upserted"`
	URLsAdded          int           `json:"urls_added"`
	EvidenceLinksAdded int           `json:"evidence_links_added"`
	MetricsAdded       int           `json:"metrics_added"`
	AliasesAdded       int           `json:"aliases_added"`
	MetricIssues       []MetricIssue `json:"metric_issues,omitempty"`
	Reused             bool          `json:"reused"`
	ReusedReason       string        `json:"reused_reason,omitempty"`
}

// ReusedReasonDuplicateHash marks a re-submission whose content hash matched
// an already-ingested bundle or source.
const ReusedReasonDuplicateHash = "duplicate_hash"
