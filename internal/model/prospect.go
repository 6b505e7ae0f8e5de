package model

import (
	"time"

	"github.com/google/uuid"
)

// CanonicalProspect is a deduplicated candidate company within a run.
// One row exists per (tenant, run, name_normalized).
//
// Two field groups are mutated by disjoint code paths: AI-origin fields
// (AIRank, AIScore, Status) are refreshed on every ingestion; manual-origin
// fields (ManualPriority, IsPinned, Notes) are written only by operator
// actions and never touched by ingestion.
type CanonicalProspect struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	RunID          uuid.UUID `json:"run_id"`
	NameRaw        string    `json:"name_raw"`
	NameNormalized string    `json:"name_normalized"`
	AIRank         int       `json:"ai_rank"`
	AIScore        float64   `json:"ai_score"`
	ManualPriority *int      `json:"manual_priority,omitempty"`
	IsPinned       bool      `json:"is_pinned"`
	Notes          string    `json:"notes,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ValueType tags which value column a metric populates.
type ValueType string

const (
	ValueTypeNumber ValueType = "number"
	ValueTypeText   ValueType = "text"
	ValueTypeBool   ValueType = "bool"
	ValueTypeJSON   ValueType = "json"
)

// Valid reports whether the tag is a recognized value type.
func (v ValueType) Valid() bool {
	switch v {
	case ValueTypeNumber, ValueTypeText, ValueTypeBool, ValueTypeJSON:
		return true
	}
	return false
}

// Metric is a typed fact about a prospect. Exactly one of the value columns
// is populated, matching ValueType. Idempotency identity is the full tuple
// (tenant, run, prospect, key, value_type, as_of_date, source_ref, values).
type Metric struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	RunID       uuid.UUID  `json:"run_id"`
	ProspectID  uuid.UUID  `json:"prospect_id"`
	MetricKey   string     `json:"metric_key"`
	ValueType   ValueType  `json:"value_type"`
	ValueNumber *float64   `json:"value_number,omitempty"`
	ValueText   *string    `json:"value_text,omitempty"`
	ValueBool   *bool      `json:"value_bool,omitempty"`
	ValueJSON   []byte     `json:"value_json,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	AsOfDate    *time.Time `json:"as_of_date,omitempty"`
	SourceRef   string     `json:"source_ref,omitempty"`
	Confidence  float64    `json:"confidence"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Evidence is one append-only row in the evidence ledger. Rows are never
// updated or deleted once written.
//
// A linked row (SourceDocumentID set) must carry both ContentHash and
// SourceURL; an unlinked row must not carry a ContentHash.
type Evidence struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         uuid.UUID  `json:"tenant_id"`
	ProspectID       uuid.UUID  `json:"prospect_id"`
	SourceDocumentID *uuid.UUID `json:"source_document_id,omitempty"`
	SourceType       string     `json:"source_type"`
	SourceName       string     `json:"source_name"`
	SourceURL        *string    `json:"source_url,omitempty"`
	ContentHash      *string    `json:"content_hash,omitempty"`
	Snippet          string     `json:"snippet,omitempty"`
	Weight           float64    `json:"weight"`
	CreatedAt        time.Time  `json:"created_at"`
}

// SourceDocument is a content-addressed raw source. Deduplicated by
// (tenant, run, content_hash), falling back to (tenant, run, url).
type SourceDocument struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	RunID       uuid.UUID `json:"run_id"`
	ContentHash string    `json:"content_hash"`
	URL         string    `json:"url,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	RawPayload  []byte    `json:"raw_payload,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alias is an alternate name recorded for a prospect, deduplicated per
// (tenant, prospect, name).
type Alias struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ProspectID uuid.UUID `json:"prospect_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}
