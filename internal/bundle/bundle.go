// Package bundle defines the research-bundle wire format and its validator.
// A bundle is immutable once validated; the validator is pure and runs
// before any persistence.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the supported bundle schema tag.
const Version = "run_bundle_v1"

// Bundle is the unit of scraped/assembled data submitted for ingestion.
type Bundle struct {
	Version   string    `json:"version"`
	RunID     uuid.UUID `json:"run_id,omitempty"`
	Objective string    `json:"objective,omitempty"`
	Sources   []Source  `json:"sources"`
	Companies []Company `json:"companies"`
	Trace     []Step    `json:"trace,omitempty"`
}

// Source is one raw content blob, addressed by its own SHA-256.
type Source struct {
	SHA256   string `json:"sha256"`
	Content  string `json:"content"`
	URL      string `json:"url,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ContentSHA256 computes the hex SHA-256 of the source content.
func (s Source) ContentSHA256() string {
	sum := sha256.Sum256([]byte(s.Content))
	return hex.EncodeToString(sum[:])
}

// Company is one candidate company with its metrics and evidence.
type Company struct {
	Name             string          `json:"name"`
	AIRank           int             `json:"ai_rank,omitempty"`
	AIScore          float64         `json:"ai_score,omitempty"`
	Aliases          []string        `json:"aliases,omitempty"`
	Metrics          []Metric        `json:"metrics,omitempty"`
	EvidenceSnippets []string        `json:"evidence_snippets,omitempty"`
	Evidence         []EvidenceEntry `json:"evidence,omitempty"`
	SourceSHA256Refs []string        `json:"source_sha256_refs"`
}

// SnippetCount counts evidence in both the plain and rich forms.
func (c Company) SnippetCount() int {
	return len(c.EvidenceSnippets) + len(c.Evidence)
}

// Metric is a declared typed fact. Value carries the raw JSON payload;
// the pairing of Type and Value is resolved during ingestion.
type Metric struct {
	Key        string          `json:"key"`
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value"`
	Unit       string          `json:"unit,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	AsOfDate   *time.Time      `json:"as_of_date,omitempty"`
	SourceRef  string          `json:"source_ref,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
}

// EvidenceEntry is the rich evidence form: a snippet with explicit source
// attribution. SourceSHA256, when set, must reference a bundle source.
type EvidenceEntry struct {
	Snippet      string  `json:"snippet"`
	SourceType   string  `json:"source_type"`
	SourceName   string  `json:"source_name"`
	SourceURL    string  `json:"source_url,omitempty"`
	SourceSHA256 string  `json:"source_sha256,omitempty"`
	Weight       float64 `json:"weight"`
}

// Step is one entry of an optional multi-step trace carried by the bundle.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Recognized trace step statuses.
var stepStatuses = map[string]struct{}{
	"pending":  {},
	"running":  {},
	"complete": {},
	"failed":   {},
	"skipped":  {},
}
