package bundle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBundle() *Bundle {
	src := Source{Content: "Acme Widgets Inc. reported strong growth.", URL: "https://example.com/acme"}
	src.SHA256 = src.ContentSHA256()
	return &Bundle{
		Version: Version,
		Sources: []Source{src},
		Companies: []Company{{
			Name:             "Acme Widgets Inc.",
			EvidenceSnippets: []string{"reported strong growth"},
			SourceSHA256Refs: []string{src.SHA256},
		}},
	}
}

func TestValidateOK(t *testing.T) {
	assert.NoError(t, Validate(validBundle()))
}

func TestValidateWrongVersion(t *testing.T) {
	b := validBundle()
	b.Version = "run_bundle_v0"

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations[0], "unsupported version")
}

func TestValidateHashMismatch(t *testing.T) {
	b := validBundle()
	b.Sources[0].Content = "tampered content"

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "does not match content hash")
}

func TestValidateBadHashFormat(t *testing.T) {
	b := validBundle()
	b.Sources[0].SHA256 = "NOT-A-HASH"
	b.Companies[0].SourceSHA256Refs = []string{"NOT-A-HASH"}

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "not 64 lowercase hex chars")
}

func TestValidateDanglingRef(t *testing.T) {
	b := validBundle()
	b.Companies[0].SourceSHA256Refs = []string{strings.Repeat("ab", 32)}

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "not present in bundle sources")
	assert.Contains(t, err.Error(), "no valid source references")
}

func TestValidateNoEvidence(t *testing.T) {
	b := validBundle()
	b.Companies[0].EvidenceSnippets = nil

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "no evidence snippets")
}

func TestValidateRichEvidenceCountsAsEvidence(t *testing.T) {
	b := validBundle()
	b.Companies[0].EvidenceSnippets = nil
	b.Companies[0].Evidence = []EvidenceEntry{{
		Snippet:    "cited in filing",
		SourceType: "filing",
		SourceName: "10-K",
		Weight:     0.8,
	}}

	assert.NoError(t, Validate(b))
}

func TestValidateEvidenceWeightBounds(t *testing.T) {
	b := validBundle()
	b.Companies[0].Evidence = []EvidenceEntry{{
		Snippet:    "cited",
		SourceType: "web",
		SourceName: "page",
		Weight:     1.5,
	}}

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "outside [0,1]")
}

func TestValidateBadMetricType(t *testing.T) {
	b := validBundle()
	b.Companies[0].Metrics = []Metric{{Key: "revenue", Type: "decimal"}}

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), `unrecognized type "decimal"`)
}

func TestValidateTraceStatuses(t *testing.T) {
	b := validBundle()
	b.Trace = []Step{{Name: "scrape", Status: "complete"}, {Name: "rank", Status: "done"}}

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), `unrecognized status "done"`)
}

func TestValidateEnumeratesAllViolations(t *testing.T) {
	b := validBundle()
	b.Version = "bad"
	b.Companies[0].Name = ""
	b.Companies[0].EvidenceSnippets = nil
	b.Companies[0].Metrics = []Metric{{Key: "", Type: "nope"}}

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	// Every violation is reported, not just the first.
	assert.GreaterOrEqual(t, len(verr.Violations), 5)
}

func TestValidateDuplicateSourceHash(t *testing.T) {
	b := validBundle()
	b.Sources = append(b.Sources, b.Sources[0])

	err := Validate(b)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "duplicate sha256")
}
