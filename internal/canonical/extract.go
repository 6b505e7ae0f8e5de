package canonical

import (
	"regexp"
	"strings"
)

// Confidence tags how strongly a strategy believes a candidate is a real
// company name.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Candidate is one extracted company-name candidate.
type Candidate struct {
	Name       string     `json:"name"`
	Confidence Confidence `json:"confidence"`
	Strategy   string     `json:"strategy"`
}

// Strategy extracts candidate company names from free text. Strategies are
// interchangeable and ordered; new heuristics are added by appending to the
// chain, not by branching inside an existing one.
type Strategy interface {
	Name() string
	Extract(text string) []Candidate
}

// Chain runs strategies in order and deduplicates candidates by normalized
// name. The first strategy to produce a name wins; later duplicates are
// dropped, so order encodes trust.
type Chain struct {
	strategies []Strategy
}

// NewChain builds a chain from the given strategies.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// DefaultChain returns the standard extraction order: legal-suffix matches,
// then title-case phrases, then a plain-line fallback.
func DefaultChain() *Chain {
	return NewChain(suffixStrategy{}, titleCaseStrategy{}, plainLineStrategy{})
}

// Extract runs every strategy and returns deduplicated candidates.
func (c *Chain) Extract(text string) []Candidate {
	seen := make(map[string]struct{})
	var out []Candidate
	for _, s := range c.strategies {
		for _, cand := range s.Extract(text) {
			key := Normalize(cand.Name)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			cand.Strategy = s.Name()
			out = append(out, cand)
		}
	}
	return out
}

var suffixPattern = regexp.MustCompile(
	`([A-Z][\w&.'-]*(?:\s+[A-Z&][\w&.'-]*)*),?\s+(?:Inc|Corp|Corporation|Incorporated|LLC|Ltd|Limited|PLC|GmbH|AG|SA|SAOG|Co|Company|Group|Holdings)\.?(?:\s|,|$)`)

// suffixStrategy matches phrases terminated by a legal-entity suffix.
type suffixStrategy struct{}

func (suffixStrategy) Name() string { return "legal_suffix" }

func (suffixStrategy) Extract(text string) []Candidate {
	var out []Candidate
	for _, line := range strings.Split(text, "\n") {
		for _, m := range suffixPattern.FindAllString(line, -1) {
			name := strings.TrimSpace(strings.TrimRight(m, " ,"))
			out = append(out, Candidate{Name: name, Confidence: ConfidenceHigh})
		}
	}
	return out
}

var titleCasePattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+(?:of|the|and|&)?\s*[A-Z][a-z]+){1,5}\b`)

// titleCaseSkip holds leading words that mark sentence fragments rather
// than names.
var titleCaseSkip = map[string]struct{}{
	"the": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"our": {}, "their": {}, "other": {}, "some": {}, "many": {},
}

// titleCaseStrategy matches multi-word Title Case runs.
type titleCaseStrategy struct{}

func (titleCaseStrategy) Name() string { return "title_case" }

func (titleCaseStrategy) Extract(text string) []Candidate {
	var out []Candidate
	for _, m := range titleCasePattern.FindAllString(text, -1) {
		first := strings.ToLower(strings.Fields(m)[0])
		if _, skip := titleCaseSkip[first]; skip {
			continue
		}
		out = append(out, Candidate{Name: strings.TrimSpace(m), Confidence: ConfidenceMedium})
	}
	return out
}

var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// plainLineStrategy treats short standalone lines as low-confidence
// candidates. It is the fallback for sources that are already lists of
// names, one per line.
type plainLineStrategy struct{}

func (plainLineStrategy) Name() string { return "plain_line" }

func (plainLineStrategy) Extract(text string) []Candidate {
	var out []Candidate
	for _, line := range strings.Split(text, "\n") {
		line = bulletPrefix.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		words := strings.Fields(line)
		if len(words) == 0 || len(words) > 6 {
			continue
		}
		if !strings.ContainsFunc(line, func(r rune) bool { return r >= 'A' && r <= 'Z' }) {
			continue
		}
		out = append(out, Candidate{Name: line, Confidence: ConfidenceLow})
	}
	return out
}
