// Package canonical implements deterministic company-name normalization.
// The normalized form is the sole deduplication key for prospects within a
// (tenant, run) scope, so every transform here must be pure: no randomness,
// no time dependence, no locale dependence.
package canonical

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are stripped iteratively until no further token matches,
// which handles compound forms like "Bank Corp, Ltd". Longer variants are
// listed before their prefixes so "corporation" never short-matches "corp".
var legalSuffixes = []string{
	" corporation",
	" incorporated",
	" limited",
	" holdings",
	" company",
	" group",
	" saog",
	" gmbh",
	" corp",
	" ltd",
	" llc",
	" plc",
	" inc",
	" ag",
	" sa",
	" co",
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize returns the canonical form of a raw company name: fold
// diacritics, lowercase, strip trailing punctuation and legal-entity
// suffixes to a fixpoint, collapse internal whitespace.
func Normalize(raw string) string {
	s, _, err := transform.String(stripMarks, raw)
	if err != nil {
		s = raw
	}
	s = strings.ToLower(strings.TrimSpace(s))

	for {
		prev := s
		s = strings.TrimRight(s, ".,;:")
		s = strings.TrimSpace(s)
		for _, suffix := range legalSuffixes {
			if strings.HasSuffix(s, suffix) {
				s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			}
		}
		if s == prev {
			break
		}
	}

	return strings.Join(strings.Fields(s), " ")
}

// NormalizeMetricKey slugs a metric key to [a-z0-9_]: lowercase, runs of
// other characters collapse to a single underscore, edges trimmed.
func NormalizeMetricKey(key string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(key)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
