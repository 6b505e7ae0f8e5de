package bundle

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError enumerates every violation found in a bundle, not just
// the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bundle validation failed: %s", strings.Join(e.Violations, "; "))
}

var hexSHA256 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Validate checks structural and referential integrity. It is pure: no
// persistence, no I/O. A nil return means the bundle is safe to ingest.
func Validate(b *Bundle) error {
	var violations []string
	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if b.Version != Version {
		add("unsupported version %q (want %q)", b.Version, Version)
	}
	if len(b.Sources) == 0 {
		add("bundle has no sources")
	}
	if len(b.Companies) == 0 {
		add("bundle has no companies")
	}

	declared := make(map[string]struct{}, len(b.Sources))
	for i, src := range b.Sources {
		if !hexSHA256.MatchString(src.SHA256) {
			add("source[%d]: sha256 %q is not 64 lowercase hex chars", i, src.SHA256)
		} else if got := src.ContentSHA256(); got != src.SHA256 {
			add("source[%d]: declared sha256 %s does not match content hash %s", i, src.SHA256, got)
		}
		if _, dup := declared[src.SHA256]; dup {
			add("source[%d]: duplicate sha256 %s", i, src.SHA256)
		}
		declared[src.SHA256] = struct{}{}
	}

	for i, c := range b.Companies {
		if strings.TrimSpace(c.Name) == "" {
			add("company[%d]: empty name", i)
		}
		if c.SnippetCount() == 0 {
			add("company[%d] %q: no evidence snippets", i, c.Name)
		}
		validRefs := 0
		for j, ref := range c.SourceSHA256Refs {
			if _, ok := declared[ref]; !ok {
				add("company[%d] %q: source_sha256_refs[%d] %s not present in bundle sources", i, c.Name, j, ref)
				continue
			}
			validRefs++
		}
		if validRefs == 0 {
			add("company[%d] %q: no valid source references", i, c.Name)
		}
		for j, m := range c.Metrics {
			if strings.TrimSpace(m.Key) == "" {
				add("company[%d] %q: metric[%d] has empty key", i, c.Name, j)
			}
			switch m.Type {
			case "number", "text", "bool", "json":
			default:
				add("company[%d] %q: metric[%d] %q has unrecognized type %q", i, c.Name, j, m.Key, m.Type)
			}
		}
		for j, ev := range c.Evidence {
			if strings.TrimSpace(ev.Snippet) == "" {
				add("company[%d] %q: evidence[%d] has empty snippet", i, c.Name, j)
			}
			if ev.Weight < 0 || ev.Weight > 1 {
				add("company[%d] %q: evidence[%d] weight %v outside [0,1]", i, c.Name, j, ev.Weight)
			}
			if ev.SourceSHA256 != "" {
				if _, ok := declared[ev.SourceSHA256]; !ok {
					add("company[%d] %q: evidence[%d] references unknown source %s", i, c.Name, j, ev.SourceSHA256)
				}
			}
		}
	}

	for i, step := range b.Trace {
		if _, ok := stepStatuses[step.Status]; !ok {
			add("trace[%d] %q: unrecognized status %q", i, step.Name, step.Status)
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
