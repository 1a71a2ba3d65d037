package preprocessor

import (
	"regexp"
	"strings"

	"github.com/relayproxy/relay/pkg/entity"
)

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// expand substitutes {{...}} placeholders using lookup. Placeholders the
// lookup does not recognize expand to the empty string.
func expand(template string, lookup func(name string) string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		return lookup(strings.TrimSpace(m[2 : len(m)-2]))
	})
}

// pointLookup resolves {{source}}, {{metric}} and {{annotation.X}} against a
// point.
func pointLookup(p *entity.ReportPoint) func(string) string {
	return func(name string) string {
		switch name {
		case "source", "sourceName":
			return p.Source
		case "metric", "metricName":
			return p.Metric
		}
		if key, ok := strings.CutPrefix(name, "annotation."); ok {
			return p.Annotations[key]
		}
		return ""
	}
}

// spanLookup resolves {{source}}, {{spanName}} and {{annotation.X}} against a
// span.
func spanLookup(s *entity.Span) func(string) string {
	return func(name string) string {
		switch name {
		case "source", "sourceName":
			return s.Source
		case "spanName":
			return s.Name
		}
		if key, ok := strings.CutPrefix(name, "annotation."); ok {
			if v, found := s.Annotation(key); found {
				return v
			}
		}
		return ""
	}
}
