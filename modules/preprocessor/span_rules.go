package preprocessor

import (
	"regexp"
	"strings"

	"github.com/relayproxy/relay/pkg/entity"
)

type spanAddTag struct {
	name        string
	tag         string
	value       string
	ifNotExists bool
}

func (r *spanAddTag) Name() string { return r.name }

func (r *spanAddTag) Apply(s *entity.Span) bool {
	if r.ifNotExists {
		if _, ok := s.Annotation(r.tag); ok {
			return false
		}
	}
	s.Annotations = append(s.Annotations, entity.Annotation{
		Key:   r.tag,
		Value: expand(r.value, spanLookup(s)),
	})
	return true
}

type spanDropTag struct {
	name    string
	keyRe   *regexp.Regexp
	valueRe *regexp.Regexp
}

func (r *spanDropTag) Name() string { return r.name }

func (r *spanDropTag) Apply(s *entity.Span) bool {
	kept := s.Annotations[:0]
	applied := false
	for _, a := range s.Annotations {
		if r.keyRe.MatchString(a.Key) && (r.valueRe == nil || r.valueRe.MatchString(a.Value)) {
			applied = true
			continue
		}
		kept = append(kept, a)
	}
	s.Annotations = kept
	return applied
}

type spanRenameTag struct {
	name    string
	tag     string
	newTag  string
	valueRe *regexp.Regexp
}

func (r *spanRenameTag) Name() string { return r.name }

func (r *spanRenameTag) Apply(s *entity.Span) bool {
	applied := false
	for i := range s.Annotations {
		if s.Annotations[i].Key != r.tag {
			continue
		}
		if r.valueRe != nil && !r.valueRe.MatchString(s.Annotations[i].Value) {
			continue
		}
		s.Annotations[i].Key = r.newTag
		applied = true
	}
	return applied
}

type spanExtractTag struct {
	name           string
	tag            string
	input          string
	searchRe       *regexp.Regexp
	replace        string
	replaceInput   string
	hasRewrite     bool
	firstMatchOnly bool
}

func (r *spanExtractTag) Name() string { return r.name }

func (r *spanExtractTag) Apply(s *entity.Span) bool {
	switch r.input {
	case scopeSpanName, scopeSourceName:
		in := s.Name
		if r.input == scopeSourceName {
			in = s.Source
		}
		if !r.searchRe.MatchString(in) {
			return false
		}
		r.emit(s, in)
		if r.hasRewrite {
			out := r.searchRe.ReplaceAllString(in, expand(r.replaceInput, spanLookup(s)))
			if r.input == scopeSourceName {
				s.Source = out
			} else {
				s.Name = out
			}
		}
		return true
	default:
		applied := false
		for i := range s.Annotations {
			if s.Annotations[i].Key != r.input || !r.searchRe.MatchString(s.Annotations[i].Value) {
				continue
			}
			r.emit(s, s.Annotations[i].Value)
			if r.hasRewrite {
				s.Annotations[i].Value = r.searchRe.ReplaceAllString(
					s.Annotations[i].Value, expand(r.replaceInput, spanLookup(s)))
			}
			applied = true
			if r.firstMatchOnly {
				break
			}
		}
		return applied
	}
}

func (r *spanExtractTag) emit(s *entity.Span, in string) {
	extracted := r.searchRe.ReplaceAllString(in, expand(r.replace, spanLookup(s)))
	if extracted != "" {
		s.Annotations = append(s.Annotations, entity.Annotation{Key: r.tag, Value: extracted})
	}
}

type spanLimitLength struct {
	name           string
	scope          string
	maxLength      int
	action         lengthAction
	matchRe        *regexp.Regexp
	firstMatchOnly bool
}

func (r *spanLimitLength) Name() string { return r.name }

func (r *spanLimitLength) Apply(s *entity.Span) bool {
	switch r.scope {
	case scopeSpanName, scopeSourceName:
		v := s.Name
		if r.scope == scopeSourceName {
			v = s.Source
		}
		if len(v) <= r.maxLength || (r.matchRe != nil && !r.matchRe.MatchString(v)) {
			return false
		}
		out := truncate(v, r.maxLength, r.action)
		if r.scope == scopeSourceName {
			s.Source = out
		} else {
			s.Name = out
		}
		return true
	default:
		applied := false
		kept := s.Annotations[:0]
		for _, a := range s.Annotations {
			if a.Key == r.scope && len(a.Value) > r.maxLength &&
				(r.matchRe == nil || r.matchRe.MatchString(a.Value)) &&
				(!r.firstMatchOnly || !applied) {
				if r.action == actionDrop {
					applied = true
					continue
				}
				a.Value = truncate(a.Value, r.maxLength, r.action)
				applied = true
			}
			kept = append(kept, a)
		}
		s.Annotations = kept
		return applied
	}
}

type spanForceLowercase struct {
	name           string
	scope          string
	matchRe        *regexp.Regexp
	firstMatchOnly bool
}

func (r *spanForceLowercase) Name() string { return r.name }

func (r *spanForceLowercase) Apply(s *entity.Span) bool {
	return spanRewrite(s, r.scope, r.matchRe, r.firstMatchOnly, strings.ToLower)
}

type spanReplaceRegex struct {
	name           string
	scope          string
	searchRe       *regexp.Regexp
	replace        string
	matchRe        *regexp.Regexp
	firstMatchOnly bool
}

func (r *spanReplaceRegex) Name() string { return r.name }

func (r *spanReplaceRegex) Apply(s *entity.Span) bool {
	return spanRewrite(s, r.scope, r.matchRe, r.firstMatchOnly, func(v string) string {
		return r.searchRe.ReplaceAllString(v, expand(r.replace, spanLookup(s)))
	})
}

// spanRewrite applies f to the scoped field, honoring the optional match
// gate and firstMatchOnly for annotation scopes.
func spanRewrite(s *entity.Span, scope string, matchRe *regexp.Regexp,
	firstMatchOnly bool, f func(string) string) bool {
	switch scope {
	case scopeSpanName:
		if matchRe != nil && !matchRe.MatchString(s.Name) {
			return false
		}
		if out := f(s.Name); out != s.Name {
			s.Name = out
			return true
		}
		return false
	case scopeSourceName:
		if matchRe != nil && !matchRe.MatchString(s.Source) {
			return false
		}
		if out := f(s.Source); out != s.Source {
			s.Source = out
			return true
		}
		return false
	default:
		applied := false
		for i := range s.Annotations {
			if s.Annotations[i].Key != scope {
				continue
			}
			if matchRe != nil && !matchRe.MatchString(s.Annotations[i].Value) {
				continue
			}
			if out := f(s.Annotations[i].Value); out != s.Annotations[i].Value {
				s.Annotations[i].Value = out
				applied = true
				if firstMatchOnly {
					return true
				}
			}
		}
		return applied
	}
}
