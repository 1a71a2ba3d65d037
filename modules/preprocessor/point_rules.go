package preprocessor

import (
	"regexp"
	"strings"

	"github.com/relayproxy/relay/pkg/entity"
)

// Point field scopes. Any other scope string addresses a tag by key.
const (
	scopeMetricName = "metricName"
	scopeSourceName = "sourceName"
	scopeSpanName   = "spanName"
)

func pointGet(p *entity.ReportPoint, scope string) (string, bool) {
	switch scope {
	case scopeMetricName:
		return p.Metric, true
	case scopeSourceName:
		return p.Source, true
	default:
		v, ok := p.Annotations[scope]
		return v, ok
	}
}

func pointSet(p *entity.ReportPoint, scope, value string) {
	switch scope {
	case scopeMetricName:
		p.Metric = value
	case scopeSourceName:
		p.Source = value
	default:
		if p.Annotations == nil {
			p.Annotations = make(map[string]string)
		}
		p.Annotations[scope] = value
	}
}

type pointAddTag struct {
	name        string
	tag         string
	value       string
	ifNotExists bool
}

func (r *pointAddTag) Name() string { return r.name }

func (r *pointAddTag) Apply(p *entity.ReportPoint) bool {
	if r.ifNotExists {
		if _, ok := p.Annotations[r.tag]; ok {
			return false
		}
	}
	if p.Annotations == nil {
		p.Annotations = make(map[string]string)
	}
	p.Annotations[r.tag] = expand(r.value, pointLookup(p))
	return true
}

type pointDropTag struct {
	name    string
	keyRe   *regexp.Regexp
	valueRe *regexp.Regexp
}

func (r *pointDropTag) Name() string { return r.name }

func (r *pointDropTag) Apply(p *entity.ReportPoint) bool {
	applied := false
	for k, v := range p.Annotations {
		if !r.keyRe.MatchString(k) {
			continue
		}
		if r.valueRe != nil && !r.valueRe.MatchString(v) {
			continue
		}
		delete(p.Annotations, k)
		applied = true
	}
	return applied
}

type pointRenameTag struct {
	name    string
	tag     string
	newTag  string
	valueRe *regexp.Regexp
}

func (r *pointRenameTag) Name() string { return r.name }

func (r *pointRenameTag) Apply(p *entity.ReportPoint) bool {
	v, ok := p.Annotations[r.tag]
	if !ok {
		return false
	}
	if r.valueRe != nil && !r.valueRe.MatchString(v) {
		return false
	}
	delete(p.Annotations, r.tag)
	p.Annotations[r.newTag] = v
	return true
}

type pointExtractTag struct {
	name         string
	tag          string
	input        string
	searchRe     *regexp.Regexp
	replace      string
	replaceInput string
	hasRewrite   bool
}

func (r *pointExtractTag) Name() string { return r.name }

func (r *pointExtractTag) Apply(p *entity.ReportPoint) bool {
	in, ok := pointGet(p, r.input)
	if !ok || !r.searchRe.MatchString(in) {
		return false
	}
	replace := expand(r.replace, pointLookup(p))
	extracted := r.searchRe.ReplaceAllString(in, replace)
	if extracted != "" {
		if p.Annotations == nil {
			p.Annotations = make(map[string]string)
		}
		p.Annotations[r.tag] = extracted
	}
	if r.hasRewrite {
		pointSet(p, r.input, r.searchRe.ReplaceAllString(in, expand(r.replaceInput, pointLookup(p))))
	}
	return true
}

type pointLimitLength struct {
	name      string
	scope     string
	maxLength int
	action    lengthAction
	matchRe   *regexp.Regexp
}

func (r *pointLimitLength) Name() string { return r.name }

func (r *pointLimitLength) Apply(p *entity.ReportPoint) bool {
	v, ok := pointGet(p, r.scope)
	if !ok || len(v) <= r.maxLength {
		return false
	}
	if r.matchRe != nil && !r.matchRe.MatchString(v) {
		return false
	}
	switch r.action {
	case actionDrop:
		// DROP only makes sense for tags; config validation enforces that.
		delete(p.Annotations, r.scope)
	default:
		pointSet(p, r.scope, truncate(v, r.maxLength, r.action))
	}
	return true
}

type pointForceLowercase struct {
	name    string
	scope   string
	matchRe *regexp.Regexp
}

func (r *pointForceLowercase) Name() string { return r.name }

func (r *pointForceLowercase) Apply(p *entity.ReportPoint) bool {
	v, ok := pointGet(p, r.scope)
	if !ok {
		return false
	}
	if r.matchRe != nil && !r.matchRe.MatchString(v) {
		return false
	}
	lower := strings.ToLower(v)
	if lower == v {
		return false
	}
	pointSet(p, r.scope, lower)
	return true
}

type pointReplaceRegex struct {
	name     string
	scope    string
	searchRe *regexp.Regexp
	replace  string
	matchRe  *regexp.Regexp
}

func (r *pointReplaceRegex) Name() string { return r.name }

func (r *pointReplaceRegex) Apply(p *entity.ReportPoint) bool {
	v, ok := pointGet(p, r.scope)
	if !ok {
		return false
	}
	if r.matchRe != nil && !r.matchRe.MatchString(v) {
		return false
	}
	replaced := r.searchRe.ReplaceAllString(v, expand(r.replace, pointLookup(p)))
	if replaced == v {
		return false
	}
	pointSet(p, r.scope, replaced)
	return true
}

type lengthAction int

const (
	actionTruncate lengthAction = iota
	actionTruncateWithEllipsis
	actionDrop
)

func truncate(s string, max int, action lengthAction) string {
	if action == actionTruncateWithEllipsis && max > 3 {
		return s[:max-3] + "..."
	}
	return s[:max]
}
