package preprocessor

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// GlobalHandle is the pseudo-handle whose rules run ahead of every
// handle-specific chain.
const GlobalHandle = "global"

// RuleSpec is one rule as written in the rules file. Which fields are
// required depends on the action.
type RuleSpec struct {
	Rule   string `yaml:"rule"`
	Action string `yaml:"action"`

	Scope   string `yaml:"scope"`
	Tag     string `yaml:"tag"`
	Value   string `yaml:"value"`
	NewTag  string `yaml:"newtag"`
	Input   string `yaml:"input"`
	Search  string `yaml:"search"`
	Replace string `yaml:"replace"`
	Match   string `yaml:"match"`

	MaxLength      int    `yaml:"maxLength"`
	ActionSubtype  string `yaml:"actionSubtype"`
	ReplaceInput   string `yaml:"replaceInput"`
	FirstMatchOnly bool   `yaml:"firstMatchOnly"`
}

// Registry holds the compiled rule chains per handle. Point and span rules
// live in the same file; the action prefix picks the entity type.
type Registry struct {
	points map[string]*PointPreprocessor
	spans  map[string]*SpanPreprocessor
}

// Load reads and compiles a rules file. A missing path yields an empty
// registry, not an error.
func Load(path string) (*Registry, error) {
	reg := &Registry{
		points: make(map[string]*PointPreprocessor),
		spans:  make(map[string]*SpanPreprocessor),
	}
	if path == "" {
		return reg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading preprocessor rules")
	}
	var file map[string][]RuleSpec
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, "parsing preprocessor rules")
	}
	for handle, specs := range file {
		for i, spec := range specs {
			if spec.Rule == "" {
				spec.Rule = fmt.Sprintf("%s-rule-%d", handle, i)
			}
			if err := reg.compile(handle, spec); err != nil {
				return nil, errors.Wrapf(err, "rule %q on handle %q", spec.Rule, handle)
			}
		}
	}
	return reg, nil
}

// ForPoints returns the combined global + handle chain for points, or nil
// when no rules apply.
func (reg *Registry) ForPoints(handle string) *PointPreprocessor {
	return combinePoint(reg.points[GlobalHandle], reg.points[handle])
}

// ForSpans returns the combined global + handle chain for spans.
func (reg *Registry) ForSpans(handle string) *SpanPreprocessor {
	return combineSpan(reg.spans[GlobalHandle], reg.spans[handle])
}

func combinePoint(global, local *PointPreprocessor) *PointPreprocessor {
	if global == nil {
		return local
	}
	if local == nil {
		return global
	}
	return &PointPreprocessor{
		rules:   append(append([]PointRule{}, global.rules...), local.rules...),
		metrics: append(append([]*RuleMetrics{}, global.metrics...), local.metrics...),
	}
}

func combineSpan(global, local *SpanPreprocessor) *SpanPreprocessor {
	if global == nil {
		return local
	}
	if local == nil {
		return global
	}
	return &SpanPreprocessor{
		rules:   append(append([]SpanRule{}, global.rules...), local.rules...),
		metrics: append(append([]*RuleMetrics{}, global.metrics...), local.metrics...),
	}
}

func (reg *Registry) compile(handle string, spec RuleSpec) error {
	if strings.HasPrefix(spec.Action, "span") {
		rule, err := compileSpanRule(spec)
		if err != nil {
			return err
		}
		sp := reg.spans[handle]
		if sp == nil {
			sp = &SpanPreprocessor{}
			reg.spans[handle] = sp
		}
		sp.rules = append(sp.rules, rule)
		sp.metrics = append(sp.metrics, newRuleMetrics(handle, spec.Rule))
		return nil
	}
	rule, err := compilePointRule(spec)
	if err != nil {
		return err
	}
	pp := reg.points[handle]
	if pp == nil {
		pp = &PointPreprocessor{}
		reg.points[handle] = pp
	}
	pp.rules = append(pp.rules, rule)
	pp.metrics = append(pp.metrics, newRuleMetrics(handle, spec.Rule))
	return nil
}

func compilePointRule(spec RuleSpec) (PointRule, error) {
	switch spec.Action {
	case "addTag", "addTagIfNotExists":
		if spec.Tag == "" || spec.Value == "" {
			return nil, errors.New("addTag requires tag and value")
		}
		return &pointAddTag{name: spec.Rule, tag: spec.Tag, value: spec.Value,
			ifNotExists: spec.Action == "addTagIfNotExists"}, nil

	case "dropTag":
		keyRe, err := compilePattern(spec.Tag, "tag")
		if err != nil {
			return nil, err
		}
		valueRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &pointDropTag{name: spec.Rule, keyRe: keyRe, valueRe: valueRe}, nil

	case "renameTag":
		if spec.Tag == "" || spec.NewTag == "" {
			return nil, errors.New("renameTag requires tag and newtag")
		}
		valueRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &pointRenameTag{name: spec.Rule, tag: spec.Tag, newTag: spec.NewTag, valueRe: valueRe}, nil

	case "extractTag":
		searchRe, err := compilePattern(spec.Search, "search")
		if err != nil {
			return nil, err
		}
		if spec.Tag == "" || spec.Input == "" {
			return nil, errors.New("extractTag requires tag and input")
		}
		return &pointExtractTag{name: spec.Rule, tag: spec.Tag, input: spec.Input,
			searchRe: searchRe, replace: spec.Replace,
			replaceInput: spec.ReplaceInput, hasRewrite: spec.ReplaceInput != ""}, nil

	case "limitLength":
		action, err := parseLengthAction(spec.ActionSubtype)
		if err != nil {
			return nil, err
		}
		if spec.MaxLength <= 0 {
			return nil, errors.New("limitLength requires a positive maxLength")
		}
		if action == actionDrop && (spec.Scope == scopeMetricName || spec.Scope == scopeSourceName) {
			return nil, errors.New("limitLength DROP applies to tags only")
		}
		matchRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &pointLimitLength{name: spec.Rule, scope: spec.Scope,
			maxLength: spec.MaxLength, action: action, matchRe: matchRe}, nil

	case "forceLowercase":
		matchRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &pointForceLowercase{name: spec.Rule, scope: spec.Scope, matchRe: matchRe}, nil

	case "replaceRegex":
		searchRe, err := compilePattern(spec.Search, "search")
		if err != nil {
			return nil, err
		}
		matchRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &pointReplaceRegex{name: spec.Rule, scope: spec.Scope,
			searchRe: searchRe, replace: spec.Replace, matchRe: matchRe}, nil

	default:
		return nil, fmt.Errorf("unknown point rule action %q", spec.Action)
	}
}

func compileSpanRule(spec RuleSpec) (SpanRule, error) {
	switch spec.Action {
	case "spanAddTag", "spanAddTagIfNotExists":
		if spec.Tag == "" || spec.Value == "" {
			return nil, errors.New("spanAddTag requires tag and value")
		}
		return &spanAddTag{name: spec.Rule, tag: spec.Tag, value: spec.Value,
			ifNotExists: spec.Action == "spanAddTagIfNotExists"}, nil

	case "spanDropTag":
		keyRe, err := compilePattern(spec.Tag, "tag")
		if err != nil {
			return nil, err
		}
		valueRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &spanDropTag{name: spec.Rule, keyRe: keyRe, valueRe: valueRe}, nil

	case "spanRenameTag":
		if spec.Tag == "" || spec.NewTag == "" {
			return nil, errors.New("spanRenameTag requires tag and newtag")
		}
		valueRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &spanRenameTag{name: spec.Rule, tag: spec.Tag, newTag: spec.NewTag, valueRe: valueRe}, nil

	case "spanExtractTag":
		searchRe, err := compilePattern(spec.Search, "search")
		if err != nil {
			return nil, err
		}
		if spec.Tag == "" || spec.Input == "" {
			return nil, errors.New("spanExtractTag requires tag and input")
		}
		return &spanExtractTag{name: spec.Rule, tag: spec.Tag, input: spec.Input,
			searchRe: searchRe, replace: spec.Replace,
			replaceInput: spec.ReplaceInput, hasRewrite: spec.ReplaceInput != "",
			firstMatchOnly: spec.FirstMatchOnly}, nil

	case "spanLimitLength":
		action, err := parseLengthAction(spec.ActionSubtype)
		if err != nil {
			return nil, err
		}
		if spec.MaxLength <= 0 {
			return nil, errors.New("spanLimitLength requires a positive maxLength")
		}
		if action == actionDrop && (spec.Scope == scopeSpanName || spec.Scope == scopeSourceName) {
			return nil, errors.New("spanLimitLength DROP applies to annotations only")
		}
		matchRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &spanLimitLength{name: spec.Rule, scope: spec.Scope,
			maxLength: spec.MaxLength, action: action, matchRe: matchRe,
			firstMatchOnly: spec.FirstMatchOnly}, nil

	case "spanForceLowercase":
		matchRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &spanForceLowercase{name: spec.Rule, scope: spec.Scope,
			matchRe: matchRe, firstMatchOnly: spec.FirstMatchOnly}, nil

	case "spanReplaceRegex":
		searchRe, err := compilePattern(spec.Search, "search")
		if err != nil {
			return nil, err
		}
		matchRe, err := compileOptional(spec.Match)
		if err != nil {
			return nil, err
		}
		return &spanReplaceRegex{name: spec.Rule, scope: spec.Scope,
			searchRe: searchRe, replace: spec.Replace, matchRe: matchRe,
			firstMatchOnly: spec.FirstMatchOnly}, nil

	default:
		return nil, fmt.Errorf("unknown span rule action %q", spec.Action)
	}
}

func compilePattern(pattern, field string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%s pattern is required", field)
	}
	return regexp.Compile(pattern)
}

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func parseLengthAction(s string) (lengthAction, error) {
	switch strings.ToUpper(s) {
	case "", "TRUNCATE":
		return actionTruncate, nil
	case "TRUNCATE_WITH_ELLIPSIS":
		return actionTruncateWithEllipsis, nil
	case "DROP":
		return actionDrop, nil
	default:
		return 0, fmt.Errorf("unknown limitLength action %q", s)
	}
}
