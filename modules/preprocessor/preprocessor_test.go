package preprocessor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/pkg/entity"
)

func writeRules(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func testPoint() entity.ReportPoint {
	return entity.ReportPoint{
		Metric: "Request.Count",
		Source: "web-01",
		Value:  1,
		Annotations: map[string]string{
			"env": "staging",
			"app": "x",
		},
	}
}

func TestLoadEmptyPath(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, reg.ForPoints("2878"))
	assert.Nil(t, reg.ForSpans("30001"))
}

func TestDropTagRule(t *testing.T) {
	reg, err := Load(writeRules(t, `
"2878":
  - rule: drop-env
    action: dropTag
    tag: env
    match: staging.*
`))
	require.NoError(t, err)
	pp := reg.ForPoints("2878")
	require.NotNil(t, pp)

	p := testPoint()
	pp.Process(&p)
	assert.NotContains(t, p.Annotations, "env")
	assert.Equal(t, "x", p.Annotations["app"])

	// A non-matching value survives.
	p = testPoint()
	p.Annotations["env"] = "prod"
	pp.Process(&p)
	assert.Equal(t, "prod", p.Annotations["env"])
}

func TestGlobalRulesRunFirst(t *testing.T) {
	reg, err := Load(writeRules(t, `
global:
  - rule: tag-dc
    action: addTag
    tag: dc
    value: us-east-1
"2878":
  - rule: rename-dc
    action: renameTag
    tag: dc
    newtag: datacenter
`))
	require.NoError(t, err)

	p := testPoint()
	reg.ForPoints("2878").Process(&p)
	assert.NotContains(t, p.Annotations, "dc")
	assert.Equal(t, "us-east-1", p.Annotations["datacenter"])

	// A handle without local rules still gets the global chain.
	p = testPoint()
	reg.ForPoints("40000").Process(&p)
	assert.Equal(t, "us-east-1", p.Annotations["dc"])
}

func TestAddTagPlaceholderExpansion(t *testing.T) {
	reg, err := Load(writeRules(t, `
"2878":
  - rule: tag-origin
    action: addTag
    tag: k
    value: "{{source}}-{{annotation.app}}"
`))
	require.NoError(t, err)

	p := testPoint()
	reg.ForPoints("2878").Process(&p)
	assert.Equal(t, "web-01-x", p.Annotations["k"])
}

func TestAddTagIfNotExists(t *testing.T) {
	reg, err := Load(writeRules(t, `
"2878":
  - rule: default-env
    action: addTagIfNotExists
    tag: env
    value: unknown
`))
	require.NoError(t, err)

	p := testPoint()
	reg.ForPoints("2878").Process(&p)
	assert.Equal(t, "staging", p.Annotations["env"])
}

func TestExtractTagWithRewrite(t *testing.T) {
	reg, err := Load(writeRules(t, `
"2878":
  - rule: extract-az
    action: extractTag
    tag: az
    input: sourceName
    search: "^([a-z]+)-([0-9]+)$"
    replace: "$1"
    replaceInput: "host-$2"
`))
	require.NoError(t, err)

	p := testPoint()
	reg.ForPoints("2878").Process(&p)
	assert.Equal(t, "web", p.Annotations["az"])
	assert.Equal(t, "host-01", p.Source)
}

func TestLimitLengthActions(t *testing.T) {
	reg, err := Load(writeRules(t, `
"2878":
  - rule: cap-metric
    action: limitLength
    scope: metricName
    maxLength: 7
    actionSubtype: TRUNCATE_WITH_ELLIPSIS
  - rule: cap-env
    action: limitLength
    scope: env
    maxLength: 4
    actionSubtype: DROP
`))
	require.NoError(t, err)

	p := testPoint()
	reg.ForPoints("2878").Process(&p)
	assert.Equal(t, "Requ...", p.Metric)
	assert.NotContains(t, p.Annotations, "env")
}

func TestLimitLengthDropRejectedForFields(t *testing.T) {
	_, err := Load(writeRules(t, `
"2878":
  - rule: bad
    action: limitLength
    scope: metricName
    maxLength: 10
    actionSubtype: DROP
`))
	assert.Error(t, err)
}

func TestForceLowercaseAndReplaceRegex(t *testing.T) {
	reg, err := Load(writeRules(t, `
"2878":
  - rule: lower-metric
    action: forceLowercase
    scope: metricName
  - rule: dots
    action: replaceRegex
    scope: metricName
    search: "_"
    replace: "."
`))
	require.NoError(t, err)

	p := testPoint()
	p.Metric = "Request_Count"
	reg.ForPoints("2878").Process(&p)
	assert.Equal(t, "request.count", p.Metric)
}

func TestSpanRulesFirstMatchOnly(t *testing.T) {
	reg, err := Load(writeRules(t, `
"30001":
  - rule: redact-first
    action: spanReplaceRegex
    scope: user
    search: ".*"
    replace: redacted
    firstMatchOnly: true
`))
	require.NoError(t, err)
	sp := reg.ForSpans("30001")
	require.NotNil(t, sp)

	s := entity.Span{Name: "op", Annotations: []entity.Annotation{
		{Key: "user", Value: "alice"},
		{Key: "user", Value: "bob"},
	}}
	sp.Process(&s)
	assert.Equal(t, "redacted", s.Annotations[0].Value)
	assert.Equal(t, "bob", s.Annotations[1].Value)
}

func TestSpanExtractTagFromName(t *testing.T) {
	reg, err := Load(writeRules(t, `
"30001":
  - rule: split-op
    action: spanExtractTag
    tag: verb
    input: spanName
    search: "^(GET|POST) .*$"
    replace: "$1"
`))
	require.NoError(t, err)

	s := entity.Span{Name: "GET /orders"}
	reg.ForSpans("30001").Process(&s)
	v, ok := s.Annotation("verb")
	require.True(t, ok)
	assert.Equal(t, "GET", v)
}

func TestSpanDropTag(t *testing.T) {
	reg, err := Load(writeRules(t, `
"30001":
  - rule: drop-debug
    action: spanDropTag
    tag: debug
`))
	require.NoError(t, err)

	s := entity.Span{Annotations: []entity.Annotation{
		{Key: "debug", Value: "true"},
		{Key: "keep", Value: "yes"},
	}}
	reg.ForSpans("30001").Process(&s)
	require.Len(t, s.Annotations, 1)
	assert.Equal(t, "keep", s.Annotations[0].Key)
}

func TestCompileErrors(t *testing.T) {
	for name, yaml := range map[string]string{
		"unknown action": `
"2878":
  - action: mystify
`,
		"bad regex": `
"2878":
  - action: dropTag
    tag: "["
`,
		"addTag missing value": `
"2878":
  - action: addTag
    tag: env
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeRules(t, yaml))
			assert.Error(t, err)
		})
	}
}

func TestPlaceholderExpansion(t *testing.T) {
	p := testPoint()
	out := expand("{{metric}}|{{source}}|{{annotation.env}}|{{annotation.missing}}", pointLookup(&p))
	assert.Equal(t, "Request.Count|web-01|staging|", out)

	s := entity.Span{Name: "op", Source: "h", Annotations: []entity.Annotation{{Key: "svc", Value: "orders"}}}
	out = expand("{{spanName}}@{{sourceName}}:{{annotation.svc}}", spanLookup(&s))
	assert.Equal(t, "op@h:orders", out)
}
