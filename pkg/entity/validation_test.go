package entity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/pkg/clock"
)

func validPoint() ReportPoint {
	return ReportPoint{
		Metric:      "cpu.usage",
		Source:      "web-01",
		Timestamp:   clock.Now(),
		Value:       0.42,
		Annotations: map[string]string{"env": "prod"},
	}
}

func TestValidatePointAccepts(t *testing.T) {
	cfg := DefaultValidationConfiguration()
	p := validPoint()
	require.NoError(t, ValidatePoint(&p, cfg))
}

func TestValidatePointRejects(t *testing.T) {
	cfg := DefaultValidationConfiguration()
	for name, mutate := range map[string]func(*ReportPoint){
		"missing metric":      func(p *ReportPoint) { p.Metric = "" },
		"missing source":      func(p *ReportPoint) { p.Source = "" },
		"metric too long":     func(p *ReportPoint) { p.Metric = strings.Repeat("x", 300) },
		"source too long":     func(p *ReportPoint) { p.Source = strings.Repeat("x", 200) },
		"bad metric charset":  func(p *ReportPoint) { p.Metric = "cpu usage" },
		"bad tag key charset": func(p *ReportPoint) { p.Annotations = map[string]string{"bad key": "v"} },
		"empty tag value":     func(p *ReportPoint) { p.Annotations = map[string]string{"k": ""} },
		"future timestamp":    func(p *ReportPoint) { p.Timestamp = clock.Now() + 48*3600*1000 },
		"ancient timestamp":   func(p *ReportPoint) { p.Timestamp = 1 },
		"empty distribution":  func(p *ReportPoint) { p.Distribution = &Distribution{} },
	} {
		t.Run(name, func(t *testing.T) {
			p := validPoint()
			mutate(&p)
			err := ValidatePoint(&p, cfg)
			require.Error(t, err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidatePointAllowsDeltaPrefix(t *testing.T) {
	cfg := DefaultValidationConfiguration()
	p := validPoint()
	p.Metric = DeltaPrefix + "request.count"
	assert.NoError(t, ValidatePoint(&p, cfg))
	p.Metric = AltDeltaPrefix + "request.count"
	assert.NoError(t, ValidatePoint(&p, cfg))
}

func TestValidateSpan(t *testing.T) {
	cfg := DefaultValidationConfiguration()
	s := Span{
		Name:           "getOrder",
		Source:         "web-01",
		TraceID:        "t-1",
		SpanID:         "s-1",
		StartMillis:    clock.Now(),
		DurationMillis: 10,
	}
	require.NoError(t, ValidateSpan(&s, cfg))

	missing := s
	missing.TraceID = ""
	assert.Error(t, ValidateSpan(&missing, cfg))

	tooMany := s
	for i := 0; i < cfg.SpanAnnotationsCountLimit+1; i++ {
		tooMany.Annotations = append(tooMany.Annotations, Annotation{Key: "k", Value: "v"})
	}
	assert.Error(t, ValidateSpan(&tooMany, cfg))
}

func TestSourceTagOperationValidate(t *testing.T) {
	op := SourceTagOperation{
		Operation:   SourceTagOp,
		Action:      ActionSave,
		Source:      "web-01",
		Annotations: []string{"prod"},
	}
	require.NoError(t, op.Validate())

	op.Annotations = nil
	assert.Error(t, op.Validate())

	descDelete := SourceTagOperation{Operation: SourceDescriptionOp, Action: ActionDelete, Source: "web-01"}
	assert.NoError(t, descDelete.Validate())
}
