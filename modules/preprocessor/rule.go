// Package preprocessor implements the rule engine that mutates points and
// spans between decoding and handling. Rules are the only legal mutators of
// an item before handler admission; they transform but never reject.
package preprocessor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relayproxy/relay/pkg/entity"
)

var (
	metricRuleApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "preprocessor_rule_applied_total",
		Help:      "Times a rule modified an item.",
	}, []string{"handle", "rule"})
	metricRuleCPUNanos = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "preprocessor_rule_cpu_nanos_total",
		Help:      "CPU time spent evaluating a rule, applied or not.",
	}, []string{"handle", "rule"})
)

// RuleMetrics is the per-rule counter pair shared by point and span rules.
type RuleMetrics struct {
	applied  prometheus.Counter
	cpuNanos prometheus.Counter
}

func newRuleMetrics(handle, rule string) *RuleMetrics {
	return &RuleMetrics{
		applied:  metricRuleApplied.WithLabelValues(handle, rule),
		cpuNanos: metricRuleCPUNanos.WithLabelValues(handle, rule),
	}
}

func (m *RuleMetrics) record(start time.Time, applied bool) {
	m.cpuNanos.Add(float64(time.Since(start).Nanoseconds()))
	if applied {
		m.applied.Inc()
	}
}

// PointRule mutates a point in place. Apply reports whether it changed the
// item.
type PointRule interface {
	Apply(p *entity.ReportPoint) bool
	Name() string
}

// SpanRule mutates a span in place.
type SpanRule interface {
	Apply(s *entity.Span) bool
	Name() string
}

// PointPreprocessor applies an ordered rule chain to points.
type PointPreprocessor struct {
	rules   []PointRule
	metrics []*RuleMetrics
}

// Process runs every rule in order.
func (pp *PointPreprocessor) Process(p *entity.ReportPoint) {
	if pp == nil {
		return
	}
	for i, r := range pp.rules {
		start := time.Now()
		pp.metrics[i].record(start, r.Apply(p))
	}
}

// SpanPreprocessor applies an ordered rule chain to spans.
type SpanPreprocessor struct {
	rules   []SpanRule
	metrics []*RuleMetrics
}

// Process runs every rule in order.
func (sp *SpanPreprocessor) Process(s *entity.Span) {
	if sp == nil {
		return
	}
	for i, r := range sp.rules {
		start := time.Now()
		sp.metrics[i].record(start, r.Apply(s))
	}
}
