package checkin

import (
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// snapshotMetrics flattens the process metrics into the JSON document the
// check-in endpoint expects: one numeric value per flattened metric name,
// label pairs folded into the name.
func snapshotMetrics(g prometheus.Gatherer) ([]byte, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	doc := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := flattenName(mf.GetName(), m)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				doc[name] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				doc[name] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				doc[name+".count"] = float64(m.GetHistogram().GetSampleCount())
				doc[name+".sum"] = m.GetHistogram().GetSampleSum()
			case dto.MetricType_SUMMARY:
				doc[name+".count"] = float64(m.GetSummary().GetSampleCount())
				doc[name+".sum"] = m.GetSummary().GetSampleSum()
			}
		}
	}
	return json.Marshal(doc)
}

func flattenName(name string, m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return name + "." + strings.Join(parts, ".")
}
