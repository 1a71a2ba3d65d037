package entity

import (
	"sort"
	"strings"
)

// HostMetricTagsPair is the aggregation key for delta counters: two points
// accumulate into the same cell iff host, metric and the full tag set match.
type HostMetricTagsPair struct {
	Host   string
	Metric string
	Tags   map[string]string
}

// ID returns a canonical string identity for the pair. Tags are compared as
// a set, so they are folded in sorted key order.
func (p HostMetricTagsPair) ID() string {
	var sb strings.Builder
	sb.Grow(len(p.Host) + len(p.Metric) + 16*len(p.Tags))
	sb.WriteString(p.Metric)
	sb.WriteByte(0)
	sb.WriteString(p.Host)
	if len(p.Tags) > 0 {
		keys := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte(0)
			sb.WriteString(k)
			sb.WriteByte(1)
			sb.WriteString(p.Tags[k])
		}
	}
	return sb.String()
}
