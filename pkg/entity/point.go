package entity

import (
	"sort"
	"strconv"
	"strings"
)

// Delta counter metric names start with one of these prefixes. Both the
// mathematical increment (U+2206) and the Greek capital delta (U+0394) are
// accepted on the wire.
const (
	DeltaPrefix    = "∆"
	AltDeltaPrefix = "Δ"
)

// Centroid is a single histogram bin: a representative value and the number
// of samples collapsed into it.
type Centroid struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// Distribution is an embedded histogram value: a set of centroids observed
// over a fixed duration. DurationMillis determines the granularity
// (minute/hour/day) of the aggregation window the samples came from.
type Distribution struct {
	DurationMillis int64      `json:"duration"`
	Centroids      []Centroid `json:"centroids"`
}

// SampleCount is the total number of samples across all centroids.
func (d *Distribution) SampleCount() int64 {
	var n int64
	for _, c := range d.Centroids {
		n += int64(c.Count)
	}
	return n
}

// ReportPoint is a single metric data point. Value carries the scalar value;
// for distribution ports Distribution is set instead and Value is ignored.
type ReportPoint struct {
	Metric       string            `json:"metric"`
	Source       string            `json:"source"`
	Timestamp    int64             `json:"timestamp"` // epoch millis
	Value        float64           `json:"value"`
	Distribution *Distribution     `json:"distribution,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// IsDelta reports whether the metric name carries a delta counter prefix.
func IsDelta(metric string) bool {
	return strings.HasPrefix(metric, DeltaPrefix) || strings.HasPrefix(metric, AltDeltaPrefix)
}

// Line renders the point in Wavefront line format:
//
//	"metric.name" 42.0 1634567890 source="host-1" "env"="prod"
//
// Distribution points render in the !M/!H/!D distribution format instead.
func (p *ReportPoint) Line() string {
	if p.Distribution != nil {
		return p.distributionLine()
	}
	var sb strings.Builder
	sb.Grow(64 + 16*len(p.Annotations))
	sb.WriteByte('"')
	sb.WriteString(escape(p.Metric))
	sb.WriteString(`" `)
	sb.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(p.Timestamp/1000, 10))
	sb.WriteString(` source="`)
	sb.WriteString(escape(p.Source))
	sb.WriteByte('"')
	writeSortedAnnotations(&sb, p.Annotations)
	return sb.String()
}

func (p *ReportPoint) distributionLine() string {
	var sb strings.Builder
	switch p.Distribution.DurationMillis {
	case 3_600_000:
		sb.WriteString("!H ")
	case 86_400_000:
		sb.WriteString("!D ")
	default:
		sb.WriteString("!M ")
	}
	sb.WriteString(strconv.FormatInt(p.Timestamp/1000, 10))
	for _, c := range p.Distribution.Centroids {
		sb.WriteString(" #")
		sb.WriteString(strconv.Itoa(c.Count))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(c.Value, 'f', -1, 64))
	}
	sb.WriteString(` "`)
	sb.WriteString(escape(p.Metric))
	sb.WriteString(`" source="`)
	sb.WriteString(escape(p.Source))
	sb.WriteByte('"')
	writeSortedAnnotations(&sb, p.Annotations)
	return sb.String()
}

func writeSortedAnnotations(sb *strings.Builder, annotations map[string]string) {
	if len(annotations) == 0 {
		return
	}
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(` "`)
		sb.WriteString(escape(k))
		sb.WriteString(`"="`)
		sb.WriteString(escape(annotations[k]))
		sb.WriteByte('"')
	}
}

func escape(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
