package entity

import (
	"strconv"
	"strings"
)

// Annotation is a single span tag. Span annotations are kept as an ordered
// list, not a map: duplicate keys are legal in tracing and their order is
// significant for downstream consumers.
type Annotation struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Span is a single unit of a distributed trace.
type Span struct {
	Name           string       `json:"name"`
	Source         string       `json:"source"`
	TraceID        string       `json:"traceId"`
	SpanID         string       `json:"spanId"`
	Parents        []string     `json:"parents,omitempty"`
	FollowsFrom    []string     `json:"followsFrom,omitempty"`
	StartMillis    int64        `json:"startMillis"`
	DurationMillis int64        `json:"durationMillis"`
	Annotations    []Annotation `json:"annotations,omitempty"`
}

// Annotation returns the value of the first annotation with the given key.
func (s *Span) Annotation(key string) (string, bool) {
	for _, a := range s.Annotations {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SetAnnotation overwrites the first annotation with the given key, or
// appends a new one if the key is absent.
func (s *Span) SetAnnotation(key, value string) {
	for i, a := range s.Annotations {
		if a.Key == key {
			s.Annotations[i].Value = value
			return
		}
	}
	s.Annotations = append(s.Annotations, Annotation{Key: key, Value: value})
}

// Line renders the span in Wavefront span format:
//
//	"op.name" source="host" traceId=t spanId=s parent=p "k"="v" 1634567890123 120
func (s *Span) Line() string {
	var sb strings.Builder
	sb.Grow(128 + 24*len(s.Annotations))
	sb.WriteByte('"')
	sb.WriteString(escape(s.Name))
	sb.WriteString(`" source="`)
	sb.WriteString(escape(s.Source))
	sb.WriteString(`" traceId=`)
	sb.WriteString(s.TraceID)
	sb.WriteString(` spanId=`)
	sb.WriteString(s.SpanID)
	for _, p := range s.Parents {
		sb.WriteString(` parent=`)
		sb.WriteString(p)
	}
	for _, p := range s.FollowsFrom {
		sb.WriteString(` followsFrom=`)
		sb.WriteString(p)
	}
	for _, a := range s.Annotations {
		sb.WriteString(` "`)
		sb.WriteString(escape(a.Key))
		sb.WriteString(`"="`)
		sb.WriteString(escape(a.Value))
		sb.WriteByte('"')
	}
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(s.StartMillis, 10))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(s.DurationMillis, 10))
	return sb.String()
}

// SpanLog is one timestamped log record attached to a span.
type SpanLog struct {
	TimestampMicros int64             `json:"timestamp"`
	Fields          map[string]string `json:"fields"`
}

// SpanLogRecord groups log records for one span.
type SpanLogRecord struct {
	TraceID string    `json:"traceId"`
	SpanID  string    `json:"spanId"`
	Logs    []SpanLog `json:"logs"`
}
