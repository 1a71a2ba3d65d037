// Package entity holds the semantic data model of the proxy: every datum
// admitted by a listener is decoded into one of the types in this package
// before it enters the pipeline.
package entity

// Type enumerates the kinds of telemetry the proxy can route. The string
// value doubles as the path component used when reporting to the backend.
type Type string

const (
	Point        Type = "points"
	DeltaCounter Type = "deltaCounters"
	Histogram    Type = "histograms"
	Trace        Type = "spans"
	SpanLogs     Type = "spanLogs"
	SourceTag    Type = "sourceTags"
)

// RateUnit returns the unit used in human-readable rate log lines.
func (t Type) RateUnit() string {
	switch t {
	case Point, DeltaCounter:
		return "pps"
	case Histogram:
		return "dps"
	case Trace:
		return "sps"
	case SpanLogs:
		return "span logs/s"
	case SourceTag:
		return "tags/s"
	default:
		return "items/s"
	}
}

// Capitalized returns the entity name for log lines ("Points", "Spans", ...).
func (t Type) Capitalized() string {
	switch t {
	case Point:
		return "Points"
	case DeltaCounter:
		return "Delta counters"
	case Histogram:
		return "Histograms"
	case Trace:
		return "Spans"
	case SpanLogs:
		return "Span logs"
	case SourceTag:
		return "Source tags"
	default:
		return string(t)
	}
}

// HandlerKey is the primary routing key inside the proxy: every pipeline
// (handler, sender pool, spool) is owned by exactly one (entity type, handle)
// pair. The handle is the listener identifier, customarily the port number.
type HandlerKey struct {
	Entity Type
	Handle string
}

// Key builds a HandlerKey.
func Key(entity Type, handle string) HandlerKey {
	return HandlerKey{Entity: entity, Handle: handle}
}

func (k HandlerKey) String() string {
	return string(k.Entity) + "." + k.Handle
}
