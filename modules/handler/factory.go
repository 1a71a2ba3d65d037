package handler

import (
	"time"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

// NewPointHandler wires a handler for points, delta counters or histograms.
func NewPointHandler(key entity.HandlerKey, cfg entity.ValidationConfiguration,
	emit Emitter[entity.ReportPoint], opts Options) *Handler[entity.ReportPoint] {
	validate := func(p *entity.ReportPoint) error {
		return entity.ValidatePoint(p, cfg)
	}
	lag := func(p *entity.ReportPoint) (time.Duration, bool) {
		if p.Timestamp == 0 {
			return 0, false
		}
		return time.Duration(clock.Now()-p.Timestamp) * time.Millisecond, true
	}
	return New(key, validate, lag, emit, opts)
}

// NewDeltaCounterHandler wires a handler that accepts only delta counter
// points. Plain points arriving on the delta pipeline are rejected.
func NewDeltaCounterHandler(key entity.HandlerKey, cfg entity.ValidationConfiguration,
	emit Emitter[entity.ReportPoint], opts Options) *Handler[entity.ReportPoint] {
	validate := func(p *entity.ReportPoint) error {
		if !entity.IsDelta(p.Metric) {
			return &entity.ValidationError{Reason: "Port is not configured to accept non-delta counter data!"}
		}
		return entity.ValidatePoint(p, cfg)
	}
	lag := func(p *entity.ReportPoint) (time.Duration, bool) {
		if p.Timestamp == 0 {
			return 0, false
		}
		return time.Duration(clock.Now()-p.Timestamp) * time.Millisecond, true
	}
	return New(key, validate, lag, emit, opts)
}

// NewSpanHandler wires a handler for trace spans.
func NewSpanHandler(key entity.HandlerKey, cfg entity.ValidationConfiguration,
	emit Emitter[entity.Span], opts Options) *Handler[entity.Span] {
	validate := func(s *entity.Span) error {
		return entity.ValidateSpan(s, cfg)
	}
	lag := func(s *entity.Span) (time.Duration, bool) {
		if s.StartMillis == 0 {
			return 0, false
		}
		return time.Duration(clock.Now()-(s.StartMillis+s.DurationMillis)) * time.Millisecond, true
	}
	return New(key, validate, lag, emit, opts)
}

// NewSpanLogsHandler wires a handler for span log records.
func NewSpanLogsHandler(key entity.HandlerKey,
	emit Emitter[entity.SpanLogRecord], opts Options) *Handler[entity.SpanLogRecord] {
	validate := func(r *entity.SpanLogRecord) error {
		if r.TraceID == "" || r.SpanID == "" {
			return &entity.ValidationError{Reason: "WF-426 span log is missing traceId or spanId"}
		}
		if len(r.Logs) == 0 {
			return &entity.ValidationError{Reason: "WF-426 span log record carries no log entries"}
		}
		return nil
	}
	return New(key, validate, nil, emit, opts)
}

// NewSourceTagHandler wires a handler for source tag operations.
func NewSourceTagHandler(key entity.HandlerKey,
	emit Emitter[entity.SourceTagOperation], opts Options) *Handler[entity.SourceTagOperation] {
	validate := func(op *entity.SourceTagOperation) error {
		return op.Validate()
	}
	return New(key, validate, nil, emit, opts)
}
