// Package traces implements the span fan-in stage: sampling, RED metric
// derivation and service heartbeats, applied to every decoded span before
// the span handler sees it.
package traces

import (
	"hash/fnv"
	"time"

	"go.uber.org/atomic"

	"github.com/relayproxy/relay/pkg/entity"
)

// Sampler decides whether a span is forwarded to the backend. Deriving the
// decision from the trace ID keeps every span of one trace on the same side
// of the cut.
type Sampler interface {
	Decide(span *entity.Span) bool
}

// RateSampler keeps the given fraction of traces. The rate is swappable at
// runtime by check-in.
type RateSampler struct {
	rate atomic.Float64
}

// NewRateSampler builds a sampler keeping rate (0..1) of traces.
func NewRateSampler(rate float64) *RateSampler {
	s := &RateSampler{}
	s.SetRate(rate)
	return s
}

// SetRate replaces the sampling rate. Values outside [0, 1] clamp.
func (s *RateSampler) SetRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	s.rate.Store(rate)
}

// Rate returns the current sampling rate.
func (s *RateSampler) Rate() float64 { return s.rate.Load() }

func (s *RateSampler) Decide(span *entity.Span) bool {
	return keepTrace(span.TraceID, s.rate.Load())
}

// keepTrace hashes the trace ID against a keep fraction.
func keepTrace(traceID string, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New64a()
	h.Write([]byte(traceID))
	return float64(h.Sum64()%10000) < rate*10000
}

// DurationSampler keeps spans at or above a duration threshold.
type DurationSampler struct {
	threshold atomic.Int64 // millis
}

// NewDurationSampler builds a sampler keeping spans that took at least
// threshold.
func NewDurationSampler(threshold time.Duration) *DurationSampler {
	s := &DurationSampler{}
	s.threshold.Store(threshold.Milliseconds())
	return s
}

func (s *DurationSampler) Decide(span *entity.Span) bool {
	return span.DurationMillis >= s.threshold.Load()
}

// hasErrorTag reports whether the span is marked failed.
func hasErrorTag(span *entity.Span) bool {
	v, ok := span.Annotation("error")
	return ok && (v == "true" || v == "")
}
