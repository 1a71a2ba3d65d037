package traces

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

type spanCollector struct {
	mtx   sync.Mutex
	spans []entity.Span
}

func (c *spanCollector) Report(span entity.Span) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.spans = append(c.spans, span)
	return nil
}

func (c *spanCollector) count() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.spans)
}

type derivedCollector struct {
	mtx    sync.Mutex
	points []entity.ReportPoint
}

func (c *derivedCollector) emit(p entity.ReportPoint) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.points = append(c.points, p)
}

func (c *derivedCollector) byMetric(substr string) []entity.ReportPoint {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var out []entity.ReportPoint
	for _, p := range c.points {
		if strings.Contains(p.Metric, substr) {
			out = append(out, p)
		}
	}
	return out
}

func testSpan(traceID string, isError bool) entity.Span {
	s := entity.Span{
		Name:           "getOrder",
		Source:         "web-01",
		TraceID:        traceID,
		SpanID:         "s-" + traceID,
		StartMillis:    clock.Now(),
		DurationMillis: 25,
		Annotations: []entity.Annotation{
			{Key: "application", Value: "shop"},
			{Key: "service", Value: "orders"},
		},
	}
	if isError {
		s.Annotations = append(s.Annotations, entity.Annotation{Key: "error", Value: "true"})
	}
	return s
}

func TestErrorsBypassSampling(t *testing.T) {
	sink := &spanCollector{}
	derived := &derivedCollector{}
	p := NewProcessor("30001", NewRateSampler(0), true, sink, derived.emit)

	for i := 0; i < 10; i++ {
		p.Process(testSpan(fmt.Sprintf("t-%d", i), i < 3))
	}

	// Rate 0 drops everything except the three error spans.
	assert.Equal(t, 3, sink.count())
	for _, s := range sink.spans {
		_, ok := s.Annotation("error")
		assert.True(t, ok)
	}

	// All ten spans contributed to the derived metrics.
	p.red.flush(derived.emit)
	invocations := derived.byMetric("invocation.count")
	require.Len(t, invocations, 1)
	assert.Equal(t, float64(10), invocations[0].Value)
	errors := derived.byMetric("error.count")
	require.Len(t, errors, 1)
	assert.Equal(t, float64(3), errors[0].Value)
}

func TestMissingServiceDiscards(t *testing.T) {
	sink := &spanCollector{}
	derived := &derivedCollector{}
	p := NewProcessor("30001", NewRateSampler(1), false, sink, derived.emit)

	s := testSpan("t-1", false)
	s.Annotations = []entity.Annotation{{Key: "application", Value: "shop"}}
	p.Process(s)

	assert.Equal(t, 0, sink.count())
	p.red.flush(derived.emit)
	assert.Empty(t, derived.byMetric("invocation.count"))
}

func TestDropDelayedSpans(t *testing.T) {
	sink := &spanCollector{}
	p := NewProcessor("30001", NewRateSampler(1), false, sink, func(entity.ReportPoint) {})
	minutes := int64(10)
	p.SetDropSpansDelayed(&minutes)

	late := testSpan("t-old", false)
	late.StartMillis = clock.Now() - time.Hour.Milliseconds()
	p.Process(late)
	assert.Equal(t, 0, sink.count())

	p.Process(testSpan("t-fresh", false))
	assert.Equal(t, 1, sink.count())

	p.SetDropSpansDelayed(nil)
	p.Process(late)
	assert.Equal(t, 2, sink.count())
}

func TestSamplingOverrideFromBackend(t *testing.T) {
	sink := &spanCollector{}
	p := NewProcessor("30001", NewRateSampler(1), false, sink, func(entity.ReportPoint) {})

	zero := 0.0
	p.SetSamplingRate(&zero)
	p.Process(testSpan("t-1", false))
	assert.Equal(t, 0, sink.count())

	p.SetSamplingRate(nil)
	p.Process(testSpan("t-2", false))
	assert.Equal(t, 1, sink.count())
}

func TestActiveSamplingOnlyHonorsPriority(t *testing.T) {
	sink := &spanCollector{}
	p := NewProcessor("30001", NewRateSampler(0), false, sink, func(entity.ReportPoint) {})
	p.SetActiveSamplingOnly(true)

	tagged := testSpan("t-1", false)
	tagged.Annotations = append(tagged.Annotations, entity.Annotation{Key: "sampling.priority", Value: "1"})
	p.Process(tagged)
	p.Process(testSpan("t-2", false))

	assert.Equal(t, 1, sink.count())
}

func TestServiceAnnotationOverwritesCluster(t *testing.T) {
	s := testSpan("t-1", false)
	s.Annotations = []entity.Annotation{
		{Key: "application", Value: "shop"},
		{Key: "cluster", Value: "us-east"},
		{Key: "service", Value: "orders"},
	}
	key := extractRedKey(&s)
	assert.Equal(t, "orders", key.service)
	// The service value bleeds into the cluster dimension when it comes
	// after the cluster annotation.
	assert.Equal(t, "orders", key.cluster)
}

func TestRedFlushEmitsDeltaAndDistribution(t *testing.T) {
	derived := &derivedCollector{}
	red := newRedRegistry()

	for i := 0; i < 5; i++ {
		s := testSpan(fmt.Sprintf("t-%d", i), false)
		red.observe(&s, extractRedKey(&s))
	}
	red.flush(derived.emit)

	invocations := derived.byMetric("invocation.count")
	require.Len(t, invocations, 1)
	assert.Equal(t, "∆tracing.derived.shop.orders.invocation.count", invocations[0].Metric)
	assert.True(t, entity.IsDelta(invocations[0].Metric))
	assert.Equal(t, float64(5), invocations[0].Value)
	assert.Equal(t, "orders", invocations[0].Annotations["service"])
	assert.Equal(t, "none", invocations[0].Annotations["cluster"])

	// No errors observed, so no error.count point.
	assert.Empty(t, derived.byMetric("error.count"))

	durations := derived.byMetric("duration.micros")
	require.Len(t, durations, 1)
	require.NotNil(t, durations[0].Distribution)
	assert.Equal(t, int64(60_000), durations[0].Distribution.DurationMillis)
	assert.Equal(t, int64(5), durations[0].Distribution.SampleCount())

	// Flushing again starts from a clean registry.
	red.flush(derived.emit)
	assert.Len(t, derived.byMetric("invocation.count"), 1)
}

func TestHeartbeatsEmitAndExpire(t *testing.T) {
	derived := &derivedCollector{}
	sink := &spanCollector{}
	p := NewProcessor("30001", NewRateSampler(1), false, sink, derived.emit)

	p.Process(testSpan("t-1", false))
	p.emitHeartbeats()

	beats := derived.byMetric("~component.heartbeat")
	require.Len(t, beats, 1)
	assert.Equal(t, float64(1), beats[0].Value)
	assert.Equal(t, "shop", beats[0].Annotations["application"])

	// Age the tuple past the TTL; the next cycle expires it silently.
	for key := range p.heartbeats {
		p.heartbeats[key] = clock.Now() - (heartbeatTTL + time.Minute).Milliseconds()
	}
	p.emitHeartbeats()
	assert.Len(t, derived.byMetric("~component.heartbeat"), 1)
	assert.Empty(t, p.heartbeats)
}

func TestRateSamplerDeterministicPerTrace(t *testing.T) {
	s := NewRateSampler(0.5)
	span := testSpan("t-split", false)
	first := s.Decide(&span)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Decide(&span))
	}

	kept := 0
	for i := 0; i < 1000; i++ {
		span := testSpan(fmt.Sprintf("t-%d", i), false)
		if s.Decide(&span) {
			kept++
		}
	}
	assert.InDelta(t, 500, kept, 100)

	s.SetRate(2)
	assert.Equal(t, 1.0, s.Rate())
	s.SetRate(-1)
	assert.Equal(t, 0.0, s.Rate())
}

func TestDurationSampler(t *testing.T) {
	s := NewDurationSampler(100 * time.Millisecond)
	fast := testSpan("t-1", false)
	fast.DurationMillis = 50
	slow := testSpan("t-2", false)
	slow.DurationMillis = 150

	assert.False(t, s.Decide(&fast))
	assert.True(t, s.Decide(&slow))
}
