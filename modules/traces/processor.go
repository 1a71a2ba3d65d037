package traces

import (
	"context"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

const (
	heartbeatInterval = time.Minute
	heartbeatTTL      = 10 * time.Minute
)

var (
	metricSpansDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "traces_spans_discarded_total",
		Help:      "Spans discarded before sampling, by cause.",
	}, []string{"handle", "cause"})
	metricSpansSampled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "traces_spans_sampled_total",
		Help:      "Spans forwarded to the span handler after sampling.",
	}, []string{"handle"})
	metricHeartbeats = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "traces_heartbeat_tuples",
		Help:      "Live service tuples emitting heartbeats.",
	}, []string{"handle"})
)

// SpanSink receives sampled spans, normally the span handler.
type SpanSink interface {
	Report(span entity.Span) error
}

// Processor is the fan-in stage for one trace handle. Every decoded span
// passes through Process; derived metrics and heartbeats flush once a
// minute on the processor's own schedule.
type Processor struct {
	services.Service

	handle  string
	sampler Sampler
	sink    SpanSink
	emit    func(entity.ReportPoint)

	samplingOverride   atomic.Float64 // negative means no override
	activeSamplingOnly atomic.Bool
	dropDelayedMillis  atomic.Int64 // zero disables the check
	alwaysSampleErrors bool

	red *redRegistry

	hbMtx      sync.Mutex
	heartbeats map[redKey]int64 // last seen, epoch millis

	discardedMissing prometheus.Counter
	discardedDelayed prometheus.Counter
	sampled          prometheus.Counter
	hbTuples         prometheus.Gauge
}

// NewProcessor builds a fan-in processor. emit receives the derived RED
// points and heartbeats; alwaysSampleErrors forces delivery of spans with
// an error tag regardless of the sampler's decision.
func NewProcessor(handle string, sampler Sampler, alwaysSampleErrors bool,
	sink SpanSink, emit func(entity.ReportPoint)) *Processor {
	p := &Processor{
		handle:             handle,
		sampler:            sampler,
		sink:               sink,
		emit:               emit,
		alwaysSampleErrors: alwaysSampleErrors,
		red:                newRedRegistry(),
		heartbeats:         make(map[redKey]int64),
		discardedMissing:   metricSpansDiscarded.WithLabelValues(handle, "missing_service"),
		discardedDelayed:   metricSpansDiscarded.WithLabelValues(handle, "delayed"),
		sampled:            metricSpansSampled.WithLabelValues(handle),
		hbTuples:           metricHeartbeats.WithLabelValues(handle),
	}
	p.samplingOverride.Store(-1)
	p.Service = services.NewBasicService(nil, p.running, nil)
	return p
}

// Process runs one span through discard checks, RED derivation and
// sampling. The RED contribution happens regardless of the sampling
// outcome.
func (p *Processor) Process(span entity.Span) {
	key := extractRedKey(&span)
	if key.application == "" || key.service == "" {
		p.discardedMissing.Inc()
		return
	}
	if delay := p.dropDelayedMillis.Load(); delay > 0 &&
		clock.Now()-(span.StartMillis+span.DurationMillis) > delay {
		p.discardedDelayed.Inc()
		return
	}

	p.red.observe(&span, key)
	p.touchHeartbeat(key)

	if p.decide(&span) {
		p.sampled.Inc()
		p.sink.Report(span)
	}
}

func (p *Processor) decide(span *entity.Span) bool {
	if p.alwaysSampleErrors && hasErrorTag(span) {
		return true
	}
	if p.activeSamplingOnly.Load() {
		if _, ok := span.Annotation("sampling.priority"); ok {
			return true
		}
	}
	if override := p.samplingOverride.Load(); override >= 0 {
		return keepTrace(span.TraceID, override)
	}
	return p.sampler.Decide(span)
}

// SetSamplingRate applies the backend sampling override; nil clears it.
func (p *Processor) SetSamplingRate(rate *float64) {
	if rate == nil {
		p.samplingOverride.Store(-1)
		return
	}
	p.samplingOverride.Store(*rate)
}

// SetActiveSamplingOnly toggles honoring upstream sampling decisions.
func (p *Processor) SetActiveSamplingOnly(v bool) { p.activeSamplingOnly.Store(v) }

// SetDropSpansDelayed sets the late-span cutoff in minutes; nil disables it.
func (p *Processor) SetDropSpansDelayed(minutes *int64) {
	if minutes == nil || *minutes <= 0 {
		p.dropDelayedMillis.Store(0)
		return
	}
	p.dropDelayedMillis.Store(*minutes * 60_000)
}

func (p *Processor) touchHeartbeat(key redKey) {
	now := clock.Now()
	p.hbMtx.Lock()
	if _, ok := p.heartbeats[key]; !ok {
		p.hbTuples.Inc()
	}
	p.heartbeats[key] = now
	p.hbMtx.Unlock()
}

func (p *Processor) running(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.red.flush(p.emit)
			p.emitHeartbeats()
		case <-ctx.Done():
			p.red.flush(p.emit)
			return nil
		}
	}
}

// emitHeartbeats reports one heartbeat point per live tuple and expires
// tuples not seen within the TTL.
func (p *Processor) emitHeartbeats() {
	now := clock.Now()
	ttl := heartbeatTTL.Milliseconds()

	p.hbMtx.Lock()
	live := make([]redKey, 0, len(p.heartbeats))
	for key, lastSeen := range p.heartbeats {
		if now-lastSeen > ttl {
			delete(p.heartbeats, key)
			p.hbTuples.Dec()
			continue
		}
		live = append(live, key)
	}
	p.hbMtx.Unlock()

	for _, key := range live {
		p.emit(entity.ReportPoint{
			Metric:      heartbeatMetric,
			Source:      key.source,
			Timestamp:   now,
			Value:       1,
			Annotations: key.annotations(),
		})
	}
}
