package accumulator

import (
	"context"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

// relativeAccuracy bounds the quantile error of a bin sketch.
const relativeAccuracy = 0.01

var (
	metricHistogramBins = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "histogram_accumulator_bins",
		Help:      "Open histogram aggregation bins.",
	}, []string{"pipeline", "granularity"})
	metricHistogramFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "histogram_accumulator_reported_total",
		Help:      "Closed histogram bins reported downstream.",
	}, []string{"pipeline", "granularity"})
	metricHistogramSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "histogram_accumulator_samples_total",
		Help:      "Samples folded into histogram bins.",
	}, []string{"pipeline", "granularity"})
)

type histogramBin struct {
	pair     entity.HostMetricTagsPair
	binStart int64

	mtx    sync.Mutex
	sketch *ddsketch.DDSketch
}

type binKey struct {
	pairID   string
	binStart int64
}

// HistogramAccumulator folds scalar samples and pre-aggregated distributions
// into fixed-width time bins, one sketch per (source, metric, tags, bin).
// A bin is reported once its window plus the settling time has passed.
type HistogramAccumulator struct {
	services.Service

	key         entity.HandlerKey
	granularity Granularity
	settling    time.Duration
	emit        func(entity.ReportPoint)

	mtx  sync.RWMutex
	bins map[binKey]*histogramBin

	openBins prometheus.Gauge
	reported prometheus.Counter
	samples  prometheus.Counter
}

// NewHistogramAccumulator builds an accumulator for one granularity.
// settling is how long past the end of a bin window late samples are still
// accepted before the bin is flushed.
func NewHistogramAccumulator(key entity.HandlerKey, granularity Granularity,
	settling time.Duration, emit func(entity.ReportPoint)) *HistogramAccumulator {
	if settling <= 0 {
		settling = 30 * time.Second
	}
	labels := []string{key.String(), granularity.String()}
	a := &HistogramAccumulator{
		key:         key,
		granularity: granularity,
		settling:    settling,
		emit:        emit,
		bins:        make(map[binKey]*histogramBin),
		openBins:    metricHistogramBins.WithLabelValues(labels...),
		reported:    metricHistogramFlushed.WithLabelValues(labels...),
		samples:     metricHistogramSamples.WithLabelValues(labels...),
	}
	a.Service = services.NewBasicService(nil, a.running, a.stopping)
	return a
}

// CheckGranularity rejects distributions aggregated over a coarser window
// than this accumulator's: they cannot be folded into finer bins without
// inventing sample timestamps.
func (a *HistogramAccumulator) CheckGranularity(p *entity.ReportPoint) error {
	if p.Distribution == nil {
		return nil
	}
	if p.Distribution.DurationMillis > a.granularity.Millis() {
		return &entity.ValidationError{
			Reason: "WF-405 histogram granularity coarser than aggregation window",
		}
	}
	return nil
}

// Add folds one point into its bin. Scalar points contribute a single
// sample; distribution points contribute every centroid.
func (a *HistogramAccumulator) Add(p entity.ReportPoint) {
	ts := p.Timestamp
	if ts == 0 {
		ts = clock.Now()
	}
	bin := a.bin(p, a.granularity.BinStart(ts))

	bin.mtx.Lock()
	defer bin.mtx.Unlock()
	if p.Distribution != nil {
		for _, c := range p.Distribution.Centroids {
			if err := bin.sketch.AddWithCount(c.Value, float64(c.Count)); err != nil {
				level.Warn(log.Logger).Log("msg", "sample not representable in sketch",
					"pipeline", a.key.String(), "value", c.Value, "err", err)
				continue
			}
			a.samples.Add(float64(c.Count))
		}
		return
	}
	if err := bin.sketch.Add(p.Value); err != nil {
		level.Warn(log.Logger).Log("msg", "sample not representable in sketch",
			"pipeline", a.key.String(), "value", p.Value, "err", err)
		return
	}
	a.samples.Inc()
}

func (a *HistogramAccumulator) bin(p entity.ReportPoint, binStart int64) *histogramBin {
	pair := entity.HostMetricTagsPair{Host: p.Source, Metric: p.Metric, Tags: p.Annotations}
	k := binKey{pairID: pair.ID(), binStart: binStart}

	a.mtx.RLock()
	b := a.bins[k]
	a.mtx.RUnlock()
	if b != nil {
		return b
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	if b = a.bins[k]; b != nil {
		return b
	}
	sketch, err := ddsketch.NewDefaultDDSketch(relativeAccuracy)
	if err != nil {
		// Only possible with an out-of-range accuracy constant.
		panic(err)
	}
	b = &histogramBin{pair: pair, binStart: binStart, sketch: sketch}
	a.bins[k] = b
	a.openBins.Inc()
	return b
}

func (a *HistogramAccumulator) running(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flush(false)
		case <-ctx.Done():
			return nil
		}
	}
}

// stopping force-flushes open bins. Partially filled windows still carry
// every accepted sample, so reporting them beats losing them.
func (a *HistogramAccumulator) stopping(_ error) error {
	a.flush(true)
	return nil
}

func (a *HistogramAccumulator) flush(force bool) {
	deadline := clock.Now() - a.granularity.Millis() - a.settling.Milliseconds()

	var closed []*histogramBin
	a.mtx.Lock()
	for k, b := range a.bins {
		if force || b.binStart <= deadline {
			closed = append(closed, b)
			delete(a.bins, k)
			a.openBins.Dec()
		}
	}
	a.mtx.Unlock()

	for _, b := range closed {
		a.report(b)
	}
}

func (a *HistogramAccumulator) report(b *histogramBin) {
	b.mtx.Lock()
	var centroids []entity.Centroid
	b.sketch.ForEach(func(value, count float64) bool {
		centroids = append(centroids, entity.Centroid{Value: value, Count: int(count)})
		return false
	})
	b.mtx.Unlock()
	if len(centroids) == 0 {
		return
	}
	a.reported.Inc()
	a.emit(entity.ReportPoint{
		Metric:    b.pair.Metric,
		Source:    b.pair.Host,
		Timestamp: b.binStart,
		Distribution: &entity.Distribution{
			DurationMillis: a.granularity.Millis(),
			Centroids:      centroids,
		},
		Annotations: b.pair.Tags,
	})
}
