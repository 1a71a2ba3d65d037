package accumulator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/dskit/services"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

var (
	metricDeltaCells = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "delta_accumulator_cells",
		Help:      "Live delta counter aggregation cells.",
	}, []string{"pipeline"})
	metricDeltaFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "delta_accumulator_reported_total",
		Help:      "Aggregated delta counter points reported downstream.",
	}, []string{"pipeline"})
)

type deltaCell struct {
	pair       entity.HostMetricTagsPair
	value      atomic.Float64
	lastUpdate atomic.Int64 // epoch millis
}

// DeltaAccumulator folds delta counter points into per-key cells and reports
// the accumulated sum once per aggregation interval. Between flushes, Add is
// lock-free on the hot path.
type DeltaAccumulator struct {
	services.Service

	key      entity.HandlerKey
	interval time.Duration
	emit     func(entity.ReportPoint)

	mtx   sync.RWMutex
	cells map[string]*deltaCell

	liveCells prometheus.Gauge
	reported  prometheus.Counter
}

// NewDeltaAccumulator builds the accumulator; emit receives the aggregated
// points, already past validation.
func NewDeltaAccumulator(key entity.HandlerKey, interval time.Duration,
	emit func(entity.ReportPoint)) *DeltaAccumulator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	a := &DeltaAccumulator{
		key:       key,
		interval:  interval,
		emit:      emit,
		cells:     make(map[string]*deltaCell),
		liveCells: metricDeltaCells.WithLabelValues(key.String()),
		reported:  metricDeltaFlushed.WithLabelValues(key.String()),
	}
	a.Service = services.NewBasicService(nil, a.running, a.stopping)
	return a
}

// Add accumulates one delta point. The metric name keeps its delta prefix
// through aggregation so the backend still treats the output as a delta.
func (a *DeltaAccumulator) Add(p entity.ReportPoint) {
	pair := entity.HostMetricTagsPair{
		Host:   p.Source,
		Metric: normalizeDeltaPrefix(p.Metric),
		Tags:   p.Annotations,
	}
	id := pair.ID()

	a.mtx.RLock()
	cell := a.cells[id]
	a.mtx.RUnlock()
	if cell == nil {
		a.mtx.Lock()
		cell = a.cells[id]
		if cell == nil {
			cell = &deltaCell{pair: pair}
			a.cells[id] = cell
			a.liveCells.Inc()
		}
		a.mtx.Unlock()
	}
	cell.value.Add(p.Value)
	cell.lastUpdate.Store(clock.Now())
}

func (a *DeltaAccumulator) running(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// stopping flushes whatever accumulated so a clean shutdown loses nothing.
func (a *DeltaAccumulator) stopping(_ error) error {
	a.flush()
	return nil
}

// flush reports every non-zero cell and evicts cells idle for five
// aggregation intervals. Read-and-reset is atomic per cell, so samples
// arriving mid-flush land in the next interval.
func (a *DeltaAccumulator) flush() {
	ttlMillis := 5 * a.interval.Milliseconds()
	now := clock.Now()

	var expired []string
	a.mtx.RLock()
	for id, cell := range a.cells {
		v := cell.value.Swap(0)
		if v != 0 {
			a.report(cell.pair, v, now)
		}
		if now-cell.lastUpdate.Load() > ttlMillis {
			expired = append(expired, id)
		}
	}
	a.mtx.RUnlock()

	if len(expired) == 0 {
		return
	}
	a.mtx.Lock()
	for _, id := range expired {
		cell, ok := a.cells[id]
		if !ok {
			continue
		}
		// Re-check under the write lock; a concurrent Add revives the cell.
		if now-cell.lastUpdate.Load() <= ttlMillis {
			continue
		}
		if v := cell.value.Swap(0); v != 0 {
			a.report(cell.pair, v, now)
		}
		delete(a.cells, id)
		a.liveCells.Dec()
	}
	a.mtx.Unlock()
}

func (a *DeltaAccumulator) report(pair entity.HostMetricTagsPair, value float64, now int64) {
	a.reported.Inc()
	a.emit(entity.ReportPoint{
		Metric:      pair.Metric,
		Source:      pair.Host,
		Timestamp:   now,
		Value:       value,
		Annotations: pair.Tags,
	})
}

// normalizeDeltaPrefix rewrites the Greek capital delta to the canonical
// increment character so both spellings share one cell.
func normalizeDeltaPrefix(metric string) string {
	if strings.HasPrefix(metric, entity.AltDeltaPrefix) {
		return entity.DeltaPrefix + strings.TrimPrefix(metric, entity.AltDeltaPrefix)
	}
	return metric
}
