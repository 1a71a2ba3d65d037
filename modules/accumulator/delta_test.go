package accumulator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

type pointCollector struct {
	mtx    sync.Mutex
	points []entity.ReportPoint
}

func (c *pointCollector) emit(p entity.ReportPoint) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.points = append(c.points, p)
}

func (c *pointCollector) all() []entity.ReportPoint {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]entity.ReportPoint(nil), c.points...)
}

func deltaPoint(metric string, value float64) entity.ReportPoint {
	return entity.ReportPoint{
		Metric:      metric,
		Source:      "web-01",
		Timestamp:   clock.Now(),
		Value:       value,
		Annotations: map[string]string{"env": "prod"},
	}
}

func TestDeltaAccumulatorSumsPerKey(t *testing.T) {
	sink := &pointCollector{}
	a := NewDeltaAccumulator(entity.HandlerKey{Entity: entity.DeltaCounter, Handle: "2878"},
		30*time.Second, sink.emit)

	for _, v := range []float64{1, 2, 3, 4, 5} {
		a.Add(deltaPoint("∆request.count", v))
	}
	a.flush()

	points := sink.all()
	require.Len(t, points, 1)
	assert.Equal(t, "∆request.count", points[0].Metric)
	assert.Equal(t, "web-01", points[0].Source)
	assert.Equal(t, float64(15), points[0].Value)
	assert.Equal(t, map[string]string{"env": "prod"}, points[0].Annotations)

	// The cell was reset by the flush; nothing more to report.
	a.flush()
	assert.Len(t, sink.all(), 1)
}

func TestDeltaAccumulatorMergesPrefixSpellings(t *testing.T) {
	sink := &pointCollector{}
	a := NewDeltaAccumulator(entity.HandlerKey{Entity: entity.DeltaCounter, Handle: "2878"},
		30*time.Second, sink.emit)

	a.Add(deltaPoint("∆request.count", 1))
	a.Add(deltaPoint("Δrequest.count", 2))
	a.flush()

	points := sink.all()
	require.Len(t, points, 1)
	assert.Equal(t, "∆request.count", points[0].Metric)
	assert.Equal(t, float64(3), points[0].Value)
}

func TestDeltaAccumulatorSeparatesKeys(t *testing.T) {
	sink := &pointCollector{}
	a := NewDeltaAccumulator(entity.HandlerKey{Entity: entity.DeltaCounter, Handle: "2878"},
		30*time.Second, sink.emit)

	a.Add(deltaPoint("∆request.count", 1))
	other := deltaPoint("∆request.count", 1)
	other.Source = "web-02"
	a.Add(other)
	a.flush()

	assert.Len(t, sink.all(), 2)
}

func TestDeltaAccumulatorEvictsIdleCells(t *testing.T) {
	sink := &pointCollector{}
	a := NewDeltaAccumulator(entity.HandlerKey{Entity: entity.DeltaCounter, Handle: "2878"},
		time.Second, sink.emit)

	a.Add(deltaPoint("∆request.count", 1))
	// Age the cell past five intervals.
	for _, cell := range a.cells {
		cell.lastUpdate.Store(clock.Now() - 10*time.Second.Milliseconds())
	}
	a.flush()

	// The pending value is still reported on eviction.
	require.Len(t, sink.all(), 1)
	assert.Empty(t, a.cells)
}
