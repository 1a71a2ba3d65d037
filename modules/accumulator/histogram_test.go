package accumulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

func histKey() entity.HandlerKey {
	return entity.HandlerKey{Entity: entity.Histogram, Handle: "40000"}
}

func TestHistogramCheckGranularity(t *testing.T) {
	a := NewHistogramAccumulator(histKey(), GranularityMinute, time.Second, func(entity.ReportPoint) {})

	scalar := entity.ReportPoint{Metric: "latency", Source: "h", Value: 5}
	assert.NoError(t, a.CheckGranularity(&scalar))

	minuteDist := scalar
	minuteDist.Distribution = &entity.Distribution{
		DurationMillis: GranularityMinute.Millis(),
		Centroids:      []entity.Centroid{{Value: 1, Count: 1}},
	}
	assert.NoError(t, a.CheckGranularity(&minuteDist))

	hourDist := scalar
	hourDist.Distribution = &entity.Distribution{
		DurationMillis: GranularityHour.Millis(),
		Centroids:      []entity.Centroid{{Value: 1, Count: 1}},
	}
	err := a.CheckGranularity(&hourDist)
	require.Error(t, err)
	var verr *entity.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestHistogramAccumulatorMergesBin(t *testing.T) {
	sink := &pointCollector{}
	a := NewHistogramAccumulator(histKey(), GranularityMinute, time.Second, sink.emit)

	ts := clock.Now()
	for _, v := range []float64{10, 20, 30} {
		a.Add(entity.ReportPoint{
			Metric: "request.latency", Source: "web-01", Timestamp: ts, Value: v,
			Annotations: map[string]string{"env": "prod"},
		})
	}
	a.Add(entity.ReportPoint{
		Metric: "request.latency", Source: "web-01", Timestamp: ts,
		Annotations: map[string]string{"env": "prod"},
		Distribution: &entity.Distribution{
			DurationMillis: time.Second.Milliseconds(),
			Centroids:      []entity.Centroid{{Value: 40, Count: 2}},
		},
	})

	require.Len(t, a.bins, 1)
	a.flush(true)

	points := sink.all()
	require.Len(t, points, 1)
	p := points[0]
	assert.Equal(t, "request.latency", p.Metric)
	assert.Equal(t, "web-01", p.Source)
	assert.Equal(t, GranularityMinute.BinStart(ts), p.Timestamp)
	require.NotNil(t, p.Distribution)
	assert.Equal(t, GranularityMinute.Millis(), p.Distribution.DurationMillis)
	assert.Equal(t, int64(5), p.Distribution.SampleCount())
}

func TestHistogramAccumulatorFlushAfterSettling(t *testing.T) {
	sink := &pointCollector{}
	a := NewHistogramAccumulator(histKey(), GranularityMinute, time.Second, sink.emit)

	now := clock.Now()
	// One bin two minutes in the past, one current.
	a.Add(entity.ReportPoint{Metric: "m", Source: "h", Timestamp: now - 2*time.Minute.Milliseconds(), Value: 1})
	a.Add(entity.ReportPoint{Metric: "m", Source: "h", Timestamp: now, Value: 2})
	require.Len(t, a.bins, 2)

	a.flush(false)
	assert.Len(t, sink.all(), 1)
	assert.Len(t, a.bins, 1)

	a.flush(true)
	assert.Len(t, sink.all(), 2)
	assert.Empty(t, a.bins)
}

func TestHistogramAccumulatorSeparatesTagSets(t *testing.T) {
	sink := &pointCollector{}
	a := NewHistogramAccumulator(histKey(), GranularityMinute, time.Second, sink.emit)

	ts := clock.Now()
	a.Add(entity.ReportPoint{Metric: "m", Source: "h", Timestamp: ts, Value: 1,
		Annotations: map[string]string{"env": "prod"}})
	a.Add(entity.ReportPoint{Metric: "m", Source: "h", Timestamp: ts, Value: 1,
		Annotations: map[string]string{"env": "dev"}})

	assert.Len(t, a.bins, 2)
}

func TestGranularityBinStart(t *testing.T) {
	ts := int64(1_700_000_123_456)
	assert.Equal(t, int64(1_700_000_100_000), GranularityMinute.BinStart(ts))
	assert.Equal(t, ts-ts%GranularityHour.Millis(), GranularityHour.BinStart(ts))
	assert.Equal(t, "minute", GranularityMinute.String())
	assert.Equal(t, "hour", GranularityHour.String())
	assert.Equal(t, "day", GranularityDay.String())
}
