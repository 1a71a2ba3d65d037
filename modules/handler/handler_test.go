package handler

import (
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

type captureEmitter[T any] struct {
	items []T
}

func (e *captureEmitter[T]) Add(item T) { e.items = append(e.items, item) }

func pointKey() entity.HandlerKey {
	return entity.HandlerKey{Entity: entity.Point, Handle: "2878"}
}

func acceptedPoint() entity.ReportPoint {
	return entity.ReportPoint{
		Metric:    "cpu.usage",
		Source:    "web-01",
		Timestamp: clock.Now(),
		Value:     0.5,
	}
}

func TestHandlerForwardsValidItems(t *testing.T) {
	emitter := &captureEmitter[entity.ReportPoint]{}
	h := NewPointHandler(pointKey(), entity.DefaultValidationConfiguration(), emitter, Options{})

	require.NoError(t, h.Report(acceptedPoint()))
	require.Len(t, emitter.items, 1)

	snap := h.Snapshot()
	assert.Equal(t, int64(1), snap.Received)
	assert.Equal(t, int64(0), snap.Blocked)
}

func TestHandlerRejectsInvalidItems(t *testing.T) {
	emitter := &captureEmitter[entity.ReportPoint]{}
	h := NewPointHandler(pointKey(), entity.DefaultValidationConfiguration(), emitter, Options{})

	bad := acceptedPoint()
	bad.Metric = ""
	err := h.Report(bad)
	require.Error(t, err)
	assert.Empty(t, emitter.items)

	snap := h.Snapshot()
	assert.Equal(t, int64(1), snap.Received)
	assert.Equal(t, int64(1), snap.Blocked)
}

func TestDeltaCounterHandlerRejectsNonDelta(t *testing.T) {
	emitter := &captureEmitter[entity.ReportPoint]{}
	h := NewDeltaCounterHandler(entity.HandlerKey{Entity: entity.DeltaCounter, Handle: "2878"},
		entity.DefaultValidationConfiguration(), emitter, Options{})

	delta := acceptedPoint()
	delta.Metric = "∆request.count"
	require.NoError(t, h.Report(delta))
	require.Len(t, emitter.items, 1)

	plain := acceptedPoint()
	err := h.Report(plain)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-delta counter data")
	assert.Len(t, emitter.items, 1)

	snap := h.Snapshot()
	assert.Equal(t, int64(2), snap.Received)
	assert.Equal(t, int64(1), snap.Blocked)
}

func TestHandlerRecoversFromPanic(t *testing.T) {
	emitter := EmitterFunc[entity.ReportPoint](func(entity.ReportPoint) {
		panic("emitter exploded")
	})
	h := New(pointKey(), nil, nil, emitter, Options{})

	err := h.Report(acceptedPoint())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WF-500 Uncaught exception when handling input")
	assert.Contains(t, err.Error(), "emitter exploded")

	snap := h.Snapshot()
	assert.Equal(t, int64(1), snap.Blocked)
}

func TestHandlerBlockCountsWithoutReject(t *testing.T) {
	emitter := &captureEmitter[entity.ReportPoint]{}
	h := NewPointHandler(pointKey(), entity.DefaultValidationConfiguration(), emitter, Options{})

	h.Block(acceptedPoint(), "dropped by rule cap-metric")

	snap := h.Snapshot()
	assert.Equal(t, int64(0), snap.Received)
	assert.Equal(t, int64(1), snap.Blocked)
}

func TestHandlerWritesBlockedLog(t *testing.T) {
	var lines []string
	blockedLog := kitlog.LoggerFunc(func(keyvals ...interface{}) error {
		lines = append(lines, "line")
		return nil
	})
	emitter := &captureEmitter[entity.ReportPoint]{}
	h := NewPointHandler(pointKey(), entity.DefaultValidationConfiguration(), emitter,
		Options{BlockedLog: blockedLog})

	bad := acceptedPoint()
	bad.Source = ""
	h.Report(bad)
	h.Report(acceptedPoint())

	assert.Len(t, lines, 1)
	assert.Len(t, emitter.items, 1)
}

func TestSpanLogsHandlerValidation(t *testing.T) {
	emitter := &captureEmitter[entity.SpanLogRecord]{}
	h := NewSpanLogsHandler(entity.HandlerKey{Entity: entity.SpanLogs, Handle: "30001"}, emitter, Options{})

	good := entity.SpanLogRecord{
		TraceID: "t-1",
		SpanID:  "s-1",
		Logs:    []entity.SpanLog{{TimestampMicros: clock.Now() * 1000, Fields: map[string]string{"event": "error"}}},
	}
	require.NoError(t, h.Report(good))

	missing := good
	missing.SpanID = ""
	assert.Error(t, h.Report(missing))

	empty := good
	empty.Logs = nil
	assert.Error(t, h.Report(empty))

	assert.Len(t, emitter.items, 1)
}

func TestSourceTagHandlerValidation(t *testing.T) {
	emitter := &captureEmitter[entity.SourceTagOperation]{}
	h := NewSourceTagHandler(entity.HandlerKey{Entity: entity.SourceTag, Handle: "2878"}, emitter, Options{})

	op := entity.SourceTagOperation{
		Operation:   entity.SourceTagOp,
		Action:      entity.ActionAdd,
		Source:      "web-01",
		Annotations: []string{"prod"},
	}
	require.NoError(t, h.Report(op))

	op.Annotations = nil
	assert.Error(t, h.Report(op))
}

func TestRateTracker(t *testing.T) {
	tr := newRateTracker()
	for i := 0; i < 42; i++ {
		tr.mark()
	}
	max1m, max5m, max15m := tr.maxRates()
	assert.Equal(t, int64(42), max1m)
	assert.Equal(t, int64(42), max5m)
	assert.Equal(t, int64(42), max15m)
}
