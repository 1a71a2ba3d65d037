package checkin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/modules/sender"
	"github.com/relayproxy/relay/pkg/api"
	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

type checkinBackend struct {
	mtx      sync.Mutex
	paths    []string
	bodies   []int // body length per request
	respond  func(n int) (int, string)
	requests int
}

func (b *checkinBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 0)
		if r.Body != nil {
			buf := make([]byte, 1<<16)
			n, _ := r.Body.Read(buf)
			body = buf[:n]
		}
		b.mtx.Lock()
		b.requests++
		n := b.requests
		b.paths = append(b.paths, r.URL.Path)
		b.bodies = append(b.bodies, len(body))
		b.mtx.Unlock()
		status, payload := http.StatusOK, "{}"
		if b.respond != nil {
			status, payload = b.respond(n)
		}
		w.WriteHeader(status)
		w.Write([]byte(payload))
	}
}

func newTestController(t *testing.T, backend *checkinBackend,
	props map[entity.Type]*sender.Properties, traces TraceSettings) (*Controller, *int) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	t.Cleanup(clock.Reset)

	client := api.NewClient(srv.URL, "token", time.Second)
	c := NewController(Config{
		ProxyID:  uuid.New(),
		Hostname: "web-01",
		Version:  "test",
	}, client, prometheus.NewRegistry(), props, traces)

	exitCode := -1
	c.exit = func(code int) { exitCode = code }
	return c, &exitCode
}

func TestCheckinAppliesBatchSizes(t *testing.T) {
	backend := &checkinBackend{respond: func(int) (int, string) {
		return http.StatusOK, `{
			"collectorSetsPointsPerBatch": true,
			"pointsPerBatch": 500,
			"spansPerBatch": 50
		}`
	}}
	points := sender.NewProperties(entity.Point, 0, 40000)
	spans := sender.NewProperties(entity.Trace, 0, 5000)
	c, exitCode := newTestController(t, backend, map[entity.Type]*sender.Properties{
		entity.Point: points,
		entity.Trace: spans,
	}, nil)

	c.checkin(context.Background())

	assert.Equal(t, 500, points.ItemsPerBatch())
	assert.Equal(t, 50, spans.ItemsPerBatch())
	assert.Equal(t, -1, *exitCode)

	// The server releasing control restores the configured defaults.
	backend.respond = func(int) (int, string) { return http.StatusOK, `{}` }
	c.checkin(context.Background())
	assert.Equal(t, 40000, points.ItemsPerBatch())
	assert.Equal(t, 5000, spans.ItemsPerBatch())
}

func TestCheckinRetriesWithAPISuffix(t *testing.T) {
	backend := &checkinBackend{respond: func(n int) (int, string) {
		if n == 1 {
			return http.StatusNotFound, ""
		}
		return http.StatusOK, `{}`
	}}
	c, exitCode := newTestController(t, backend, nil, nil)

	c.checkin(context.Background())

	require.Equal(t, 2, backend.requests)
	assert.True(t, strings.HasPrefix(backend.paths[1], "/api/daemon/"))
	assert.True(t, c.everSucceeded)
	assert.Equal(t, -1, *exitCode)
}

func TestCheckinFatalWhenNeverReachable(t *testing.T) {
	backend := &checkinBackend{respond: func(int) (int, string) {
		return http.StatusNotFound, ""
	}}
	c, exitCode := newTestController(t, backend, nil, nil)

	c.checkin(context.Background())

	// Both the original URL and the /api fallback failed.
	assert.Equal(t, 2, backend.requests)
	assert.Equal(t, ExitCodeFatalCheckin, *exitCode)
}

func TestCheckinFatalOnBadToken(t *testing.T) {
	backend := &checkinBackend{respond: func(int) (int, string) {
		return http.StatusUnauthorized, ""
	}}
	c, exitCode := newTestController(t, backend, nil, nil)

	c.checkin(context.Background())
	assert.Equal(t, ExitCodeFatalCheckin, *exitCode)

	// After a prior success the same status only warns.
	c2, exitCode2 := newTestController(t, backend, nil, nil)
	c2.everSucceeded = true
	c2.checkin(context.Background())
	assert.Equal(t, -1, *exitCode2)
}

func TestCheckinShutOffAgents(t *testing.T) {
	backend := &checkinBackend{respond: func(int) (int, string) {
		return http.StatusOK, `{"shutOffAgents": true}`
	}}
	c, exitCode := newTestController(t, backend, nil, nil)

	c.checkin(context.Background())
	assert.Equal(t, 1, *exitCode)
}

func TestCheckinRebasesClock(t *testing.T) {
	rebased := clock.Now() + time.Hour.Milliseconds()
	backend := &checkinBackend{respond: func(int) (int, string) {
		return http.StatusOK, `{"currentTime": ` + strconv.FormatInt(rebased, 10) + `}`
	}}
	c, _ := newTestController(t, backend, nil, nil)

	c.checkin(context.Background())
	assert.InDelta(t, rebased, clock.Now(), 5000)
}

func TestCheckinPreservesSnapshotAcrossFailures(t *testing.T) {
	backend := &checkinBackend{respond: func(n int) (int, string) {
		if n <= 10 {
			return http.StatusInternalServerError, ""
		}
		return http.StatusOK, `{}`
	}}
	c, _ := newTestController(t, backend, nil, nil)
	c.everSucceeded = true // skip the first-run endpoint probing

	c.refreshSnapshot()
	require.NotNil(t, c.snapshot)
	snapshotLen := len(c.snapshot)
	require.Greater(t, snapshotLen, 0)

	for i := 0; i < 10; i++ {
		c.checkin(context.Background())
		// The undelivered snapshot is restored for the next round.
		assert.Len(t, c.snapshot, snapshotLen, "attempt %d", i)
	}
	c.checkin(context.Background())

	require.Equal(t, 11, backend.requests)
	// Every attempt carried the document; after delivery it is consumed.
	for i, n := range backend.bodies {
		assert.Equal(t, snapshotLen, n, "request %d", i)
	}
	assert.Nil(t, c.snapshot)
}

func TestSnapshotRefreshesOncePerMinute(t *testing.T) {
	backend := &checkinBackend{}
	c, _ := newTestController(t, backend, nil, nil)
	c.everSucceeded = true

	c.refreshSnapshot()
	require.NotNil(t, c.snapshot)

	// A successful check-in consumes the snapshot. Refreshes inside the
	// minute window do not rebuild it; the next check-ins ride without a
	// metrics document.
	c.checkin(context.Background())
	require.Nil(t, c.snapshot)
	c.refreshSnapshot()
	assert.Nil(t, c.snapshot)

	// Once the window has passed a fresh document is generated.
	c.lastSnapshot = time.Now().Add(-2 * snapshotInterval)
	c.refreshSnapshot()
	assert.NotNil(t, c.snapshot)
}

func TestCheckinFeatureFlagTransitions(t *testing.T) {
	disabled := true
	backend := &checkinBackend{respond: func(int) (int, string) {
		if disabled {
			return http.StatusOK, `{"traceDisabled": true}`
		}
		return http.StatusOK, `{}`
	}}
	spans := sender.NewProperties(entity.Trace, 0, 5000)
	c, _ := newTestController(t, backend, map[entity.Type]*sender.Properties{
		entity.Trace: spans,
	}, nil)

	c.checkin(context.Background())
	assert.True(t, spans.FeatureDisabled())

	disabled = false
	c.checkin(context.Background())
	assert.False(t, spans.FeatureDisabled())
}

type recordedTraceSettings struct {
	rate       *float64
	activeOnly bool
	delayed    *int64
}

func (r *recordedTraceSettings) SetSamplingRate(rate *float64) { r.rate = rate }
func (r *recordedTraceSettings) SetActiveSamplingOnly(v bool)  { r.activeOnly = v }
func (r *recordedTraceSettings) SetDropSpansDelayed(m *int64)  { r.delayed = m }

func TestCheckinAppliesTraceSettings(t *testing.T) {
	backend := &checkinBackend{respond: func(int) (int, string) {
		return http.StatusOK, `{
			"spanSamplingRate": 0.25,
			"activeSpanSamplingOnly": true,
			"dropSpansDelayedMinutes": 15
		}`
	}}
	settings := &recordedTraceSettings{}
	c, _ := newTestController(t, backend, nil, settings)

	c.checkin(context.Background())

	require.NotNil(t, settings.rate)
	assert.Equal(t, 0.25, *settings.rate)
	assert.True(t, settings.activeOnly)
	require.NotNil(t, settings.delayed)
	assert.Equal(t, int64(15), *settings.delayed)
}

