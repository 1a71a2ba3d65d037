// Package checkin drives the periodic handshake with the backend: it pushes
// a process metrics snapshot, pulls the dynamic AgentConfiguration and
// applies it to the running pipelines.
package checkin

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relayproxy/relay/modules/sender"
	"github.com/relayproxy/relay/pkg/api"
	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

const (
	checkinInterval  = time.Second
	snapshotInterval = time.Minute

	// ExitCodeFatalCheckin is returned when the proxy can never reach the
	// backend, typically a wrong URL or token.
	ExitCodeFatalCheckin = -5
)

var (
	metricCheckins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "checkin_attempts_total",
		Help:      "Check-in round trips by outcome.",
	}, []string{"outcome"})
	metricCheckinLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "checkin_duration_seconds",
		Help:      "Latency of check-in round trips.",
		Buckets:   prometheus.DefBuckets,
	})
)

// TraceSettings receives the span sampling knobs from the backend.
type TraceSettings interface {
	SetSamplingRate(rate *float64)
	SetActiveSamplingOnly(v bool)
	SetDropSpansDelayed(minutes *int64)
}

// Controller runs the check-in loop. The loop ticks every second; metrics
// snapshots refresh once a minute and ride along on the next check-in.
type Controller struct {
	services.Service

	client    *api.Client
	proxyID   uuid.UUID
	hostname  string
	version   string
	ephemeral bool

	gatherer prometheus.Gatherer
	props    map[entity.Type]*sender.Properties
	traces   TraceSettings

	// exit is swappable for tests.
	exit func(code int)

	mtx          sync.Mutex
	snapshot     []byte
	snapshotTS   int64
	lastSnapshot time.Time

	everSucceeded bool
	triedAPIPath  bool
	pausedBanner  map[entity.Type]bool
	errorBanner   bool
}

// Config carries the static identity of this proxy instance.
type Config struct {
	ProxyID   uuid.UUID
	Hostname  string
	Version   string
	Ephemeral bool
}

// NewController builds the controller. props maps each entity type to the
// dynamic tunables check-in is allowed to override; traces may be nil when
// the trace pipeline is disabled.
func NewController(cfg Config, client *api.Client, gatherer prometheus.Gatherer,
	props map[entity.Type]*sender.Properties, traces TraceSettings) *Controller {
	c := &Controller{
		client:       client,
		proxyID:      cfg.ProxyID,
		hostname:     cfg.Hostname,
		version:      cfg.Version,
		ephemeral:    cfg.Ephemeral,
		gatherer:     gatherer,
		props:        props,
		traces:       traces,
		exit:         os.Exit,
		pausedBanner: make(map[entity.Type]bool),
	}
	c.Service = services.NewBasicService(nil, c.running, nil)
	return c
}

func (c *Controller) running(ctx context.Context) error {
	ticker := time.NewTicker(checkinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.refreshSnapshot()
			c.checkin(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// refreshSnapshot regenerates the metrics document at most once a minute.
func (c *Controller) refreshSnapshot() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if time.Since(c.lastSnapshot) < snapshotInterval {
		return
	}
	doc, err := snapshotMetrics(c.gatherer)
	if err != nil {
		level.Warn(log.Logger).Log("msg", "failed to snapshot metrics", "err", err)
		return
	}
	c.snapshot = doc
	c.snapshotTS = clock.Now()
	c.lastSnapshot = time.Now()
}

func (c *Controller) checkin(ctx context.Context) {
	c.mtx.Lock()
	doc, ts := c.snapshot, c.snapshotTS
	c.snapshot = nil
	c.mtx.Unlock()

	start := time.Now()
	cfg, err := c.client.Checkin(ctx, c.proxyID, c.hostname, c.version, ts, doc, c.ephemeral)
	metricCheckinLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metricCheckins.WithLabelValues("error").Inc()
		// The snapshot was not delivered; put it back for the next round.
		c.mtx.Lock()
		if c.snapshot == nil {
			c.snapshot = doc
		}
		c.mtx.Unlock()
		c.handleError(ctx, err)
		return
	}
	metricCheckins.WithLabelValues("success").Inc()
	c.everSucceeded = true
	c.errorBanner = false
	c.apply(cfg)
}

// handleError reacts to a failed check-in. Before the first success a
// 404/405 usually means the server URL is missing its /api suffix, which is
// fixed up once; any further hard failure on a never-working setup is fatal.
func (c *Controller) handleError(ctx context.Context, err error) {
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			if !c.everSucceeded && !c.triedAPIPath {
				c.triedAPIPath = true
				endpoint := strings.TrimSuffix(c.client.Endpoint(), "/") + "/api"
				level.Warn(log.Logger).Log("msg", "server returned 404, retrying with /api suffix",
					"endpoint", endpoint)
				c.client.SetEndpoint(endpoint)
				c.checkin(ctx)
				return
			}
			if !c.everSucceeded {
				level.Error(log.Logger).Log("msg", "server endpoint not found, verify the server URL")
				c.exit(ExitCodeFatalCheckin)
				return
			}
		case http.StatusUnauthorized, http.StatusForbidden:
			level.Error(log.Logger).Log("msg", "check-in rejected, verify the API token",
				"status", httpErr.StatusCode)
			if !c.everSucceeded {
				c.exit(ExitCodeFatalCheckin)
			}
			return
		}
	}
	if !c.errorBanner {
		c.errorBanner = true
		level.Warn(log.Logger).Log("msg", "cannot check in with server, will keep retrying", "err", err)
	}
}

// apply pushes the server-side configuration into the running pipelines.
func (c *Controller) apply(cfg *api.AgentConfiguration) {
	if cfg.CurrentTime != nil {
		clock.Set(*cfg.CurrentTime)
	}
	if cfg.ShutOffAgents {
		level.Error(log.Logger).Log("msg", "shutdown requested by server, terminating")
		c.exit(1)
		return
	}

	c.applyBatchSize(entity.Point, cfg.CollectorSetsPointsPerBatch, cfg.PointsPerBatch)
	c.applyBatchSize(entity.DeltaCounter, cfg.CollectorSetsPointsPerBatch, cfg.PointsPerBatch)
	c.applyBatchSize(entity.Histogram, cfg.CollectorSetsPointsPerBatch, cfg.HistogramsPerBatch)
	c.applyBatchSize(entity.Trace, cfg.CollectorSetsPointsPerBatch, cfg.SpansPerBatch)
	c.applyBatchSize(entity.SpanLogs, cfg.CollectorSetsPointsPerBatch, cfg.SpanLogsPerBatch)

	for _, p := range c.props {
		if boolVal(cfg.CollectorSetsRateLimit) && cfg.CollectorRateLimit != nil {
			p.SetRateLimit(*cfg.CollectorRateLimit)
		} else {
			p.ResetRateLimit()
		}
		if boolVal(cfg.CollectorSetsRetryBackoff) {
			p.SetRetryBackoffBaseSeconds(cfg.RetryBackoffBaseSeconds)
		} else {
			p.SetRetryBackoffBaseSeconds(nil)
		}
		if cfg.SplitPushWhenRateLimited != nil {
			p.SetSplitPushWhenRateLimited(*cfg.SplitPushWhenRateLimited)
		}
	}

	c.applyFeatureFlag(entity.Histogram, boolVal(cfg.HistogramDisabled))
	c.applyFeatureFlag(entity.Trace, boolVal(cfg.TraceDisabled))
	c.applyFeatureFlag(entity.SpanLogs, boolVal(cfg.SpanLogsDisabled))

	if c.traces != nil {
		c.traces.SetSamplingRate(cfg.SpanSamplingRate)
		if cfg.ActiveSpanSamplingOnly != nil {
			c.traces.SetActiveSamplingOnly(*cfg.ActiveSpanSamplingOnly)
		}
		c.traces.SetDropSpansDelayed(cfg.DropSpansDelayedMinutes)
	}
}

func (c *Controller) applyBatchSize(t entity.Type, serverControlled *bool, size *int64) {
	p, ok := c.props[t]
	if !ok {
		return
	}
	if boolVal(serverControlled) {
		p.SetItemsPerBatch(size)
	} else {
		p.SetItemsPerBatch(nil)
	}
}

// applyFeatureFlag flips a server-side kill switch, logging a banner only on
// transitions so a paused feature does not spam the log every second.
func (c *Controller) applyFeatureFlag(t entity.Type, disabled bool) {
	p, ok := c.props[t]
	if !ok {
		return
	}
	if disabled == p.FeatureDisabled() {
		return
	}
	p.SetFeatureDisabled(disabled)
	if disabled && !c.pausedBanner[t] {
		c.pausedBanner[t] = true
		level.Warn(log.Logger).Log("msg", "feature paused by server, incoming items will be dropped",
			"entity", string(t))
	}
	if !disabled {
		c.pausedBanner[t] = false
		level.Info(log.Logger).Log("msg", "feature re-enabled by server", "entity", string(t))
	}
}

func boolVal(b *bool) bool {
	return b != nil && *b
}
