// Package handler implements the receive side of a pipeline: validation,
// accounting and fan-out of incoming items to sender pools or accumulators.
// One handler exists per (entity type, handle) pair.
package handler

import (
	"fmt"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

var (
	metricReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "handler_items_received_total",
		Help:      "Items received, before validation.",
	}, []string{"pipeline"})
	metricBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "handler_items_blocked_total",
		Help:      "Items blocked by validation or preprocessor rules.",
	}, []string{"pipeline"})
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "handler_items_rejected_total",
		Help:      "Items rejected with a reason reported back to the sender.",
	}, []string{"pipeline"})
	metricReceivedLag = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "handler_received_lag_seconds",
		Help:      "Difference between item timestamp and arrival time.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 4, 8),
	}, []string{"pipeline"})
)

// CountBlocked credits items blocked on a pipeline outside its handler's
// own validation path, such as buffered items dropped at flush time while
// the feature is paused server-side. Keeps the pipeline's blocked counter
// in step with its received counter.
func CountBlocked(key entity.HandlerKey, n int) {
	if n > 0 {
		metricBlocked.WithLabelValues(key.String()).Add(float64(n))
	}
}

// Emitter receives validated items. Sender pools and accumulators both
// satisfy it.
type Emitter[T any] interface {
	Add(item T)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc[T any] func(item T)

func (f EmitterFunc[T]) Add(item T) { f(item) }

// Handler validates and forwards one entity type on one handle. Validation
// and emission are supplied by the pipeline wiring, so the same accounting
// and logging applies to every entity type.
type Handler[T any] struct {
	key      entity.HandlerKey
	validate func(item *T) error
	lag      func(item *T) (time.Duration, bool)
	emit     Emitter[T]

	blockedLog     kitlog.Logger
	validLog       kitlog.Logger
	blockedLimiter *rate.Limiter

	received prometheus.Counter
	blocked  prometheus.Counter
	rejected prometheus.Counter
	lagHist  prometheus.Observer

	receivedCount atomic.Int64
	blockedCount  atomic.Int64

	tracker *rateTracker
}

// Options carries the optional pieces of a handler.
type Options struct {
	// BlockedLog receives one line per blocked item, rate limited to
	// BlockedLogRate lines per second. Nil disables the log.
	BlockedLog kitlog.Logger

	// ValidLog receives every accepted item. Nil disables the log.
	ValidLog kitlog.Logger

	// BlockedLogRate is lines per second for BlockedLog. The conventional
	// value is itemsPerBatch/10.
	BlockedLogRate float64
}

// New builds a handler. validate returns nil to accept the item; lag may be
// nil when the entity type carries no timestamp.
func New[T any](key entity.HandlerKey, validate func(*T) error,
	lag func(*T) (time.Duration, bool), emit Emitter[T], opts Options) *Handler[T] {
	pipeline := key.String()
	if opts.BlockedLogRate <= 0 {
		opts.BlockedLogRate = 1
	}
	return &Handler[T]{
		key:            key,
		validate:       validate,
		lag:            lag,
		emit:           emit,
		blockedLog:     opts.BlockedLog,
		validLog:       opts.ValidLog,
		blockedLimiter: rate.NewLimiter(rate.Limit(opts.BlockedLogRate), 1),
		received:       metricReceived.WithLabelValues(pipeline),
		blocked:        metricBlocked.WithLabelValues(pipeline),
		rejected:       metricRejected.WithLabelValues(pipeline),
		lagHist:        metricReceivedLag.WithLabelValues(pipeline),
		tracker:        newRateTracker(),
	}
}

// Key returns the pipeline key.
func (h *Handler[T]) Key() entity.HandlerKey { return h.key }

// Report accepts one item: validate, account, forward. A panic inside
// validation or emission is converted to a rejection so one malformed item
// cannot take down the listener.
func (h *Handler[T]) Report(item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("WF-500 Uncaught exception when handling input (%v)", r)
			h.reject(&item, err.Error())
		}
	}()

	h.received.Inc()
	h.receivedCount.Inc()
	h.tracker.mark()

	if h.validate != nil {
		if verr := h.validate(&item); verr != nil {
			h.reject(&item, verr.Error())
			return verr
		}
	}
	if h.lag != nil {
		if d, ok := h.lag(&item); ok {
			h.lagHist.Observe(d.Seconds())
		}
	}
	if h.validLog != nil {
		h.validLog.Log("item", fmt.Sprintf("%v", item))
	}
	h.emit.Add(item)
	return nil
}

// Block counts an item dropped by a preprocessor rule, without a reason
// reported back to the sender.
func (h *Handler[T]) Block(item T, ruleDescription string) {
	h.blocked.Inc()
	h.blockedCount.Inc()
	h.logBlocked(&item, ruleDescription)
}

func (h *Handler[T]) reject(item *T, reason string) {
	h.blocked.Inc()
	h.blockedCount.Inc()
	h.rejected.Inc()
	if h.blockedLimiter.Allow() {
		level.Warn(log.Logger).Log("msg", "blocked input", "pipeline", h.key.String(),
			"reason", reason)
	}
	h.logBlocked(item, reason)
}

func (h *Handler[T]) logBlocked(item *T, reason string) {
	if h.blockedLog == nil {
		return
	}
	h.blockedLog.Log("reason", reason, "item", fmt.Sprintf("%v", *item))
}

// ReceivedStats returns 1, 5 and 15 minute max per-second receive rates.
func (h *Handler[T]) ReceivedStats() (max1m, max5m, max15m int64) {
	return h.tracker.maxRates()
}

// Snapshot returns running totals for the stats printer.
func (h *Handler[T]) Snapshot() Snapshot {
	max1m, max5m, max15m := h.tracker.maxRates()
	return Snapshot{
		Key:      h.key,
		Received: h.receivedCount.Load(),
		Blocked:  h.blockedCount.Load(),
		Max1m:    max1m,
		Max5m:    max5m,
		Max15m:   max15m,
	}
}
