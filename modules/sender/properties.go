package sender

import (
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/relayproxy/relay/pkg/entity"
)

// What we consider "unlimited".
const NoRateLimit = 10_000_000

// Defaults for dynamic properties. The backend may override most of these
// on any check-in.
const (
	DefaultFlushInterval       = time.Second
	DefaultMaxBurstSeconds     = 10
	DefaultMinBatchSplitSize   = 100
	DefaultRetryBackoffBase    = 2.0
	DefaultMaxAttempts         = 100
	DefaultMaxQueueAge         = 24 * time.Hour
	DefaultBatchSizePoints     = 40_000
	DefaultBatchSizeHistograms = 10_000
	DefaultBatchSizeSpans      = 5_000
	DefaultBatchSizeSpanLogs   = 1_000
	DefaultBatchSizeSourceTags = 50
)

// DefaultBatchSize returns the built-in items-per-batch for an entity type.
func DefaultBatchSize(t entity.Type) int {
	switch t {
	case entity.Histogram:
		return DefaultBatchSizeHistograms
	case entity.Trace:
		return DefaultBatchSizeSpans
	case entity.SpanLogs:
		return DefaultBatchSizeSpanLogs
	case entity.SourceTag:
		return DefaultBatchSizeSourceTags
	default:
		return DefaultBatchSizePoints
	}
}

// Properties is the per-entity set of dynamic tunables. Sender tasks read
// the atomic slots on every flush, so check-in updates take effect without
// locking or restarts.
type Properties struct {
	entityType            entity.Type
	itemsPerBatchOriginal int
	rateLimitOriginal     float64

	itemsPerBatch            atomic.Int64
	retryBackoffBase         atomic.Float64
	splitPushWhenRateLimited atomic.Bool
	featureDisabled          atomic.Bool
	rateLimit                atomic.Float64

	minBatchSplitSize int
	flushInterval     time.Duration
	maxBurstSeconds   int
	maxAttempts       int
	maxQueueAge       time.Duration

	limiter *rate.Limiter
}

// NewProperties builds Properties with built-in defaults for the entity
// type. rateLimit <= 0 means unlimited.
func NewProperties(entityType entity.Type, rateLimit float64, itemsPerBatch int) *Properties {
	if rateLimit <= 0 {
		rateLimit = NoRateLimit
	}
	if itemsPerBatch <= 0 {
		itemsPerBatch = DefaultBatchSize(entityType)
	}
	p := &Properties{
		entityType:            entityType,
		itemsPerBatchOriginal: itemsPerBatch,
		rateLimitOriginal:     rateLimit,
		minBatchSplitSize:     DefaultMinBatchSplitSize,
		flushInterval:         DefaultFlushInterval,
		maxBurstSeconds:       DefaultMaxBurstSeconds,
		maxAttempts:           DefaultMaxAttempts,
		maxQueueAge:           DefaultMaxQueueAge,
		limiter:               rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)*DefaultMaxBurstSeconds),
	}
	p.itemsPerBatch.Store(int64(itemsPerBatch))
	p.retryBackoffBase.Store(DefaultRetryBackoffBase)
	p.splitPushWhenRateLimited.Store(true)
	p.rateLimit.Store(rateLimit)
	return p
}

func (p *Properties) EntityType() entity.Type { return p.entityType }

func (p *Properties) ItemsPerBatch() int { return int(p.itemsPerBatch.Load()) }

// SetItemsPerBatch applies a backend override; nil restores the configured
// value.
func (p *Properties) SetItemsPerBatch(v *int64) {
	if v == nil {
		p.itemsPerBatch.Store(int64(p.itemsPerBatchOriginal))
		return
	}
	p.itemsPerBatch.Store(*v)
}

func (p *Properties) RateLimit() float64 { return p.rateLimit.Load() }

// SetRateLimit applies a backend override to the smoothed token bucket.
// Burst capacity is rateLimit * maxBurstSeconds.
func (p *Properties) SetRateLimit(limit float64) {
	if limit <= 0 {
		limit = NoRateLimit
	}
	p.rateLimit.Store(limit)
	p.limiter.SetLimit(rate.Limit(limit))
	p.limiter.SetBurst(int(limit) * p.maxBurstSeconds)
}

// ResetRateLimit restores the locally configured rate limit.
func (p *Properties) ResetRateLimit() { p.SetRateLimit(p.rateLimitOriginal) }

func (p *Properties) Limiter() *rate.Limiter { return p.limiter }

func (p *Properties) RetryBackoffBaseSeconds() float64 { return p.retryBackoffBase.Load() }

func (p *Properties) SetRetryBackoffBaseSeconds(v *float64) {
	if v == nil {
		p.retryBackoffBase.Store(DefaultRetryBackoffBase)
		return
	}
	p.retryBackoffBase.Store(*v)
}

func (p *Properties) SplitPushWhenRateLimited() bool { return p.splitPushWhenRateLimited.Load() }

func (p *Properties) SetSplitPushWhenRateLimited(v bool) { p.splitPushWhenRateLimited.Store(v) }

func (p *Properties) FeatureDisabled() bool { return p.featureDisabled.Load() }

// SetFeatureDisabled flips the backend-controlled kill switch for this
// entity type. Senders keep accepting but silently drop at flush time.
func (p *Properties) SetFeatureDisabled(v bool) { p.featureDisabled.Store(v) }

func (p *Properties) MinBatchSplitSize() int { return p.minBatchSplitSize }

func (p *Properties) FlushInterval() time.Duration { return p.flushInterval }

func (p *Properties) MaxAttempts() int { return p.maxAttempts }

func (p *Properties) MaxQueueAge() time.Duration { return p.maxQueueAge }

// MemoryBufferLimit is the maximum number of items allowed to sit in memory
// buffers before overflow is drained to the spool.
func (p *Properties) MemoryBufferLimit() int {
	n := 16 * p.ItemsPerBatch()
	if n < p.ItemsPerBatch() {
		n = p.ItemsPerBatch()
	}
	return n
}
