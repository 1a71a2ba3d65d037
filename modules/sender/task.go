package sender

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relayproxy/relay/modules/handler"
	"github.com/relayproxy/relay/modules/queue"
	"github.com/relayproxy/relay/pkg/api"
	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

const maxRetryDelay = 60 * time.Second

var (
	metricItemsAttempted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "sender_items_attempted_total",
		Help:      "Items handed to the backend, including retries.",
	}, []string{"pipeline"})
	metricItemsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "sender_items_delivered_total",
		Help:      "Items accepted by the backend.",
	}, []string{"pipeline"})
	metricItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "sender_items_failed_total",
		Help:      "Items in batches that failed to deliver.",
	}, []string{"pipeline"})
	metricItemsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "sender_items_dropped_total",
		Help:      "Items dropped while the feature is disabled server-side.",
	}, []string{"pipeline"})
	metricTasksQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "sender_tasks_queued_total",
		Help:      "Submission tasks spooled to disk, by reason.",
	}, []string{"pipeline", "reason"})
	metricTasksDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "sender_tasks_dead_lettered_total",
		Help:      "Spooled tasks discarded after exceeding retry or age limits.",
	}, []string{"pipeline"})
)

// SenderTask drains one buffer of items into batched submissions. Several
// tasks share a pipeline (one per flush thread), each with its own buffer
// so Add never contends on the flush path of another task.
type SenderTask[T any] struct {
	key   entity.HandlerKey
	props *Properties
	build func(entity.HandlerKey, []T) Submission

	client *api.Client
	spool  queue.TaskQueue

	mtx     sync.Mutex
	buffer  []T
	pending []Submission

	// backoffUntil gates spool retries after a delivery failure, in epoch
	// millis. Guarded by mtx.
	backoffUntil int64

	attempted    prometheus.Counter
	delivered    prometheus.Counter
	failed       prometheus.Counter
	dropped      prometheus.Counter
	deadLettered prometheus.Counter
}

func newSenderTask[T any](key entity.HandlerKey, props *Properties, client *api.Client,
	spool queue.TaskQueue, build func(entity.HandlerKey, []T) Submission) *SenderTask[T] {
	pipeline := key.String()
	return &SenderTask[T]{
		key:          key,
		props:        props,
		build:        build,
		client:       client,
		spool:        spool,
		attempted:    metricItemsAttempted.WithLabelValues(pipeline),
		delivered:    metricItemsDelivered.WithLabelValues(pipeline),
		failed:       metricItemsFailed.WithLabelValues(pipeline),
		dropped:      metricItemsDropped.WithLabelValues(pipeline),
		deadLettered: metricTasksDeadLettered.WithLabelValues(pipeline),
	}
}

// Add appends one item to the task buffer. When the buffer exceeds its
// share of the memory limit, the overflow is drained to the spool so
// memory stays bounded under sustained backend pressure.
func (t *SenderTask[T]) Add(item T, bufferShare int) {
	t.mtx.Lock()
	t.buffer = append(t.buffer, item)
	overflow := len(t.buffer) > bufferShare
	t.mtx.Unlock()
	if overflow {
		t.drainToSpool(queue.ReasonBufferSize, bufferShare/2)
	}
}

// TaskRelativeScore ranks this task for the handler's round-robin pick.
// Tasks carrying failed submissions or deep buffers score worse.
func (t *SenderTask[T]) TaskRelativeScore() int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	score := int64(len(t.buffer))
	for _, s := range t.pending {
		score += int64(s.Weight()) * 2
	}
	if t.backoffUntil > clock.Now() {
		score += 1 << 20
	}
	return score
}

// Flush runs one flush cycle: pending re-queued submissions first, then a
// batch cut from the buffer, then at most one spooled task.
func (t *SenderTask[T]) Flush(ctx context.Context) {
	if t.props.FeatureDisabled() {
		t.dropAll()
		return
	}
	t.flushPending(ctx)
	t.flushBuffer(ctx)
	t.retryFromSpool(ctx)
}

func (t *SenderTask[T]) dropAll() {
	t.mtx.Lock()
	n := len(t.buffer)
	for _, s := range t.pending {
		n += s.Weight()
	}
	t.buffer = t.buffer[:0]
	t.pending = t.pending[:0]
	t.mtx.Unlock()
	if n > 0 {
		t.dropped.Add(float64(n))
		handler.CountBlocked(t.key, n)
	}
}

func (t *SenderTask[T]) flushPending(ctx context.Context) {
	for {
		t.mtx.Lock()
		if len(t.pending) == 0 {
			t.mtx.Unlock()
			return
		}
		s := t.pending[0]
		t.pending = t.pending[1:]
		t.mtx.Unlock()
		if !t.submit(ctx, s) {
			return
		}
	}
}

func (t *SenderTask[T]) flushBuffer(ctx context.Context) {
	batchSize := t.props.ItemsPerBatch()
	t.mtx.Lock()
	n := len(t.buffer)
	if n == 0 {
		t.mtx.Unlock()
		return
	}
	if n > batchSize {
		n = batchSize
	}
	batch := make([]T, n)
	copy(batch, t.buffer)
	t.buffer = append(t.buffer[:0], t.buffer[n:]...)
	t.mtx.Unlock()

	t.submit(ctx, t.build(t.key, batch))
}

// submit delivers one submission, honoring the pipeline rate limit. A
// rate-limited submission stays in memory at the head of the pending list;
// pacing alone never sends work to the spool.
func (t *SenderTask[T]) submit(ctx context.Context, s Submission) bool {
	if parts := t.splitOversized(s); parts != nil {
		t.requeue(parts)
		return false
	}
	if !t.props.Limiter().AllowN(time.Now(), s.Weight()) {
		if t.props.SplitPushWhenRateLimited() {
			parts := s.Split(t.props.MinBatchSplitSize(), t.props.ItemsPerBatch())
			if len(parts) > 1 {
				if t.props.Limiter().AllowN(time.Now(), parts[0].Weight()) {
					t.requeue(parts[1:])
					return t.deliver(ctx, parts[0])
				}
				t.requeue(parts)
				return false
			}
		}
		t.requeue([]Submission{s})
		return false
	}
	return t.deliver(ctx, s)
}

// splitOversized splits a submission wider than the limiter's burst
// capacity. Such a submission can never acquire tokens, so without the
// split it would sit undeliverable until dead-lettered. Returns nil when
// the submission already fits.
func (t *SenderTask[T]) splitOversized(s Submission) []Submission {
	burst := t.props.Limiter().Burst()
	if burst <= 0 || s.Weight() <= burst {
		return nil
	}
	minSplit := t.props.MinBatchSplitSize()
	if minSplit > burst/2 {
		minSplit = burst / 2
	}
	if minSplit < 1 {
		minSplit = 1
	}
	parts := s.Split(minSplit, burst)
	if len(parts) < 2 {
		return nil
	}
	return parts
}

// deliver executes one submission and reacts to the response status.
func (t *SenderTask[T]) deliver(ctx context.Context, s Submission) bool {
	weight := s.Weight()
	t.attempted.Add(float64(weight))
	s.IncAttempts()

	code, err := s.Execute(ctx, t.client)
	if err != nil {
		level.Warn(log.Logger).Log("msg", "backend unreachable, spooling batch",
			"pipeline", t.key.String(), "err", err)
		t.failed.Add(float64(weight))
		t.spoolSubmission(s, queue.ReasonServerError)
		return false
	}

	switch {
	case code/100 == 2:
		t.delivered.Add(float64(weight))
		return true

	case code == http.StatusNotAcceptable:
		// Pushback. Split and re-queue the halves ahead of the buffer;
		// an unsplittable batch goes to the spool instead.
		t.failed.Add(float64(weight))
		parts := s.Split(t.props.MinBatchSplitSize(), t.props.ItemsPerBatch())
		if len(parts) > 1 {
			t.requeue(parts)
			return false
		}
		t.spoolSubmission(s, queue.ReasonServerError)
		return false

	case code == http.StatusProxyAuthRequired || code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests || code/100 == 5:
		t.failed.Add(float64(weight))
		t.spoolSubmission(s, queue.ReasonServerError)
		return false

	default:
		// Remaining 4xx: the server rejected the payload for good. Retrying
		// would fail forever, so the batch is dropped.
		level.Warn(log.Logger).Log("msg", "batch rejected by server, dropping",
			"pipeline", t.key.String(), "status", code, "items", weight)
		t.failed.Add(float64(weight))
		return true
	}
}

func (t *SenderTask[T]) requeue(parts []Submission) {
	t.mtx.Lock()
	t.pending = append(parts, t.pending...)
	t.mtx.Unlock()
}

func (t *SenderTask[T]) spoolSubmission(s Submission, reason queue.Reason) {
	record, err := s.Marshal()
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to serialize submission, data lost",
			"pipeline", t.key.String(), "err", err)
		return
	}
	if err := t.spool.Add(record); err != nil {
		level.Error(log.Logger).Log("msg", "failed to spool submission, data lost",
			"pipeline", t.key.String(), "err", err)
		return
	}
	metricTasksQueued.WithLabelValues(t.key.String(), string(reason)).Inc()
	t.mtx.Lock()
	t.backoffUntil = clock.Now() + t.retryDelayMillis(s.Attempts())
	t.mtx.Unlock()
}

// retryDelayMillis computes base^attempt seconds, capped at one minute,
// with up to 10% jitter so tasks spread out after a shared outage.
func (t *SenderTask[T]) retryDelayMillis(attempt int) int64 {
	base := t.props.RetryBackoffBaseSeconds()
	delay := time.Duration(math.Pow(base, float64(attempt)) * float64(time.Second))
	if delay > maxRetryDelay || delay < 0 {
		delay = maxRetryDelay
	}
	delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay.Milliseconds()
}

// retryFromSpool re-attempts the head spooled task, if any, once the backoff
// window has passed.
func (t *SenderTask[T]) retryFromSpool(ctx context.Context) {
	t.mtx.Lock()
	waiting := t.backoffUntil > clock.Now()
	t.mtx.Unlock()
	if waiting {
		return
	}

	record, err := t.spool.Peek()
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to read spool",
			"pipeline", t.key.String(), "err", err)
		return
	}
	if record == nil {
		return
	}

	s, err := UnmarshalSubmission(record)
	if err != nil {
		// Unreadable record, drop it so the queue keeps moving.
		level.Error(log.Logger).Log("msg", "dropping undecodable spooled task",
			"pipeline", t.key.String(), "err", err)
		t.spool.Remove()
		return
	}

	if s.Attempts() >= t.props.MaxAttempts() ||
		clock.Now()-s.FirstAttemptMillis() > t.props.MaxQueueAge().Milliseconds() {
		level.Warn(log.Logger).Log("msg", "dead-lettering spooled task",
			"pipeline", t.key.String(), "attempts", s.Attempts(),
			"ageMillis", clock.Now()-s.FirstAttemptMillis())
		t.deadLettered.Inc()
		t.spool.Remove()
		return
	}

	if parts := t.splitOversized(s); parts != nil {
		if err := t.spool.Remove(); err != nil {
			level.Error(log.Logger).Log("msg", "failed to pop spool",
				"pipeline", t.key.String(), "err", err)
			return
		}
		t.requeue(parts)
		return
	}
	if !t.props.Limiter().AllowN(time.Now(), s.Weight()) {
		return
	}
	if err := t.spool.Remove(); err != nil {
		level.Error(log.Logger).Log("msg", "failed to pop spool",
			"pipeline", t.key.String(), "err", err)
		return
	}
	t.deliver(ctx, s)
}

// drainToSpool moves buffered items to disk in batch-sized submissions until
// at most keep items remain in memory.
func (t *SenderTask[T]) drainToSpool(reason queue.Reason, keep int) {
	batchSize := t.props.ItemsPerBatch()
	for {
		t.mtx.Lock()
		if len(t.buffer) <= keep {
			t.mtx.Unlock()
			return
		}
		n := len(t.buffer) - keep
		if n > batchSize {
			n = batchSize
		}
		batch := make([]T, n)
		copy(batch, t.buffer)
		t.buffer = append(t.buffer[:0], t.buffer[n:]...)
		t.mtx.Unlock()

		s := t.build(t.key, batch)
		record, err := s.Marshal()
		if err != nil {
			level.Error(log.Logger).Log("msg", "failed to serialize overflow batch, data lost",
				"pipeline", t.key.String(), "err", err)
			continue
		}
		if err := t.spool.Add(record); err != nil {
			level.Error(log.Logger).Log("msg", "failed to spool overflow batch, data lost",
				"pipeline", t.key.String(), "err", err)
			continue
		}
		metricTasksQueued.WithLabelValues(t.key.String(), string(reason)).Inc()
	}
}

// drainAllToSpool flushes every buffered item and pending submission to disk.
// Used on shutdown so nothing is lost across restarts.
func (t *SenderTask[T]) drainAllToSpool(reason queue.Reason) {
	t.mtx.Lock()
	pending := t.pending
	t.pending = nil
	t.mtx.Unlock()
	for _, s := range pending {
		record, err := s.Marshal()
		if err != nil {
			continue
		}
		if err := t.spool.Add(record); err == nil {
			metricTasksQueued.WithLabelValues(t.key.String(), string(reason)).Inc()
		}
	}
	t.drainToSpool(reason, 0)
}
