package traces

import (
	"strings"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/go-kit/log/level"

	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

// Span annotation keys feeding the RED dimensions.
const (
	tagApplication = "application"
	tagService     = "service"
	tagCluster     = "cluster"
	tagShard       = "shard"
	tagComponent   = "component"

	noneValue = "none"

	derivedPrefix   = "tracing.derived."
	heartbeatMetric = "~component.heartbeat"
)

// redKey is the dimension tuple of the derived metrics.
type redKey struct {
	application string
	service     string
	cluster     string
	shard       string
	component   string
	source      string
}

// extractRedKey pulls the dimension tuple out of a span's annotations.
//
// The switch intentionally falls through from the service case to the
// cluster case, so a "service" annotation also overwrites the cluster
// value even when an explicit "cluster" annotation precedes it. Dashboards
// were built against metrics emitted this way, so the behavior is kept.
func extractRedKey(span *entity.Span) redKey {
	k := redKey{
		cluster:   noneValue,
		shard:     noneValue,
		component: noneValue,
		source:    span.Source,
	}
	for _, a := range span.Annotations {
		switch a.Key {
		case tagApplication:
			k.application = a.Value
		case tagService:
			k.service = a.Value
			fallthrough
		case tagCluster:
			k.cluster = a.Value
		case tagShard:
			k.shard = a.Value
		case tagComponent:
			k.component = a.Value
		}
	}
	return k
}

type redCell struct {
	mtx      sync.Mutex
	requests int64
	errors   int64
	duration *ddsketch.DDSketch
}

// redRegistry aggregates request, error and duration statistics per
// dimension tuple and renders them as reportable points once a minute.
type redRegistry struct {
	mtx   sync.Mutex
	cells map[redKey]*redCell
}

func newRedRegistry() *redRegistry {
	return &redRegistry{cells: make(map[redKey]*redCell)}
}

func (r *redRegistry) observe(span *entity.Span, key redKey) {
	r.mtx.Lock()
	cell := r.cells[key]
	if cell == nil {
		sketch, err := ddsketch.NewDefaultDDSketch(0.01)
		if err != nil {
			r.mtx.Unlock()
			return
		}
		cell = &redCell{duration: sketch}
		r.cells[key] = cell
	}
	r.mtx.Unlock()

	cell.mtx.Lock()
	defer cell.mtx.Unlock()
	cell.requests++
	if hasErrorTag(span) {
		cell.errors++
	}
	if err := cell.duration.Add(float64(span.DurationMillis)); err != nil {
		level.Debug(log.Logger).Log("msg", "duration not representable in sketch",
			"value", span.DurationMillis, "err", err)
	}
}

// flush drains every cell into derived points: two delta counters and one
// minute-granularity latency distribution per tuple.
func (r *redRegistry) flush(emit func(entity.ReportPoint)) {
	r.mtx.Lock()
	cells := r.cells
	r.cells = make(map[redKey]*redCell)
	r.mtx.Unlock()

	now := clock.Now()
	for key, cell := range cells {
		cell.mtx.Lock()
		requests, errors := cell.requests, cell.errors
		var centroids []entity.Centroid
		cell.duration.ForEach(func(value, count float64) bool {
			centroids = append(centroids, entity.Centroid{Value: value, Count: int(count)})
			return false
		})
		cell.mtx.Unlock()

		tags := key.annotations()
		emit(entity.ReportPoint{
			Metric:      entity.DeltaPrefix + derivedPrefix + sanitize(key.application) + "." + sanitize(key.service) + ".invocation.count",
			Source:      key.source,
			Timestamp:   now,
			Value:       float64(requests),
			Annotations: tags,
		})
		if errors > 0 {
			emit(entity.ReportPoint{
				Metric:      entity.DeltaPrefix + derivedPrefix + sanitize(key.application) + "." + sanitize(key.service) + ".error.count",
				Source:      key.source,
				Timestamp:   now,
				Value:       float64(errors),
				Annotations: tags,
			})
		}
		if len(centroids) > 0 {
			emit(entity.ReportPoint{
				Metric:    derivedPrefix + sanitize(key.application) + "." + sanitize(key.service) + ".duration.micros",
				Source:    key.source,
				Timestamp: now,
				Distribution: &entity.Distribution{
					DurationMillis: 60_000,
					Centroids:      centroids,
				},
				Annotations: tags,
			})
		}
	}
}

func (k redKey) annotations() map[string]string {
	return map[string]string{
		tagApplication: k.application,
		tagService:     k.service,
		tagCluster:     k.cluster,
		tagShard:       k.shard,
		tagComponent:   k.component,
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
