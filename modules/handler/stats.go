package handler

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/relayproxy/relay/modules/queue"
	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

const (
	statsInterval  = 10 * time.Second
	totalsInterval = 60 * time.Second
)

// Snapshot is a point-in-time view of one pipeline's counters.
type Snapshot struct {
	Key      entity.HandlerKey
	Received int64
	Blocked  int64
	Max1m    int64
	Max5m    int64
	Max15m   int64
}

// StatsSource is satisfied by every Handler regardless of item type.
type StatsSource interface {
	Snapshot() Snapshot
}

// QueueStatsSource reports the spool state of a pipeline.
type QueueStatsSource interface {
	QueueStats() queue.Stats
}

// StatsPrinter periodically logs per-pipeline throughput. Every 10 seconds
// it reports the rate since the previous report; every minute it adds
// lifetime totals and spool sizes.
type StatsPrinter struct {
	services.Service

	sources []StatsSource
	queues  map[entity.HandlerKey]QueueStatsSource
	prev    map[entity.HandlerKey]Snapshot
}

// NewStatsPrinter builds the printer over the given pipelines.
func NewStatsPrinter(sources []StatsSource, queues map[entity.HandlerKey]QueueStatsSource) *StatsPrinter {
	p := &StatsPrinter{
		sources: sources,
		queues:  queues,
		prev:    make(map[entity.HandlerKey]Snapshot),
	}
	p.Service = services.NewBasicService(nil, p.running, nil)
	return p
}

func (p *StatsPrinter) running(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	lastTotals := time.Now()
	for {
		select {
		case <-ticker.C:
			p.printRates()
			if time.Since(lastTotals) >= totalsInterval {
				p.printTotals()
				lastTotals = time.Now()
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *StatsPrinter) printRates() {
	for _, src := range p.sources {
		s := src.Snapshot()
		last := p.prev[s.Key]
		p.prev[s.Key] = s
		received := s.Received - last.Received
		blocked := s.Blocked - last.Blocked
		if received == 0 && blocked == 0 {
			continue
		}
		level.Info(log.Logger).Log("msg", "pipeline rate",
			"pipeline", s.Key.String(),
			"receivedPerSecond", received/int64(statsInterval.Seconds()),
			"blocked", blocked,
			"max1m", s.Max1m, "max5m", s.Max5m, "max15m", s.Max15m)
	}
}

func (p *StatsPrinter) printTotals() {
	for _, src := range p.sources {
		s := src.Snapshot()
		logger := level.Info(log.Logger)
		if q, ok := p.queues[s.Key]; ok {
			stats := q.QueueStats()
			var age time.Duration
			if !stats.OldestTask.IsZero() {
				age = time.Since(stats.OldestTask).Round(time.Second)
			}
			logger.Log("msg", "pipeline totals", "pipeline", s.Key.String(),
				"received", s.Received, "blocked", s.Blocked,
				"queuedTasks", stats.Tasks,
				"queuedBytes", humanize.IBytes(uint64(stats.Bytes)),
				"oldestQueuedTask", age)
			continue
		}
		logger.Log("msg", "pipeline totals", "pipeline", s.Key.String(),
			"received", s.Received, "blocked", s.Blocked)
	}
}
