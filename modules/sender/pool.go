package sender

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"

	"github.com/relayproxy/relay/modules/queue"
	"github.com/relayproxy/relay/pkg/api"
	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

const shutdownDrainTimeout = 5 * time.Second

// Pool owns the sender tasks of one pipeline. Items are distributed across
// tasks round-robin, skipping the task that currently scores worst, so one
// slow flush thread does not back up the whole pipeline.
type Pool[T any] struct {
	services.Service

	key   entity.HandlerKey
	props *Properties
	tasks []*SenderTask[T]
	spool queue.TaskQueue

	next atomic.Uint64
}

// NewPool builds a pool of numTasks sender tasks sharing one spool.
func NewPool[T any](key entity.HandlerKey, props *Properties, client *api.Client,
	spool queue.TaskQueue, numTasks int, build func(entity.HandlerKey, []T) Submission) *Pool[T] {
	if numTasks < 1 {
		numTasks = 1
	}
	p := &Pool[T]{
		key:   key,
		props: props,
		spool: spool,
	}
	for i := 0; i < numTasks; i++ {
		p.tasks = append(p.tasks, newSenderTask(key, props, client, spool, build))
	}
	p.Service = services.NewBasicService(nil, p.running, p.stopping)
	return p
}

// NewLinePool builds a pool for line-format entities (points, histograms,
// spans, span logs).
func NewLinePool(key entity.HandlerKey, props *Properties, client *api.Client,
	spool queue.TaskQueue, numTasks int) *Pool[string] {
	return NewPool(key, props, client, spool, numTasks,
		func(k entity.HandlerKey, lines []string) Submission {
			return NewLineSubmission(k, lines)
		})
}

// NewSourceTagPool builds a pool for source-tag operations. Source tag
// mutations are order-sensitive per source, so a single task is used.
func NewSourceTagPool(key entity.HandlerKey, props *Properties, client *api.Client,
	spool queue.TaskQueue) *Pool[entity.SourceTagOperation] {
	return NewPool(key, props, client, spool, 1,
		func(k entity.HandlerKey, ops []entity.SourceTagOperation) Submission {
			return NewSourceTagSubmission(k.Handle, ops)
		})
}

// Add hands one item to a sender task.
func (p *Pool[T]) Add(item T) {
	share := p.props.MemoryBufferLimit() / len(p.tasks)
	p.pick().Add(item, share)
}

// pick selects the next task round-robin. With three or more tasks the
// worst-scoring one is skipped this round.
func (p *Pool[T]) pick() *SenderTask[T] {
	n := len(p.tasks)
	if n == 1 {
		return p.tasks[0]
	}
	var worst int
	if n > 2 {
		worstScore := int64(-1)
		for i, t := range p.tasks {
			if s := t.TaskRelativeScore(); s > worstScore {
				worstScore, worst = s, i
			}
		}
	} else {
		worst = -1
	}
	for {
		i := int(p.next.Inc()-1) % n
		if i != worst {
			return p.tasks[i]
		}
	}
}

// TaskRelativeScore is the best score across the pool's tasks.
func (p *Pool[T]) TaskRelativeScore() int64 {
	best := p.tasks[0].TaskRelativeScore()
	for _, t := range p.tasks[1:] {
		if s := t.TaskRelativeScore(); s < best {
			best = s
		}
	}
	return best
}

// Key returns the pipeline key.
func (p *Pool[T]) Key() entity.HandlerKey { return p.key }

// Properties exposes the pool's dynamic tunables for the check-in controller.
func (p *Pool[T]) Properties() *Properties { return p.props }

// QueueStats reports the spool state for the stats printer.
func (p *Pool[T]) QueueStats() queue.Stats { return p.spool.Stats() }

func (p *Pool[T]) running(ctx context.Context) error {
	ticker := time.NewTicker(p.props.FlushInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flushAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pool[T]) flushAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range p.tasks {
		wg.Add(1)
		go func(t *SenderTask[T]) {
			defer wg.Done()
			t.Flush(ctx)
		}(t)
	}
	wg.Wait()
}

// stopping drains everything still buffered to the spool so no accepted
// item is lost across a restart, then closes the spool.
func (p *Pool[T]) stopping(_ error) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.DrainBuffersToQueue(queue.ReasonProxyShutdown)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		level.Warn(log.Logger).Log("msg", "shutdown drain timed out",
			"pipeline", p.key.String())
	}
	return p.spool.Close()
}

// DrainBuffersToQueue moves all in-memory items of every task to the spool.
func (p *Pool[T]) DrainBuffersToQueue(reason queue.Reason) {
	for _, t := range p.tasks {
		t.drainAllToSpool(reason)
	}
}
