package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/conduit-ai/conduit/gateway/config"
	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/observability"
	"github.com/conduit-ai/conduit/gateway/queue"
)

const dequeueIdleWait = 500 * time.Millisecond

// WorkerPool runs a fixed number of workers over the shared queue. Each
// claimed task gets its own heartbeat goroutine for the life of the
// execution; the pool also runs the orphan sweeper.
type WorkerPool struct {
	instanceID   string
	queue        queue.Queue
	orchestrator *Orchestrator
	bus          events.Publisher

	poolSize          int
	heartbeatInterval time.Duration
	claimTTL          time.Duration
	orphanSweep       time.Duration

	wg sync.WaitGroup
}

func NewWorkerPool(cfg config.Config, q queue.Queue, orch *Orchestrator, bus events.Publisher) *WorkerPool {
	return &WorkerPool{
		instanceID:        cfg.InstanceID,
		queue:             q,
		orchestrator:      orch,
		bus:               bus,
		poolSize:          cfg.Workers.PoolSize,
		heartbeatInterval: cfg.Queue.HeartbeatInterval,
		claimTTL:          cfg.Queue.ClaimTTL,
		orphanSweep:       cfg.Queue.OrphanSweep,
	}
}

// Start launches the workers and the orphan sweeper. Stop by cancelling
// ctx, then Wait for drain.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.poolSize; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.runWorker(ctx, worker)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanSweeper(ctx)
	}()
}

// Wait blocks until every worker has drained its in-flight task.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, worker int) {
	log.Printf("worker %d: started (instance %s)", worker, p.instanceID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker %d: draining", worker)
			return
		default:
		}

		item, err := p.queue.Dequeue(ctx, p.instanceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker %d: dequeue: %v", worker, err)
			sleep(ctx, dequeueIdleWait)
			continue
		}
		if item == nil {
			sleep(ctx, dequeueIdleWait)
			continue
		}

		p.execute(ctx, item)
	}
}

// execute runs one claimed item with a heartbeat goroutine renewing the
// claim until the orchestrator returns.
func (p *WorkerPool) execute(ctx context.Context, item *queue.WorkItem) {
	// ClaimsActive is tracked by the queue at claim acquire/release.
	if err := p.bus.Publish(ctx, events.TaskClaimed, item.TaskID, map[string]string{
		"task_id":  item.TaskID,
		"instance": p.instanceID,
	}); err != nil {
		log.Printf("worker: publish claimed for %s: %v", item.TaskID, err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		p.heartbeat(hbCtx, item.TaskID)
	}()

	p.orchestrator.Execute(ctx, item, p.instanceID)

	stopHeartbeat()
	hbDone.Wait()
}

func (p *WorkerPool) heartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendClaim(ctx, taskID, p.instanceID, p.claimTTL); err != nil {
				// Claim lost (expired or recovered elsewhere). The
				// orchestrator's side effects are idempotent, so the
				// execution continues; renewal just stops.
				log.Printf("worker: heartbeat for %s: %v", taskID, err)
				return
			}
		}
	}
}

func (p *WorkerPool) runOrphanSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.orphanSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RecoverOrphans(ctx, 0)
			if err != nil {
				log.Printf("orphan sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("orphan sweep: recovered %d tasks", n)
			}
			if rq, ok := p.queue.(*queue.RedisQueue); ok {
				observability.QueueDepth.Set(float64(rq.Depth(ctx)))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
