package patcher

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-patchdb/internal/logging"
	"github.com/withObsrvr/obsrvr-patchdb/internal/metrics"
)

// runPool implements the dispatcher → workers flow. Each id is routed to a
// fixed worker by its shard hash, so one worker sees its ids in stream
// order and no two workers ever hold the same record.
func (p *Patcher) runPool(ctx context.Context, f *feed) {
	n := p.opts.Concurrency
	queues := make([]chan string, n)

	var g errgroup.Group
	for i := range n {
		q := make(chan string, queueSize)
		queues[i] = q
		g.Go(func() error {
			p.workerLoop(ctx, i, q)
			return nil
		})
	}

	p.dispatcherLoop(ctx, f, queues)
	for _, q := range queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	p.log.Info("waiting for workers to finish", "timeout", ShutdownTimeout.String())
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		p.log.Warn("workers did not stop in time")
	}
}

// dispatcherLoop routes claimed ids to worker queues until next says stop.
func (p *Patcher) dispatcherLoop(ctx context.Context, f *feed, queues []chan string) {
	m := metrics.Get()
	for {
		id, ok := p.next(ctx, f)
		if !ok {
			return
		}

		w := p.route(id, len(queues))
		select {
		case queues[w] <- id:
			if m != nil {
				m.SetWorkerQueueDepth(strconv.Itoa(w), float64(len(queues[w])))
			}
		case <-ctx.Done():
			// next records the interrupt on the following pass
		}
	}
}

// route picks the worker for id. Within a process shard all ids share the
// same remainder, so the shard modulus is divided out first.
func (p *Patcher) route(id string, workers int) int {
	h := ShardHash(id)
	if p.opts.Shard.Modulus > 1 {
		h /= p.opts.Shard.Modulus
	}
	return h % workers
}

// workerLoop processes queued ids. Once the run is stopping, queued ids are
// dropped unclaimed.
func (p *Patcher) workerLoop(ctx context.Context, workerID int, queue <-chan string) {
	log := logging.WorkerLogger(workerID)
	m := metrics.Get()
	worker := strconv.Itoa(workerID)

	for id := range queue {
		if m != nil {
			m.SetWorkerQueueDepth(worker, float64(len(queue)))
		}
		if ctx.Err() != nil || p.stopped() {
			continue
		}
		p.process(ctx, log, id)
	}
	log.Debug("worker done")
}
