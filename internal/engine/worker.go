package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/opflow/internal/logging"
)

// PoolMetrics is a snapshot of WorkerPool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a closed pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs session advances on a bounded set of worker slots.
// Each slot has a stable id that is attached to the job's logger context.
type WorkerPool struct {
	slots  chan int
	wg     sync.WaitGroup
	mu     sync.Mutex
	done   chan struct{}
	closed bool
	logger *slog.Logger

	active, queued, completed, panics atomic.Int64
}

func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		slots:  make(chan int, size),
		done:   make(chan struct{}),
		logger: logging.OrDiscard(logger),
	}
	for i := 1; i <= size; i++ {
		p.slots <- i
	}
	return p
}

// Submit waits on waitCtx for a free slot and runs fn on it with runCtx
// tagged by the slot's worker id. It returns once fn has been started.
func (p *WorkerPool) Submit(waitCtx, runCtx context.Context, fn func(ctx context.Context)) error {
	var slot int
	select {
	case slot = <-p.slots:
	case <-waitCtx.Done():
		return waitCtx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots <- slot
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		wctx := logging.WithWorkerID(runCtx, fmt.Sprintf("w%d", slot))
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				logging.LogWith(wctx, p.logger).Error("worker panic", slog.Any("panic", r))
			}
			p.active.Add(-1)
			p.completed.Add(1)
			p.slots <- slot
			p.wg.Done()
		}()
		fn(wctx)
	}()
	return nil
}

// Enqueue schedules fn without blocking the caller. The wait for a slot is
// bound to runCtx; if runCtx ends or the pool closes first, fn is skipped and
// dropped is called with the reason. Enqueued work counts towards Wait.
func (p *WorkerPool) Enqueue(runCtx context.Context, fn func(ctx context.Context), dropped func(error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.queued.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		err := p.Submit(runCtx, runCtx, fn)
		p.queued.Add(-1)
		if err != nil && dropped != nil {
			dropped(err)
		}
	}()
	return nil
}

// Wait blocks until all submitted work has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close stops accepting work. It does not wait.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Queued:    p.queued.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
