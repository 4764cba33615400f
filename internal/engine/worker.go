package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool running executor dispatches:
// runStep, resume and interrupt handling.
type WorkerPool struct {
	sem      chan struct{}
	metrics  PoolMetrics
	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	done     chan struct{}
	closed   bool
	logger   *slog.Logger
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *WorkerPool) track(delta int) {
	p.mu.Lock()
	p.inflight += delta
	if p.inflight == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// Submit runs fn on a pool goroutine. It blocks while the pool is at
// capacity and respects context cancellation while waiting.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	p.track(1)
	atomic.AddInt64(&p.metrics.Active, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.ErrorContext(ctx, "worker panicked", "panic", r)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.track(-1)
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.WarnContext(ctx, "worker task failed", "error", err)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Go submits fn without blocking the caller. Executor code running on a
// pool worker dispatches follow-up work this way, so a full pool can never
// deadlock on itself.
func (p *WorkerPool) Go(ctx context.Context, fn func(ctx context.Context) error) {
	p.track(1)
	go func() {
		defer p.track(-1)
		if err := p.Submit(ctx, fn); err != nil {
			p.logger.WarnContext(ctx, "dispatch dropped", "error", err)
		}
	}()
}

// Wait blocks until all submitted work, including work handed to Go and
// any work it dispatches in turn, has completed.
func (p *WorkerPool) Wait() {
	p.mu.Lock()
	for p.inflight > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Shutdown stops accepting work and waits for active work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
