package service

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// ErrPoolStopped is returned by Submit once the pool no longer accepts work.
var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool runs executions concurrently on a fixed set of workers. Each job
// is one execution id, driven to a terminal state by the engine.
type WorkerPool struct {
	engine  *Engine
	logger  Logger
	jobs    chan string
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
}

func NewWorkerPool(ctx context.Context, engine *Engine, logger Logger) *WorkerPool {
	return &WorkerPool{
		engine: engine,
		logger: logger,
		ctx:    ctx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobs = make(chan string, workers*16)
	wp.started = true
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	wp.logger.Infof("Worker pool started with %d workers", workers)
}

// Submit queues an execution. It blocks while the queue is full and fails
// once the pool is stopped or its context is done.
func (wp *WorkerPool) Submit(executionID string) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.started || wp.stopped {
		return ErrPoolStopped
	}
	if err := wp.ctx.Err(); err != nil {
		return errors.Wrap(ErrPoolStopped, err.Error())
	}
	select {
	case wp.jobs <- executionID:
		return nil
	case <-wp.ctx.Done():
		return errors.Wrap(ErrPoolStopped, wp.ctx.Err().Error())
	}
}

// Stop gracefully stops the worker pool: queued executions still run unless
// the pool context is already done, in which case they are finalized failed.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started || wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.logger.Infof("Worker pool stopped")
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for executionID := range wp.jobs {
		if err := wp.ctx.Err(); err != nil {
			wp.logger.Infof("Skipping execution %s: worker pool context done", executionID)
			wp.engine.Abort(executionID, "worker pool stopped before the execution ran: "+err.Error())
			continue
		}
		wp.engine.Run(wp.ctx, executionID)
	}
}
