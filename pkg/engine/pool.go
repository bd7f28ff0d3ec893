package engine

import (
	"context"
	"runtime"
	"sync"
)

// WorkerPool fans workflow executions out over a fixed set of workers. The
// scheduler and the event path submit jobs; Stop drains the queue before
// returning so in-flight executions finish their audit rows.
type WorkerPool struct {
	logger  Logger
	jobChan chan func(context.Context)
	ctx     context.Context
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewWorkerPool(mainCtx context.Context, logger Logger) *WorkerPool {
	return &WorkerPool{logger: logger, ctx: mainCtx}
}

// Start begins the pool with the given number of workers, defaulting to the
// CPU count.
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobChan = make(chan func(context.Context), workers*4)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Submit queues a job. It reports false when the pool is stopped or the
// queue is full, so callers can fall back to running inline.
func (wp *WorkerPool) Submit(job func(context.Context)) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped || wp.jobChan == nil {
		return false
	}
	select {
	case wp.jobChan <- job:
		return true
	default:
		wp.logger.Warnf("worker pool queue full, job rejected")
		return false
	}
}

// Stop gracefully stops the pool: no new jobs are accepted and queued jobs
// run to completion.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped || wp.jobChan == nil {
		wp.stopped = true
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobChan)
	wp.mu.Unlock()

	wp.wg.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobChan {
		if wp.ctx.Err() != nil {
			return
		}
		job(wp.ctx)
	}
}
