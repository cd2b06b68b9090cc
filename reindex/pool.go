package reindex

import (
	"context"
	"log/slog"
	"sync"
)

// job is one document rebuild request.
type job struct {
	ctx      context.Context
	objectID string
}

// workerPool processes rebuild jobs concurrently during a sweep.
type workerPool struct {
	numWorkers int
	jobQueue   chan job
	process    func(ctx context.Context, objectID string)
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func newWorkerPool(numWorkers, queueSize int, process func(ctx context.Context, objectID string), logger *slog.Logger) *workerPool {
	return &workerPool{
		numWorkers: numWorkers,
		jobQueue:   make(chan job, queueSize),
		process:    process,
		logger:     logger,
	}
}

// Start launches the worker goroutines.
func (wp *workerPool) Start() {
	for i := 1; i <= wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Debug("Worker pool started", "num_workers", wp.numWorkers)
}

// Submit enqueues one job; blocks when the queue is full, giving up on
// cancellation.
func (wp *workerPool) Submit(ctx context.Context, objectID string) {
	select {
	case wp.jobQueue <- job{ctx: ctx, objectID: objectID}:
	case <-ctx.Done():
	}
}

// Stop closes the queue and waits for all workers to drain it.
func (wp *workerPool) Stop() {
	close(wp.jobQueue)
	wp.wg.Wait()
	wp.logger.Debug("Worker pool stopped")
}

func (wp *workerPool) worker(id int) {
	defer wp.wg.Done()
	for j := range wp.jobQueue {
		wp.process(j.ctx, j.objectID)
	}
}
