package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// task is one queued stage execution.
type task struct {
	name string
	run  func(ctx context.Context)
}

// pool runs stage tasks on a bounded set of worker goroutines reading from a
// buffered queue. HTTP handlers submit and return; the workers do the slow
// provider calls.
type pool struct {
	queue  chan task
	logger *slog.Logger
	wg     sync.WaitGroup
}

func newPool(queueSize int, logger *slog.Logger) *pool {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &pool{
		queue:  make(chan task, queueSize),
		logger: logger,
	}
}

// RunWorkers starts numWorkers goroutines that process the queue until ctx
// is cancelled.
func (p *pool) RunWorkers(ctx context.Context, numWorkers int) {
	p.logger.Info("starting stage worker pool", "count", numWorkers)
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go func(workerNum int) {
			defer p.wg.Done()
			p.workerLoop(ctx, workerNum)
		}(i)
	}
}

func (p *pool) workerLoop(ctx context.Context, workerNum int) {
	logger := p.logger.With("worker_num", workerNum)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopping")
			return
		case t := <-p.queue:
			logger.Debug("running stage task", "task", t.name)
			t.run(ctx)
		}
	}
}

// Submit enqueues a task, blocking when the queue is full so submissions are
// never silently lost. Returns false if ctx ends first.
func (p *pool) Submit(ctx context.Context, name string, run func(ctx context.Context)) bool {
	select {
	case p.queue <- task{name: name, run: run}:
		return true
	case <-ctx.Done():
		p.logger.Warn("dropping stage task, context done", "task", name)
		return false
	}
}

// Wait blocks until all workers have exited.
func (p *pool) Wait() {
	p.wg.Wait()
}
