package transport

import (
	"context"
	"sync"
)

// DefaultWorkers bounds concurrent calls when no size is configured.
const DefaultWorkers = 64

// WorkerPool runs tasks with at most size of them executing at once.
//
// Submitting never blocks the caller: a task that finds every slot taken
// parks until one is returned.
type WorkerPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &WorkerPool{slots: make(chan struct{}, size)}
}

// Go schedules task.
func (p *WorkerPool) Go(task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		task()
	}()
}

// Active is the number of tasks currently executing.
func (p *WorkerPool) Active() int { return len(p.slots) }

func (p *WorkerPool) Size() int { return cap(p.slots) }

// Wait blocks until every scheduled task has returned.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Drain is Wait bounded by ctx.
func (p *WorkerPool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
