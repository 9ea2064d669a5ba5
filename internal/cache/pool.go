package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/objectfs/chunkcache/pkg/errors"
)

// workerPool bounds concurrent fetches. Tasks run on their own goroutines
// but only size of them hold a slot at once.
type workerPool struct {
	sem  *semaphore.Weighted
	size int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Go schedules task. The task receives a nil error once it holds a slot, or
// the context error if ctx ended while it was queued; it must handle both.
func (p *workerPool) Go(ctx context.Context, task func(ctx context.Context, err error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.NewError(errors.ErrCodeComponentStopped, "worker pool is closed").
			WithComponent("fetch")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			task(ctx, err)
			return
		}
		defer p.sem.Release(1)
		task(ctx, nil)
	}()
	return nil
}

// Close rejects new tasks and waits for scheduled ones to finish
func (p *workerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
