package stage

import (
	"fmt"
	"log/slog"
	"sync"
)

// AsyncPool runs blocking or CPU-heavy work off the mailbox workers. The
// result re-enters the originating stage as a continuation entry, so the
// post function runs back under the stage's serialization guarantee.
// This is the only sanctioned way to call blocking code from a handler.
type AsyncPool struct {
	tasks    chan func()
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAsyncPool starts workers goroutines draining the task queue.
func NewAsyncPool(workers int) *AsyncPool {
	if workers <= 0 {
		workers = 32
	}
	p := &AsyncPool{
		tasks: make(chan func(), workers*4),
		done:  make(chan struct{}),
	}
	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *AsyncPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			runTask(task)
		case <-p.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-p.tasks:
					runTask(task)
				default:
					return
				}
			}
		}
	}
}

func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("async task panic", "panic", r)
		}
	}()
	task()
}

// Submit queues pre for execution on the pool. Blocks if the pool is
// saturated; callers are mailbox workers, so saturation backpressures
// stages rather than dropping work.
func (p *AsyncPool) Submit(task func()) error {
	select {
	case <-p.done:
		return fmt.Errorf("async pool stopped")
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.done:
		return fmt.Errorf("async pool stopped")
	}
}

// Stop finishes queued tasks and joins the workers.
func (p *AsyncPool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}
