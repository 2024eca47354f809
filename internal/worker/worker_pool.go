// ============================================================================
// bulkop Worker Pool - concurrent task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of N worker goroutines sharing one task queue.
//
// Lifecycle:
//   1. NewPool(queueSize) - create the pool and its queue
//   2. Start(n)           - launch n workers
//   3. Post / Dispatch / Defer - submit tasks
//   4. Stop()             - stop accepting, abandon queued tasks (non-blocking)
//      Join()             - stop accepting, drain the queue, wait for workers
//   5. Wait()             - wait for workers after Stop
//
// Concurrency control:
//   - taskCh: buffered queue; Post blocks while it is full
//   - stopCh: closed exactly once by Stop; unblocks pending Posts
//   - quitCh: closed exactly once by Stop or Join; workers drain and exit
//   - mu:     Post holds the read lock while sending, so once the write lock
//             marks the pool closed no further task can reach the queue.
//             taskCh is never closed, which keeps Post free of
//             send-on-closed-channel panics.
//
// Stop may be called from a task running on the same pool.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed is returned when submitting to a stopped or joined pool
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned when submitting before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start
	ErrPoolStarted = errors.New("pool already started")
	// ErrTaskAbandoned is returned by Dispatch when the pool stopped before the task ran
	ErrTaskAbandoned = errors.New("task abandoned by stopped pool")
	// ErrQueueFull is returned by TryPost when no queue slot is free
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Pool represents a worker pool
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	quitCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	stopOnce sync.Once
	quitOnce sync.Once

	active    atomic.Int64
	completed atomic.Int64
}

// NewPool creates a worker pool whose queue holds up to queueSize pending tasks.
func NewPool(queueSize int) *Pool {
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, queueSize),
		stopCh:  make(chan struct{}),
		quitCh:  make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	if workerCount < 1 {
		return errors.New("worker count must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.closed {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Post submits a fire-and-forget task. It blocks while the queue is full and
// fails with ErrPoolClosed once the pool is stopped or joined.
func (p *Pool) Post(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// TryPost is Post without the wait: it fails with ErrQueueFull when the queue
// has no room.
func (p *Pool) TryPost(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	default:
		return ErrQueueFull
	}
}

const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

// Dispatch submits task and waits for it to finish. It returns
// ErrTaskAbandoned if the pool is stopped before the task gets to run.
func (p *Pool) Dispatch(task Task) error {
	var (
		state atomic.Int32
		done  = make(chan struct{})
	)
	wrapped := func() {
		if !state.CompareAndSwap(taskQueued, taskRunning) {
			return
		}
		defer close(done)
		task()
	}
	if err := p.Post(wrapped); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-p.stopCh:
		if state.CompareAndSwap(taskQueued, taskAbandoned) {
			return ErrTaskAbandoned
		}
		<-done
		return nil
	}
}

// Defer posts task after delay. The returned function cancels the deferred
// task if it has not been posted yet. A task coming due after the pool closed
// is dropped.
func (p *Pool) Defer(delay time.Duration, task Task) (cancel func() bool) {
	t := time.AfterFunc(delay, func() {
		_ = p.Post(task)
	})
	return t.Stop
}

// Stop stops accepting tasks and abandons queued tasks that have not started.
// Running tasks finish on their own; use Wait to block for them. Stop does not
// block and is safe to call from a task running on this pool.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.close()
}

// Join stops accepting tasks, lets the workers drain the queue and waits for
// them to exit.
func (p *Pool) Join() {
	p.close()
	p.wg.Wait()
}

// Wait blocks until every worker has exited. Only meaningful after Stop or Join.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.quitOnce.Do(func() { close(p.quitCh) })
}

// Stopped returns a channel closed by Stop.
func (p *Pool) Stopped() <-chan struct{} {
	return p.stopCh
}

// GetWorkerCount returns the number of workers
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// IsClosed reports whether the pool stopped accepting tasks
func (p *Pool) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Pending returns the number of queued tasks not yet picked up
func (p *Pool) Pending() int { return len(p.taskCh) }

// Active returns the number of tasks currently running
func (p *Pool) Active() int { return int(p.active.Load()) }

// Completed returns the number of tasks that have finished, panicked ones included
func (p *Pool) Completed() int64 { return p.completed.Load() }
