// ============================================================================
// bulkop Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine of the pool. Pulls tasks from the shared queue and
//           runs them until the pool is stopped or joined.
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌───────────────────────────────────┐   │
//   │  │ loop                              │   │
//   │  │   ├─ stopCh closed  -> exit       │   │
//   │  │   ├─ task received  -> run(task)  │   │
//   │  │   └─ quitCh closed  -> drain,exit │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// Stop vs Join:
//   - Stop closes stopCh: queued tasks that have not started are abandoned,
//     running tasks finish.
//   - Join closes quitCh: the queue is drained first, then workers exit.
//
// Panics:
//   A panicking task is recovered and logged; the worker keeps serving.
//
// ============================================================================

package worker

import (
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// Task is a unit of work run by the pool. Tasks carry no ordering guarantee.
type Task func()

// Worker represents a work execution unit
type Worker struct {
	id     int
	taskCh <-chan Task
	stopCh <-chan struct{}
	quitCh <-chan struct{}
	active *atomic.Int64
	done   *atomic.Int64
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:     id,
		taskCh: p.taskCh,
		stopCh: p.stopCh,
		quitCh: p.quitCh,
		active: &p.active,
		done:   &p.completed,
	}
}

// Run is the main loop of the worker.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			w.run(task)
		case <-w.quitCh:
			w.drain()
			return
		}
	}
}

// drain runs whatever is still queued after a join.
func (w *Worker) drain() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			w.run(task)
		default:
			return
		}
	}
}

func (w *Worker) run(task Task) {
	// a task dequeued concurrently with Stop must not start
	select {
	case <-w.stopCh:
		return
	default:
	}

	w.active.Add(1)
	defer func() {
		w.active.Add(-1)
		w.done.Add(1)
		if r := recover(); r != nil {
			slog.Error("worker task panicked",
				"worker", w.id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	task()
}
