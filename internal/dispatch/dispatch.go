// ============================================================================
// bulkop Dispatch Processor
// ============================================================================
//
// Package: internal/dispatch
// File: dispatch.go
// Purpose: Fan a lazily produced sequence of work items out onto a worker
//          pool, one task per item, and collect one outcome per task.
//
// Flow:
//
//   seq ──> [gate] ──> ctx alive? ──> Post(task) ──> worker runs job(item)
//                          │                              │
//                          └─ no: stop submitting         └─> promise <- outcome
//
//   Execute returns at once; submission continues on its own goroutine and
//   Future.Done() closes when it ends. Future.Get() collects the outcomes.
//
// Cancellation:
//   ctx is the stop flag. It is checked before each item is submitted.
//   Items already submitted run to completion: jobs receive a context that
//   keeps ctx's values but not its cancellation.
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/worker"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// ErrFutureConsumed is returned by a second Future.Get.
var ErrFutureConsumed = errors.New("future already consumed")

// Job processes one item. It is called concurrently with distinct items.
type Job[T any] func(ctx context.Context, item T) error

// Poster accepts tasks. *worker.Pool satisfies it.
type Poster interface {
	Post(task worker.Task) error
}

// stoppable is implemented by pools that can abandon queued tasks.
type stoppable interface {
	Stopped() <-chan struct{}
}

// ItemFunc observes every finished item.
type ItemFunc func(outcome types.Outcome, elapsed time.Duration)

type options struct {
	gate   *Gate
	onItem []ItemFunc
}

// Option configures Execute.
type Option func(*options)

// WithGate holds submission, and the start of queued items, while g is paused.
func WithGate(g *Gate) Option {
	return func(o *options) { o.gate = g }
}

// OnItem registers fn to run on the worker right after each item finishes,
// before its outcome becomes visible to Get.
func OnItem(fn ItemFunc) Option {
	return func(o *options) { o.onItem = append(o.onItem, fn) }
}

// Report is what Future.Get collected.
type Report struct {
	Failures  []types.Outcome // outcomes with a non-zero code
	Submitted int             // items handed to the pool
	Collected int             // outcomes actually received
	Cancelled bool            // submission or collection stopped early
}

// Complete reports whether every submitted item was accounted for.
func (r Report) Complete() bool { return r.Collected == r.Submitted }

// Future collects the outcomes of one Execute call. Get may be called once.
type Future struct {
	ctx      context.Context
	stopped  <-chan struct{}
	promises []chan types.Outcome

	submitted atomic.Int64
	done      chan struct{}
	consumed  atomic.Bool

	postErr error // set before done closes
	halted  bool  // pool refused further tasks
}

// Submitted returns the number of items handed to the pool so far.
func (f *Future) Submitted() int { return int(f.submitted.Load()) }

// Done is closed once submission has ended.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for submission to end, then for each submitted item's outcome.
// Once ctx is cancelled or the pool stops, outcomes not yet available are
// skipped instead of awaited; the Report says how many were collected.
func (f *Future) Get() (Report, error) {
	if !f.consumed.CompareAndSwap(false, true) {
		return Report{}, ErrFutureConsumed
	}
	<-f.done

	rep := Report{Submitted: len(f.promises)}
	for _, p := range f.promises {
		var out types.Outcome
		select {
		case out = <-p:
		default:
			if rep.Cancelled {
				continue
			}
			select {
			case out = <-p:
			case <-f.ctx.Done():
				rep.Cancelled = true
				continue
			case <-f.stopped:
				rep.Cancelled = true
				continue
			}
		}
		rep.Collected++
		if out.Failed() {
			rep.Failures = append(rep.Failures, out)
		}
	}

	if f.halted || f.ctx.Err() != nil {
		rep.Cancelled = true
	}
	return rep, f.postErr
}

// Execute submits job(item) for every item of seq to pool and returns at once.
// Errors yielded by seq are recorded as outcomes without calling job.
func Execute[T any](ctx context.Context, pool Poster, seq iter.Seq2[T, error], job Job[T], opts ...Option) *Future {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	f := &Future{
		ctx:  ctx,
		done: make(chan struct{}),
	}
	if s, ok := pool.(stoppable); ok {
		f.stopped = s.Stopped()
	}

	go submit(ctx, f, pool, seq, job, &o)
	return f
}

func submit[T any](ctx context.Context, f *Future, pool Poster, seq iter.Seq2[T, error], job Job[T], o *options) {
	defer close(f.done)

	jobCtx := context.WithoutCancel(ctx)
	for item, err := range seq {
		if o.gate != nil {
			if werr := o.gate.Wait(ctx); werr != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		promise := make(chan types.Outcome, 1)
		if err != nil {
			out := errcode.Outcome(err)
			o.observe(out, 0)
			promise <- out
			f.promises = append(f.promises, promise)
			f.submitted.Add(1)
			continue
		}

		task := func() {
			if o.gate != nil {
				// a pause also holds items queued before it; cancellation releases them
				_ = o.gate.Wait(ctx)
			}
			start := time.Now()
			out := invoke(jobCtx, job, item)
			o.observe(out, time.Since(start))
			promise <- out
		}
		if perr := pool.Post(task); perr != nil {
			if !errors.Is(perr, worker.ErrPoolClosed) {
				f.postErr = fmt.Errorf("submit item %d: %w", len(f.promises), perr)
			}
			f.halted = true
			break
		}
		f.promises = append(f.promises, promise)
		f.submitted.Add(1)
	}

	slog.DebugContext(ctx, "Dispatch submission finished",
		"submitted", len(f.promises),
		"cancelled", ctx.Err() != nil || f.halted)
}

func (o *options) observe(out types.Outcome, elapsed time.Duration) {
	for _, fn := range o.onItem {
		fn(out, elapsed)
	}
}

// invoke runs job and reduces whatever it does to an outcome: nil is success,
// coded errors keep their code, other errors and panics become unknown errors.
func invoke[T any](ctx context.Context, job Job[T], item T) (out types.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = errcode.FromPanic(r)
			slog.ErrorContext(ctx, "Job panicked", "panic", r)
		}
	}()
	if err := job(ctx, item); err != nil {
		out = errcode.Outcome(err)
		slog.DebugContext(ctx, "Job failed", "code", out.Code, "message", out.Message)
	}
	return out
}
