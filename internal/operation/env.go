package operation

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/dispatch"
	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/metrics"
	"github.com/ChuLiYu/bulkop/internal/monitor"
	"github.com/ChuLiYu/bulkop/internal/worker"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// Env is what a running plugin gets from the controller: the operation's
// blackboard, its job pool, and lazily its connection pool.
type Env struct {
	OpID    string
	Plugin  string
	Board   *blackboard.Blackboard
	Pool    *worker.Pool
	Metrics *metrics.Collector

	interval time.Duration
	connOpts connpool.Options
	cancel   context.CancelFunc

	mu        sync.Mutex
	conns     *connpool.Pool
	failures  []types.Outcome
	cancelled atomic.Bool
}

// Connections returns the operation's connection pool, building it on first use.
// A build failure is fatal for the operation.
func (e *Env) Connections(ctx context.Context) (*connpool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conns != nil {
		return e.conns, nil
	}
	if e.connOpts.Factory == nil {
		return nil, errcode.New(errcode.SysNotSupported, "no remote endpoint configured")
	}
	p, err := connpool.New(ctx, e.connOpts)
	if err != nil {
		return nil, err
	}
	e.conns = p
	return p, nil
}

// Fail records failures outside of RunBulk; they end up in the final errors.
func (e *Env) Fail(outcomes ...types.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, outcomes...)
}

// Cancelled reports whether a cancel command stopped the operation.
func (e *Env) Cancelled() bool { return e.cancelled.Load() }

func (e *Env) takeFailures() []types.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.failures
	e.failures = nil
	return out
}

func (e *Env) closeConnections(ctx context.Context) error {
	e.mu.Lock()
	p := e.conns
	e.conns = nil
	e.mu.Unlock()

	if p == nil {
		return nil
	}
	if st := p.Stats(); st.InUse > 0 {
		slog.DebugContext(ctx, "Waiting for leased connections", "in_use", st.InUse, "size", st.Size)
	}
	return p.Close(ctx)
}

// RunBulk is the generic bulk engine: it runs job for every item of seq on
// the operation's job pool while the progress monitor publishes
// completed/total and the cancellation monitor watches for cancel, pause
// and resume. Failures are kept for the final reply and logged.
//
// total is the expected item count used for the percentage.
func RunBulk[T any](ctx context.Context, env *Env, total int, seq iter.Seq2[T, error], job dispatch.Job[T]) (dispatch.Report, error) {
	progress, err := monitor.NewProgress(ctx, total, env.Board, env.Pool, env.interval)
	if err != nil {
		return dispatch.Report{}, err
	}
	defer func() { _ = progress.Wait(context.Background()) }()

	gate := dispatch.NewGate()
	cancellation, err := monitor.NewCancellation(ctx, progress, env.Board, env.Pool,
		env.cancel, env.Pool, env.interval, monitor.WithGate(gate))
	if err != nil {
		return dispatch.Report{}, err
	}

	slog.InfoContext(ctx, "Bulk run started", "total", total)
	start := time.Now()

	future := dispatch.Execute(ctx, env.Pool, seq, job,
		dispatch.WithGate(gate),
		dispatch.OnItem(func(out types.Outcome, elapsed time.Duration) {
			progress.Inc()
			env.Metrics.RecordItem(out.Failed(), elapsed.Seconds())
			env.Metrics.UpdatePoolStats(env.Pool.Pending(), env.Pool.Active())
		}))

	report, err := future.Get()

	_ = cancellation.Wait(context.Background())
	if cancellation.Cancelled() {
		env.cancelled.Store(true)
	}

	for _, f := range report.Failures {
		slog.WarnContext(ctx, "Item failed", "code", f.Code, "message", f.Message)
	}
	env.Fail(report.Failures...)
	env.Board.Update(types.Document{
		types.KeySubmitted: report.Submitted,
		types.KeyCollected: report.Collected,
	})

	slog.InfoContext(ctx, "Bulk run finished",
		"submitted", report.Submitted,
		"collected", report.Collected,
		"failures", len(report.Failures),
		"cancelled", report.Cancelled,
		"duration", time.Since(start))
	return report, err
}
