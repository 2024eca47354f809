// ============================================================================
// bulkop Operation Monitors
// ============================================================================
//
// Package: internal/monitor
// File: progress.go
// Purpose: Background loops that run beside the jobs of one operation and talk
//          to the polling client through the status blackboard.
//
// Progress:
//   Every interval: percent = floor(100 * completed / total), merged into the
//   blackboard as {"progress": "<percent>"}. Exits when the operation context
//   ends, every item is counted, or Stop is called; one last merge happens on
//   exit so the final snapshot matches the stop point.
//
// Cancellation (cancellation.go):
//   Every interval: read {"command"} from the blackboard and act on
//   cancel / pause / resume.
//
// Both loops run as tasks on the operation's job pool, so that pool needs two
// workers on top of the ones meant for jobs.
//
// ============================================================================

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/dispatch"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// DefaultInterval is the polling period of both monitors.
const DefaultInterval = 500 * time.Millisecond

// MonitorTasks is the number of pool workers the two monitors occupy.
const MonitorTasks = 2

var errNegativeTotal = errors.New("progress total must not be negative")

// Progress tracks completed items and publishes the percentage.
type Progress struct {
	ctx      context.Context
	total    int64
	board    *blackboard.Blackboard
	interval time.Duration

	completed atomic.Int64

	mu   sync.Mutex // serializes compute + merge
	last int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewProgress starts a progress loop for total items on poster.
func NewProgress(ctx context.Context, total int, board *blackboard.Blackboard, poster dispatch.Poster, interval time.Duration) (*Progress, error) {
	if total < 0 {
		return nil, errNegativeTotal
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	p := &Progress{
		ctx:      ctx,
		total:    int64(total),
		board:    board,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.Report()

	if err := start(ctx, poster, p.run); err != nil {
		return nil, fmt.Errorf("start progress monitor: %w", err)
	}
	return p, nil
}

// start posts loop and waits until a worker has picked it up, so a later
// pool Stop cannot abandon it.
func start(ctx context.Context, poster dispatch.Poster, loop func()) error {
	started := make(chan struct{})
	if err := poster.Post(func() {
		close(started)
		loop()
	}); err != nil {
		return err
	}
	select {
	case <-started:
		return nil
	case <-ctx.Done():
		// if the loop still starts it sees ctx done and exits at once
		return ctx.Err()
	}
}

func (p *Progress) run() {
	defer close(p.done)
	defer p.Report()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.Report()
			if p.Complete() {
				return
			}
		}
	}
}

// Inc counts one finished item, successful or not.
func (p *Progress) Inc() { p.completed.Add(1) }

// Completed returns the number of finished items.
func (p *Progress) Completed() int64 { return p.completed.Load() }

// Total returns the expected item count.
func (p *Progress) Total() int64 { return p.total }

// Complete reports whether every expected item has been counted.
func (p *Progress) Complete() bool { return p.completed.Load() >= p.total }

// Percent returns floor(100 * completed / total), capped at 100.
func (p *Progress) Percent() int {
	if p.total == 0 {
		return 100
	}
	pct := int(100 * p.completed.Load() / p.total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Report merges the current percentage into the blackboard now. Published
// values never decrease.
func (p *Progress) Report() {
	p.mu.Lock()
	defer p.mu.Unlock()

	pct := p.Percent()
	if pct < p.last {
		pct = p.last
	}
	p.last = pct
	p.board.Update(types.Document{types.KeyProgress: strconv.Itoa(pct)})
}

// Stop ends the loop early, e.g. when fewer items than expected turned up.
func (p *Progress) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done is closed when the loop has exited.
func (p *Progress) Done() <-chan struct{} { return p.done }

func (p *Progress) logAttrs() []any {
	return []any{"completed", p.Completed(), "total", p.total}
}

// wait blocks until the loop has exited or ctx ends.
func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait stops the loop and waits for its final merge.
func (p *Progress) Wait(ctx context.Context) error {
	p.Stop()
	if err := wait(ctx, p.done); err != nil {
		slog.WarnContext(ctx, "Progress monitor did not exit", p.logAttrs()...)
		return err
	}
	return nil
}
