package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/dispatch"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// Stopper abandons queued work. *worker.Pool satisfies it.
type Stopper interface {
	Stop()
}

// CancellationOption configures NewCancellation.
type CancellationOption func(*Cancellation)

// WithGate lets pause and resume commands hold and release submission.
func WithGate(g *dispatch.Gate) CancellationOption {
	return func(c *Cancellation) { c.gate = g }
}

// Cancellation watches the blackboard for steering commands.
type Cancellation struct {
	ctx      context.Context
	progress *Progress
	board    *blackboard.Blackboard
	cancel   context.CancelFunc
	stopper  Stopper
	gate     *dispatch.Gate
	interval time.Duration

	cancelled atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewCancellation starts a loop on poster that, on {"command": "cancel"},
// cancels ctx through cancel, stops stopper and marks the blackboard complete.
func NewCancellation(ctx context.Context, progress *Progress, board *blackboard.Blackboard, poster dispatch.Poster,
	cancel context.CancelFunc, stopper Stopper, interval time.Duration, opts ...CancellationOption) (*Cancellation, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	c := &Cancellation{
		ctx:      ctx,
		progress: progress,
		board:    board,
		cancel:   cancel,
		stopper:  stopper,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := start(ctx, poster, c.run); err != nil {
		return nil, fmt.Errorf("start cancellation monitor: %w", err)
	}
	return c, nil
}

func (c *Cancellation) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.progress.Done():
			return
		case <-ticker.C:
			if c.check() {
				return
			}
		}
	}
}

// check acts on the current command and reports whether the loop should end.
func (c *Cancellation) check() bool {
	raw, ok := c.board.Lookup(types.KeyCommand)
	if !ok {
		return false
	}
	cmd, _ := raw.(string)

	switch types.Command(cmd) {
	case types.CommandCancel:
		c.cancelled.Store(true)
		c.cancel()
		if c.stopper != nil {
			c.stopper.Stop()
		}
		if c.gate != nil {
			c.gate.Resume()
		}
		c.board.Update(types.Document{types.KeyStatus: string(types.StatusComplete)})
		slog.InfoContext(c.ctx, "Operation cancelled", c.progress.logAttrs()...)
		return true

	case types.CommandPause:
		if c.gate != nil && !c.gate.Paused() {
			c.gate.Pause()
			c.board.Update(types.Document{types.KeyStatus: string(types.StatusPaused)})
			slog.InfoContext(c.ctx, "Operation paused", c.progress.logAttrs()...)
		}

	case types.CommandResume:
		if c.gate != nil && c.gate.Paused() {
			c.gate.Resume()
			c.board.Update(types.Document{types.KeyStatus: string(types.StatusRunning)})
			slog.InfoContext(c.ctx, "Operation resumed", c.progress.logAttrs()...)
		}
	}
	return false
}

// Cancelled reports whether a cancel command was acted on.
func (c *Cancellation) Cancelled() bool { return c.cancelled.Load() }

// Stop ends the loop without acting on further commands.
func (c *Cancellation) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Done is closed when the loop has exited.
func (c *Cancellation) Done() <-chan struct{} { return c.done }

// Wait stops the loop and waits for it to exit.
func (c *Cancellation) Wait(ctx context.Context) error {
	c.Stop()
	return wait(ctx, c.done)
}
