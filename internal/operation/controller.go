// ============================================================================
// bulkop Operation Controller - command protocol state machine
// ============================================================================
//
// Package: internal/operation
// File: controller.go
// Purpose: Accept request/command documents, start operations on a pool of
//          their own, and answer polls from each operation's blackboard.
//
// Protocol:
//
//   {request: "operation", plugin: P, ...}  start P
//       async plugin -> reply {status: running, op_id, ...} immediately
//       sync plugin  -> run, reply with the final blackboard
//   {request: "command", plugin: P, command: C, ...}
//       merge the payload into P's blackboard, reply with the snapshot;
//       C = cancel | pause | resume is picked up by the operation's
//       cancellation monitor, C = progress only polls
//
// States:
//
//   unknown ──> running ──┬──> complete   (finished, cancelled, or item errors)
//                 │   ▲   └──> failed     (the operation itself returned an error)
//                 ▼   │
//                 paused
//
// Every operation gets:
//   - a blackboard {status, progress, plugin, op_id, errors}
//   - a job pool of Workers + 2 workers (jobs + both monitors)
//   - a context cancelled by the cancel command or Close
//   - a connection pool built on first use, closed at the end
//
// Nothing a plugin does can escape Handle: errors and panics are turned into
// {code, message} records under "errors".
//
// ============================================================================

package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/logging"
	"github.com/ChuLiYu/bulkop/internal/metrics"
	"github.com/ChuLiYu/bulkop/internal/monitor"
	"github.com/ChuLiYu/bulkop/internal/worker"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

// ErrControllerClosed is returned once Close has been called.
var ErrControllerClosed = errors.New("operation controller is closed")

// Config sizes the controller.
type Config struct {
	Workers          int              // job workers per operation
	QueueSize        int              // job pool queue length
	MaxOperations    int              // operations running at once
	ProgressInterval time.Duration    // monitor polling period
	Connections      connpool.Options // per-operation connection pool
	Metrics          *metrics.Collector
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxOperations <= 0 {
		c.MaxOperations = 4
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = monitor.DefaultInterval
	}
	if c.Connections.Metrics == nil {
		c.Connections.Metrics = c.Metrics
	}
}

// Controller runs operations for registered plugins.
type Controller struct {
	config   Config
	registry *Registry
	sessions *sessionTable
	opPool   *worker.Pool

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	closed bool
	active sync.WaitGroup
}

// NewController starts a controller. Operations run on a pool of
// config.MaxOperations workers; the queue holds one operation per registered
// plugin, so scheduling never waits for a running operation to finish.
func NewController(config Config, registry *Registry) (*Controller, error) {
	if registry == nil {
		return nil, errors.New("operation controller requires a registry")
	}
	config.setDefaults()

	opPool := worker.NewPool(max(len(registry.Names()), config.MaxOperations))
	if err := opPool.Start(config.MaxOperations); err != nil {
		return nil, fmt.Errorf("failed to start operation pool: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	slog.Info("Operation controller started",
		"plugins", registry.Names(),
		"workers", config.Workers,
		"max_operations", config.MaxOperations)

	return &Controller{
		config:   config,
		registry: registry,
		sessions: newSessionTable(),
		opPool:   opPool,
		baseCtx:  ctx,
		stop:     stop,
	}, nil
}

// Handle answers one request or command document. It never returns an error:
// failures are reported inside the reply.
func (c *Controller) Handle(ctx context.Context, req types.Document) types.Document {
	plugin, ok := blackboard.String(req, types.KeyPlugin)
	if !ok || plugin == "" {
		return protocolError(errcode.New(errcode.SysInvalidInputParam, "missing plugin name"))
	}
	kind, ok := blackboard.String(req, types.KeyRequest)
	if !ok {
		return protocolError(errcode.New(errcode.SysInvalidInputParam, "missing request type"))
	}

	switch types.RequestKind(kind) {
	case types.RequestOperation:
		return c.start(ctx, plugin, req)
	case types.RequestCommand:
		return c.command(ctx, plugin, req)
	default:
		return protocolError(errcode.Newf(errcode.SysInvalidInputParam, "invalid request type %q", kind))
	}
}

func (c *Controller) command(ctx context.Context, plugin string, req types.Document) types.Document {
	raw, ok := blackboard.String(req, types.KeyCommand)
	if !ok {
		return protocolError(errcode.New(errcode.SysInvalidInputParam, "missing command"))
	}
	if !types.Command(raw).Valid() {
		return protocolError(errcode.Newf(errcode.SysInvalidInputParam, "invalid command %q", raw))
	}

	s, ok := c.sessions.get(plugin)
	if !ok {
		return types.Document{types.KeyStatus: string(types.StatusUnknown), types.KeyPlugin: plugin}
	}

	payload := blackboard.Clone(req)
	delete(payload, types.KeyRequest)
	if types.Command(raw) == types.CommandProgress {
		// a poll must not overwrite a steering command not yet observed
		delete(payload, types.KeyCommand)
	}
	snap := s.board.Update(payload)

	slog.DebugContext(ctx, "Command merged", "plugin", plugin, "op_id", s.id, "command", raw)
	return snap
}

func (c *Controller) start(ctx context.Context, name string, req types.Document) types.Document {
	plugin, ok := c.registry.Lookup(name)
	if !ok {
		return protocolError(errcode.Wrap(ErrUnknownPlugin, errcode.SysNotSupported, name))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocolError(errcode.Wrap(ErrControllerClosed, errcode.SysInternalErr, "cannot start operation"))
	}
	// registered under the lock so Close waits for it
	c.active.Add(1)
	c.mu.Unlock()

	id := uuid.NewString()
	opCtx, cancel := context.WithCancel(logging.ContextAttrs(c.baseCtx,
		slog.String("op_id", id), slog.String("plugin", name)))

	s := &session{
		id:     id,
		plugin: name,
		cancel: cancel,
		done:   make(chan struct{}),
		board: blackboard.New(types.Document{
			types.KeyStatus:   string(types.StatusRunning),
			types.KeyProgress: "0",
			types.KeyPlugin:   name,
			types.KeyOpID:     id,
			types.KeyErrors:   []any{},
		}),
		started: time.Now(),
	}

	if cur, err := c.sessions.begin(s); err != nil {
		cancel()
		c.active.Done()
		reply := cur.snapshot()
		errs, _ := reply[types.KeyErrors].([]any)
		reply[types.KeyErrors] = append(errs, errcode.Outcome(errcode.Wrap(err, errcode.SysInvalidInputParam, name)).Document())
		return reply
	}

	async := plugin.Async()
	if v, ok := blackboard.Bool(req, types.KeyAsync); ok && !v {
		async = false
	}

	run := func() {
		defer c.active.Done()
		c.run(opCtx, s, plugin, req)
	}

	if !async {
		run()
		return s.snapshot()
	}

	if err := c.opPool.TryPost(run); err != nil {
		c.active.Done()
		cancel()
		msg := "schedule operation"
		if errors.Is(err, worker.ErrQueueFull) {
			msg = "too many operations"
		}
		slog.WarnContext(opCtx, "Operation not scheduled", "error", err)
		s.board.Update(types.Document{
			types.KeyStatus: string(types.StatusFailed),
			types.KeyErrors: types.OutcomeDocuments([]types.Outcome{
				errcode.Outcome(errcode.Wrap(err, errcode.SysInternalErr, msg)),
			}),
		})
		close(s.done)
		return s.snapshot()
	}
	slog.DebugContext(opCtx, "Operation scheduled")
	return s.snapshot()
}

// run executes one operation and merges its final status.
func (c *Controller) run(ctx context.Context, s *session, plugin Plugin, req types.Document) {
	defer close(s.done)
	defer s.cancel()

	c.config.Metrics.RecordOperationStarted(s.plugin)
	slog.InfoContext(ctx, "Operation started")

	pool := worker.NewPool(c.config.QueueSize)
	env := &Env{
		OpID:     s.id,
		Plugin:   s.plugin,
		Board:    s.board,
		Pool:     pool,
		Metrics:  c.config.Metrics,
		interval: c.config.ProgressInterval,
		connOpts: c.config.Connections,
		cancel:   s.cancel,
	}

	var err error
	if err = pool.Start(c.config.Workers + monitor.MonitorTasks); err == nil {
		err = invoke(ctx, plugin, env, req)
		if ctx.Err() != nil {
			// cancelled or shutting down: queued items are abandoned
			pool.Stop()
		}
		pool.Join()
	}

	if cerr := env.closeConnections(context.WithoutCancel(ctx)); cerr != nil {
		slog.WarnContext(ctx, "Closing connection pool failed", "error", cerr)
	}

	failures := env.takeFailures()
	status := types.StatusComplete
	switch {
	case env.Cancelled():
		// cancel ends the operation as complete whatever was left
		if err != nil && !errors.Is(err, context.Canceled) {
			failures = append(failures, errcode.Outcome(err))
		}
	case ctx.Err() != nil:
		// controller shutdown: the run ends early without a cancel command
		if err != nil && !errors.Is(err, context.Canceled) {
			failures = append(failures, errcode.Outcome(err))
		}
		failures = append(failures, errcode.Cancelled(fmt.Errorf("interrupted by shutdown: %w", ctx.Err())))
		slog.WarnContext(ctx, "Operation interrupted by shutdown")
	case err != nil:
		status = types.StatusFailed
		failures = append(failures, errcode.Outcome(err))
		slog.ErrorContext(ctx, "Operation failed", "error", err)
	}

	s.board.Update(types.Document{
		types.KeyStatus: string(status),
		types.KeyErrors: types.OutcomeDocuments(failures),
	})

	c.config.Metrics.RecordOperationFinished(s.plugin, string(status))
	slog.InfoContext(ctx, "Operation finished",
		"status", status,
		"errors", len(failures),
		"cancelled", env.Cancelled(),
		"duration", time.Since(s.started))
}

// invoke calls plugin.Run, turning a panic into an error.
func invoke(ctx context.Context, plugin Plugin, env *Env, req types.Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Operation panicked", "panic", r, "stack", string(debug.Stack()))
			out := errcode.FromPanic(r)
			err = errcode.New(out.Code, out.Message)
		}
	}()
	return plugin.Run(ctx, env, req)
}

func protocolError(err error) types.Document {
	return types.Document{
		types.KeyStatus: string(types.StatusFailed),
		types.KeyErrors: types.OutcomeDocuments([]types.Outcome{errcode.Outcome(err)}),
	}
}

// Sessions returns a snapshot of every plugin's latest operation.
func (c *Controller) Sessions() []types.Document {
	list := c.sessions.list()
	out := make([]types.Document, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	return out
}

// Forget drops a finished operation so polls report unknown again.
func (c *Controller) Forget(plugin string) bool {
	s, ok := c.sessions.get(plugin)
	if !ok || !s.finished() {
		return false
	}
	c.sessions.remove(s)
	return true
}

// Close cancels running operations and waits for them to finish.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stop()

	done := make(chan struct{})
	go func() {
		c.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for operations: %w", ctx.Err())
	}

	c.opPool.Join()
	slog.Info("Operation controller stopped")
	return nil
}
