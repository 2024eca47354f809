// ============================================================================
// bulkop Connection Pool
// ============================================================================
//
// Package: internal/connpool
// File: connpool.go
// Purpose: A fixed number of remote connections handed out to job goroutines
//          one at a time, created eagerly, validated and refreshed lazily.
//
// Leasing:
//   Free slot indices sit in a buffered channel. Get receives an index (or
//   gives up when its context ends), so a slot is owned by exactly one lease
//   between receive and return. The receive/send pair orders every access to
//   a slot's fields; slots need no lock of their own.
//
//   ┌──────────┐  <-free   ┌────────┐  Close()   ┌──────────┐
//   │ free ch  │ ────────> │ Lease  │ ─────────> │ free ch  │
//   └──────────┘           └────────┘  free<-    └──────────┘
//
// Refresh:
//   Before handing a slot out it is (re)created when it has no connection,
//   when the previous holder asked for it (Release), when it is older than
//   RefreshInterval, or when the probe fails. A failed refresh leaves the
//   slot empty, returns it, and surfaces the error to the caller.
//
// ============================================================================

package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/bulkop/internal/errcode"
	"github.com/ChuLiYu/bulkop/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Get after Close
	ErrPoolClosed = errors.New("connection pool is closed")
)

// DefaultRefreshInterval matches the server's connection pool refresh default.
const DefaultRefreshInterval = 300 * time.Second

// Connection is a live remote connection.
type Connection interface {
	// Ping issues a trivial read-only request.
	Ping(ctx context.Context) error
	Close() error
}

// AuthFunc authenticates a freshly connected connection.
type AuthFunc func(ctx context.Context, conn Connection, ep Endpoint) error

// Endpoint identifies the remote server and the identity to use on it.
type Endpoint struct {
	Host      string
	Port      int
	User      string
	Zone      string
	ProxyUser string
	ProxyZone string
	Password  string // sent with the identity on every call

	// Authenticate, when set, runs after connect in place of the factory's
	// default login.
	Authenticate AuthFunc
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Factory connects to ep.
type Factory func(ctx context.Context, ep Endpoint) (Connection, error)

// Options configures a Pool.
type Options struct {
	Size            int
	Endpoint        Endpoint
	Factory         Factory
	RefreshInterval time.Duration // 0 disables age-based refresh
	Metrics         *metrics.Collector
}

type slot struct {
	conn         Connection
	createdAt    time.Time
	forceRefresh bool
}

// Pool is a bounded set of connections.
type Pool struct {
	opts  Options
	slots []slot
	free  chan int

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	now func() time.Time
}

// New builds a pool of opts.Size connections. Slot 0 is created first on the
// calling goroutine; the rest are created concurrently and joined. Any connect
// or login failure fails the whole pool.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Size < 1 {
		return nil, errcode.Newf(errcode.SysInvalidInputParam, "connection pool size must be positive, got %d", opts.Size)
	}
	if opts.Factory == nil {
		return nil, errcode.New(errcode.SysInvalidInputParam, "connection pool requires a factory")
	}

	p := &Pool{
		opts:  opts,
		slots: make([]slot, opts.Size),
		free:  make(chan int, opts.Size),
		done:  make(chan struct{}),
		now:   time.Now,
	}

	start := time.Now()
	if err := p.create(ctx, 0); err != nil {
		return nil, err
	}

	if opts.Size > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i := 1; i < opts.Size; i++ {
			g.Go(func() error {
				return p.create(gctx, i)
			})
		}
		if err := g.Wait(); err != nil {
			_ = p.closeAll()
			return nil, err
		}
	}

	for i := range p.slots {
		p.free <- i
	}

	slog.InfoContext(ctx, "Connection pool ready",
		"size", opts.Size,
		"remote", opts.Endpoint.Address(),
		"duration", time.Since(start))
	return p, nil
}

// create (re)connects slot i. The caller owns the slot.
func (p *Pool) create(ctx context.Context, i int) error {
	s := &p.slots[i]
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			slog.DebugContext(ctx, "Closing stale connection failed", "slot", i, "error", err)
		}
		s.conn = nil
	}

	conn, err := p.opts.Factory(ctx, p.opts.Endpoint)
	if err != nil {
		return errcode.Wrap(err, errcode.SysConnPoolErr,
			fmt.Sprintf("connect slot %d to %s", i, p.opts.Endpoint.Address()))
	}
	if auth := p.opts.Endpoint.Authenticate; auth != nil {
		if err := auth(ctx, conn, p.opts.Endpoint); err != nil {
			_ = conn.Close()
			return errcode.Wrap(err, errcode.SysConnPoolErr,
				fmt.Sprintf("authenticate slot %d as %s#%s", i, p.opts.Endpoint.User, p.opts.Endpoint.Zone))
		}
	}

	s.conn = conn
	s.createdAt = p.now()
	s.forceRefresh = false
	p.opts.Metrics.RecordConnectionRefresh()
	return nil
}

// validate refreshes slot i when needed. The caller owns the slot.
func (p *Pool) validate(ctx context.Context, i int) error {
	s := &p.slots[i]
	switch {
	case s.conn == nil, s.forceRefresh:
	case p.opts.RefreshInterval > 0 && p.now().Sub(s.createdAt) > p.opts.RefreshInterval:
		slog.DebugContext(ctx, "Refreshing aged connection", "slot", i, "age", p.now().Sub(s.createdAt))
	default:
		err := s.conn.Ping(ctx)
		if err == nil {
			return nil
		}
		slog.DebugContext(ctx, "Connection probe failed, refreshing", "slot", i, "error", err)
	}
	return p.create(ctx, i)
}

// Get leases a validated connection, blocking until a slot frees up or ctx ends.
func (p *Pool) Get(ctx context.Context) (*Lease, error) {
	start := time.Now()

	var idx int
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case idx = <-p.free:
	}

	if p.isClosed() {
		p.free <- idx
		return nil, ErrPoolClosed
	}

	if err := p.validate(ctx, idx); err != nil {
		p.free <- idx
		return nil, err
	}

	p.opts.Metrics.RecordLease(time.Since(start).Seconds())
	return &Lease{pool: p, idx: idx, conn: p.slots[idx].conn}, nil
}

func (p *Pool) put(idx int, refresh bool) {
	if refresh {
		p.slots[idx].forceRefresh = true
	}
	p.opts.Metrics.RecordLeaseReturned()
	p.free <- idx
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return len(p.slots) }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size  int
	Idle  int
	InUse int
}

// Stats reports how many slots are leased.
func (p *Pool) Stats() Stats {
	idle := len(p.free)
	return Stats{Size: len(p.slots), Idle: idle, InUse: len(p.slots) - idle}
}

// Close waits for every lease to come back, then closes all connections.
// Pending and future Gets fail with ErrPoolClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	for n := 0; n < len(p.slots); n++ {
		select {
		case <-p.free:
		case <-ctx.Done():
			return fmt.Errorf("close connection pool: %d leases outstanding: %w", len(p.slots)-n, ctx.Err())
		}
	}
	return p.closeAll()
}

func (p *Pool) closeAll() error {
	var errs []error
	for i := range p.slots {
		if c := p.slots[i].conn; c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("slot %d: %w", i, err))
			}
			p.slots[i].conn = nil
		}
	}
	return errors.Join(errs...)
}

// Lease is exclusive use of one pooled connection until Close or Release.
type Lease struct {
	pool *Pool
	idx  int
	conn Connection
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() Connection { return l.conn }

// Index returns the slot index backing this lease.
func (l *Lease) Index() int { return l.idx }

// Close returns the connection to the pool. Safe to call more than once.
func (l *Lease) Close() {
	l.once.Do(func() { l.pool.put(l.idx, false) })
}

// Release returns the connection and has it recreated before its next use,
// e.g. after a protocol error left it in an unknown state.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.put(l.idx, true) })
}
