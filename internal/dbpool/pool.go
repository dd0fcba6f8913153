// Package dbpool implements named pools of database connections with
// acquire/release, liveness probing, idle eviction and shutdown drain.
//
// Locking discipline: all pool state is guarded by the pool mutex; the
// condition variable bound to it wakes acquirers when a connection is
// released or the pool closes. Dialing and probing happen outside the lock.
// Pool operations never take session-store locks and vice versa.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/attlas-services/attlas-server/config"
)

var (
	// ErrAcquireTimeout is returned when no connection became available
	// within the descriptor's acquire timeout.
	ErrAcquireTimeout = errors.New("dbpool: acquire timeout")
	// ErrPoolClosed is returned for acquires against a shut-down pool.
	ErrPoolClosed = errors.New("dbpool: pool closed")
	// ErrPoolExhausted wraps driver failures that survived the retry.
	ErrPoolExhausted = errors.New("dbpool: connection failure")
)

const (
	defaultAcquireTimeout = 10 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
	defaultProbeInterval  = 30 * time.Second
	defaultProbeSQL       = "SELECT 1"
	shutdownGrace         = 10 * time.Second
)

type connState int

const (
	stateIdle connState = iota
	stateInUse
	stateBroken
	stateClosed
)

// Conn is a pooled connection handle. It must be returned via Release; a
// broken connection must be marked before release so it is destroyed
// instead of re-pooled.
type Conn struct {
	dc        driverConn
	pool      *Pool
	lastUsed  time.Time
	lastProbe time.Time
	state     connState
}

// Ping probes the underlying connection.
func (c *Conn) Ping(ctx context.Context) error { return c.dc.Ping(ctx) }

// Exec runs a statement on the underlying connection.
func (c *Conn) Exec(ctx context.Context, query string) error { return c.dc.Exec(ctx, query) }

// MarkBroken quarantines the connection; Release will destroy it.
func (c *Conn) MarkBroken() {
	c.pool.mu.Lock()
	c.state = stateBroken
	c.pool.mu.Unlock()
}

// Pool owns a bounded set of connections for one descriptor.
type Pool struct {
	name    string
	desc    config.PoolDescriptor
	connect connectFunc
	cleanup func()

	acquireTimeout time.Duration
	idleTimeout    time.Duration
	probeInterval  time.Duration
	probeSQL       string

	mu     sync.Mutex
	cond   *sync.Cond
	idle   []*Conn
	inUse  map[*Conn]struct{}
	total  int
	closed bool
}

// newPool builds a pool around a connection factory. Used directly by tests;
// the manager goes through NewPool.
func newPool(desc config.PoolDescriptor, connect connectFunc, cleanup func()) *Pool {
	p := &Pool{
		name:           desc.Name,
		desc:           desc,
		connect:        connect,
		cleanup:        cleanup,
		acquireTimeout: secondsOr(desc.AcquireTimeoutSeconds, defaultAcquireTimeout),
		idleTimeout:    secondsOr(desc.IdleTimeoutSeconds, defaultIdleTimeout),
		probeInterval:  secondsOr(desc.HealthCheckSeconds, defaultProbeInterval),
		probeSQL:       stringOr(desc.ProbeSQL, defaultProbeSQL),
		inUse:          make(map[*Conn]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewPool builds a pool for a descriptor, selecting the driver factory and
// pre-warming to the minimum size on a best-effort basis.
func NewPool(desc config.PoolDescriptor) (*Pool, error) {
	connect, cleanup, err := factoryFor(desc)
	if err != nil {
		return nil, err
	}
	p := newPool(desc, connect, cleanup)
	p.warm()
	return p, nil
}

func secondsOr(v int, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return time.Duration(v) * time.Second
}

func stringOr(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// warm dials up to MinSize connections. Unreachable drivers are tolerated;
// the pool fills back up on demand.
func (p *Pool) warm() {
	for i := 0; i < p.desc.MinSize; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.acquireTimeout)
		dc, err := p.connect(ctx)
		cancel()
		if err != nil {
			return
		}
		now := time.Now().UTC()
		p.mu.Lock()
		p.idle = append(p.idle, &Conn{dc: dc, pool: p, lastUsed: now, lastProbe: now, state: stateIdle})
		p.total++
		p.mu.Unlock()
	}
}

// Acquire returns a live connection, dialing a new one while below the
// maximum size and otherwise waiting up to the acquire timeout. The caller
// may cancel earlier through ctx.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	return p.acquire(ctx, true)
}

func (p *Pool) acquire(ctx context.Context, retry bool) (*Conn, error) {
	deadline := time.Now().Add(p.acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// The waker releases cond.Wait when the deadline or the caller's
	// context expires; sync.Cond has no timed wait of its own.
	stopWake := make(chan struct{})
	go func() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-stopWake:
			return
		}
		p.cond.Broadcast()
	}()
	defer close(stopWake)

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			c.state = stateInUse
			p.inUse[c] = struct{}{}
			p.mu.Unlock()

			if err := p.probe(ctx, c); err != nil {
				p.destroy(c)
				if retry {
					return p.acquire(ctx, false)
				}
				return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
			}
			return c, nil
		}

		if p.total < p.desc.MaxSize {
			p.total++
			p.mu.Unlock()
			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.cond.Signal()
				p.mu.Unlock()
				if retry {
					return p.acquire(ctx, false)
				}
				return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
			}
			return c, nil
		}

		if !time.Now().Before(deadline) {
			p.mu.Unlock()
			return nil, ErrAcquireTimeout
		}
		p.cond.Wait()
	}
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	dc, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	c := &Conn{dc: dc, pool: p, lastUsed: now, lastProbe: now, state: stateInUse}
	p.mu.Lock()
	p.inUse[c] = struct{}{}
	p.mu.Unlock()
	return c, nil
}

// probe runs the liveness check at most once per probe interval.
func (p *Pool) probe(ctx context.Context, c *Conn) error {
	now := time.Now().UTC()
	if now.Sub(c.lastProbe) < p.probeInterval {
		return nil
	}
	if err := c.dc.Exec(ctx, p.probeSQL); err != nil {
		return err
	}
	c.lastProbe = now
	return nil
}

// Release returns the connection to the idle set, or destroys it if it is
// broken or the pool has closed.
func (p *Pool) Release(c *Conn) {
	if c == nil || c.pool != p {
		return
	}
	p.mu.Lock()
	delete(p.inUse, c)
	if c.state == stateBroken || p.closed {
		p.total--
		c.state = stateClosed
		p.cond.Broadcast()
		p.mu.Unlock()
		p.closeConn(c)
		return
	}
	c.state = stateIdle
	c.lastUsed = time.Now().UTC()
	p.idle = append(p.idle, c)
	p.cond.Signal()
	p.mu.Unlock()
}

// destroy removes a connection that is currently checked out.
func (p *Pool) destroy(c *Conn) {
	p.mu.Lock()
	delete(p.inUse, c)
	p.total--
	c.state = stateClosed
	p.cond.Signal()
	p.mu.Unlock()
	p.closeConn(c)
}

func (p *Pool) closeConn(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.dc.Close(ctx)
}

// EvictIdle closes idle connections unused for longer than the idle
// timeout, keeping at least MinSize connections. Returns the eviction
// count.
func (p *Pool) EvictIdle(now time.Time) int {
	p.mu.Lock()
	var evict []*Conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if p.total-len(evict) > p.desc.MinSize && now.Sub(c.lastUsed) > p.idleTimeout {
			evict = append(evict, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.total -= len(evict)
	p.mu.Unlock()

	for _, c := range evict {
		c.state = stateClosed
		p.closeConn(c)
	}
	return len(evict)
}

// Shutdown closes the pool: pending and future acquires fail, in-flight
// connections get a grace period to come back, then everything is forced
// closed. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()

	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, c := range idle {
		c.state = stateClosed
		p.closeConn(c)
	}

	deadline := time.Now().Add(shutdownGrace)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		p.mu.Lock()
		remaining := len(p.inUse)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		if !time.Now().Before(deadline) {
			p.forceClose()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if p.cleanup != nil {
		p.cleanup()
	}
	return nil
}

func (p *Pool) forceClose() {
	p.mu.Lock()
	stranded := make([]*Conn, 0, len(p.inUse))
	for c := range p.inUse {
		stranded = append(stranded, c)
	}
	p.inUse = make(map[*Conn]struct{})
	p.total -= len(stranded)
	p.mu.Unlock()

	for _, c := range stranded {
		c.state = stateClosed
		p.closeConn(c)
	}
}

// Stats reports the idle and in-use counts.
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.inUse)
}
