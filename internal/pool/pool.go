// Package pool implements transaction-level connection pooling: a
// ShardPool multiplexes many client sessions over a small set of real
// server connections, scoped to one (cluster, shard, user, role) key,
// the same sync.Cond-based checkout/checkin design the corpus's tenant
// pool uses, generalized from a tenant key to a shard key.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/config"
)

// Key identifies one pool: a single shard's primary or one of its
// replicas, for one backend user.
type Key struct {
	Cluster string
	Shard   int
	User    string
	Role    string // "primary" or "replica"
}

func (k Key) String() string {
	return fmt.Sprintf("%s/shard%d/%s/%s", k.Cluster, k.Shard, k.User, k.Role)
}

// Stats reports a pool's current occupancy.
type Stats struct {
	Key       Key
	PoolMode  string
	Active    int
	Idle      int
	Total     int
	Waiting   int
	MaxConns  int
	MinConns  int
	Exhausted int64
}

// OnExhausted is invoked when a checkout must wait because the pool is
// at max connections.
type OnExhausted func(Key)

// DialFunc dials and authenticates one new connection for this pool.
type DialFunc func(ctx context.Context) (*backend.Conn, error)

// ShardPool manages connections for one (cluster, shard, user, role).
type ShardPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	key      Key
	poolMode string
	minConns int
	maxConns int

	idleTimeout     time.Duration
	maxLifetime     time.Duration
	checkoutTimeout time.Duration

	dial DialFunc

	idle      []*backend.Conn
	active    map[*backend.Conn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed bool
	stopCh chan struct{}

	onExhausted OnExhausted
}

// New creates a ShardPool and starts its background reaper and
// min-connections warm-up, matching the teacher's NewTenantPool.
func New(key Key, d config.PoolDefaults, dial DialFunc) *ShardPool {
	p := &ShardPool{
		key:             key,
		poolMode:        d.PoolMode,
		minConns:        d.MinConnections,
		maxConns:        d.MaxConnections,
		idleTimeout:     d.IdleTimeout,
		maxLifetime:     d.MaxLifetime,
		checkoutTimeout: d.CheckoutTimeout,
		dial:            dial,
		active:          make(map[*backend.Conn]struct{}),
		stopCh:          make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()
	if p.minConns > 0 {
		go p.warmUp()
	}
	return p
}

func (p *ShardPool) warmUp() {
	for i := 0; i < p.minConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.minConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("warm-up connection failed", "pool", p.key.String(), "index", i+1, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		conn.MarkIdle()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "pool", p.key.String(), "count", p.minConns)
}

// Acquire checks out a connection, dialing a new one if the pool is
// under its max and waiting (FIFO-ish, via sync.Cond.Signal) otherwise.
func (p *ShardPool) Acquire(ctx context.Context) (*backend.Conn, error) {
	deadlineAt := time.Now().Add(p.checkoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPoolClosed, p.key.String())
		}

		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if conn.IsExpired(p.maxLifetime) {
				conn.Close()
				p.total--
				continue
			}
			if err := conn.Ping(); err != nil {
				conn.Close()
				p.total--
				continue
			}

			conn.MarkActive()
			p.active[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}

		if p.total < p.maxConns {
			p.total++
			p.mu.Unlock()

			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("dialing for %s: %w", p.key.String(), err)
			}
			conn.MarkActive()
			p.mu.Lock()
			p.active[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onExhausted
		p.mu.Unlock()
		if cb != nil {
			cb(p.key)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s after %s", ErrCheckoutTimeout, p.key.String(), p.checkoutTimeout)
		}

		timer := time.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPoolClosed, p.key.String())
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s after %s", ErrCheckoutTimeout, p.key.String(), p.checkoutTimeout)
		}
	}
}

// Return releases a connection back to the pool. When sessionDirty is set
// and the pool is in transaction mode, it first resets the connection's
// session state so the next checkout starts clean (spec: DISCARD ALL on
// return in transaction pool mode).
func (p *ShardPool) Return(ctx context.Context, conn *backend.Conn, sessionDirty bool) {
	p.mu.Lock()
	delete(p.active, conn)

	if p.closed || conn.IsExpired(p.maxLifetime) {
		p.mu.Unlock()
		conn.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.cond.Signal()
		return
	}
	p.mu.Unlock()

	if sessionDirty && p.poolMode == "transaction" {
		if err := conn.ResetSession(ctx); err != nil {
			slog.Warn("session reset failed, dropping connection", "pool", p.key.String(), "err", err)
			conn.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.cond.Signal()
			return
		}
	}

	p.mu.Lock()
	conn.MarkIdle()
	p.idle = append(p.idle, conn)
	// Signal, not Broadcast: wakes exactly one waiter and avoids a
	// thundering herd where every waiter races for one connection.
	p.cond.Signal()
	p.mu.Unlock()
}

// Stats reports current occupancy.
func (p *ShardPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Key:       p.key,
		PoolMode:  p.poolMode,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.maxConns,
		MinConns:  p.minConns,
		Exhausted: p.exhausted,
	}
}

// Close drains and stops the pool, closing every idle connection and
// letting active ones finish through their normal Return path.
func (p *ShardPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, conn := range p.idle {
		conn.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	p.mu.Unlock()

	close(p.stopCh)
	p.cond.Broadcast()
}

func (p *ShardPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *ShardPool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.idle[:0]
	for _, conn := range p.idle {
		if p.total > p.minConns && (conn.IsIdleTooLong(p.idleTimeout) || conn.IsExpired(p.maxLifetime)) {
			conn.Close()
			p.total--
			continue
		}
		kept = append(kept, conn)
	}
	p.idle = kept
}
