package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/config"
)

// Manager is the registry of every ShardPool the process has created,
// lazily instantiating one per (cluster, shard, user, role) the first
// time it's needed.
type Manager struct {
	mu       sync.RWMutex
	pools    map[Key]*ShardPool
	defaults config.PoolDefaults
	dialFor  func(ctx context.Context, key Key) (*backend.Conn, error)
}

// NewManager creates a pool registry. dialFor builds and authenticates
// a new backend connection for a given key; it is supplied by the
// caller because the set of credentials and addresses lives in
// internal/cluster and internal/config, not in this package.
func NewManager(defaults config.PoolDefaults, dialFor func(ctx context.Context, key Key) (*backend.Conn, error)) *Manager {
	return &Manager{
		pools:    make(map[Key]*ShardPool),
		defaults: defaults,
		dialFor:  dialFor,
	}
}

// Get returns the pool for key, creating it on first use.
func (m *Manager) Get(key Key) *ShardPool {
	m.mu.RLock()
	p, ok := m.pools[key]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return p
	}
	p = New(key, m.defaults, func(ctx context.Context) (*backend.Conn, error) {
		return m.dialFor(ctx, key)
	})
	m.pools[key] = p
	return p
}

// UpdateDefaults changes the defaults used for pools created from now on.
// Existing pools keep their original sizing until recreated.
func (m *Manager) UpdateDefaults(d config.PoolDefaults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = d
}

// All returns every currently instantiated pool's stats.
func (m *Manager) All() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

// CloseCluster closes and forgets every pool belonging to a cluster
// (RECONNECT admin verb and the admin API's reconnect action).
func (m *Manager) CloseCluster(cluster string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.pools {
		if k.Cluster == cluster {
			p.Close()
			delete(m.pools, k)
		}
	}
}

// CloseAll closes every pool, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.pools {
		p.Close()
		delete(m.pools, k)
	}
}

// Find returns the pool for key if it has already been created.
func (m *Manager) Find(key Key) (*ShardPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[key]
	return p, ok
}

// String implements fmt.Stringer for diagnostic logging.
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("pool.Manager{%d pools}", len(m.pools))
}
