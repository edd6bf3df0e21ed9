// Package cluster holds the sharded-database topology: which hosts back
// each shard, which of those hosts are currently eligible for read
// traffic, and which are banned after a health-check failure. Readers
// never block behind writers: the whole topology is held as an
// immutable snapshot swapped in with atomic.Value, the same lock-free
// pattern shardbouncer's predecessor used for its tenant routing table.
package cluster

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/config"
)

// Role distinguishes primary from replica traffic.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

// Host is one resolved, potentially-banned database endpoint.
type Host struct {
	Addr string
	Role Role
}

type hostState struct {
	host      Host
	banned    bool
	bannedAt  time.Time
	replayLSN uint64
	lsnAt     time.Time
}

type shard struct {
	index    int
	primary  *hostState
	replicas []*hostState
}

type clusterSnapshot struct {
	name           string
	db             config.ClusterConfig
	shards         []*shard
	paused         bool
	rrCounterWrite uint64
	rrCounterRead  uint64
}

// Cluster is a single logical sharded database.
type Cluster struct {
	name string
	snap atomic.Value // *clusterSnapshot
	wmu  sync.Mutex
	rng  *rand.Rand
	rngM sync.Mutex
}

// New builds a Cluster from its configuration.
func New(name string, cfg config.ClusterConfig) *Cluster {
	c := &Cluster{
		name: name,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	snap := buildSnapshot(name, cfg, nil)
	c.snap.Store(snap)
	return c
}

func buildSnapshot(name string, cfg config.ClusterConfig, prev *clusterSnapshot) *clusterSnapshot {
	shards := make([]*shard, len(cfg.Shards))
	for i, sc := range cfg.Shards {
		sh := &shard{
			index: i,
			primary: &hostState{
				host: Host{Addr: sc.Primary.Addr(), Role: RolePrimary},
			},
		}
		for _, rc := range sc.Replicas {
			sh.replicas = append(sh.replicas, &hostState{
				host: Host{Addr: rc.Addr(), Role: RoleReplica},
			})
		}
		if prev != nil && i < len(prev.shards) {
			copyBanState(prev.shards[i].primary, sh.primary)
			for _, r := range sh.replicas {
				for _, pr := range prev.shards[i].replicas {
					if pr.host.Addr == r.host.Addr {
						copyBanState(pr, r)
					}
				}
			}
		}
		shards[i] = sh
	}
	paused := false
	if prev != nil {
		paused = prev.paused
	}
	return &clusterSnapshot{name: name, db: cfg, shards: shards, paused: paused}
}

func copyBanState(from, to *hostState) {
	to.banned = from.banned
	to.bannedAt = from.bannedAt
	to.replayLSN = from.replayLSN
	to.lsnAt = from.lsnAt
}

func (c *Cluster) load() *clusterSnapshot {
	return c.snap.Load().(*clusterSnapshot)
}

// Name returns the cluster's configured name.
func (c *Cluster) Name() string { return c.name }

// ShardCount returns the number of shards.
func (c *Cluster) ShardCount() int {
	return len(c.load().shards)
}

// ShardedTables returns the table->sharding-key-column map.
func (c *Cluster) ShardedTables() map[string]string {
	return c.load().db.ShardedTables
}

// Defaults returns the cluster's pool configuration merged with the
// supplied global defaults.
func (c *Cluster) Defaults(d config.PoolDefaults) config.PoolDefaults {
	snap := c.load()
	merged := d
	merged.MinConnections = snap.db.EffectiveMinConnections(d)
	merged.MaxConnections = snap.db.EffectiveMaxConnections(d)
	merged.IdleTimeout = snap.db.EffectiveIdleTimeout(d)
	merged.MaxLifetime = snap.db.EffectiveMaxLifetime(d)
	merged.CheckoutTimeout = snap.db.EffectiveCheckoutTimeout(d)
	return merged
}

// ErrNoEligibleHost is returned when every candidate host for a shard is banned.
var ErrNoEligibleHost = fmt.Errorf("no eligible host for shard")

// WriteHost returns the primary host for the given shard index.
func (c *Cluster) WriteHost(shardIdx int) (Host, error) {
	snap := c.load()
	if shardIdx < 0 || shardIdx >= len(snap.shards) {
		return Host{}, fmt.Errorf("shard index %d out of range [0,%d)", shardIdx, len(snap.shards))
	}
	p := snap.shards[shardIdx].primary
	if p.banned {
		return Host{}, fmt.Errorf("%w: shard %d primary %s", ErrNoEligibleHost, shardIdx, p.host.Addr)
	}
	return p.host, nil
}

// ReadHost selects a host eligible for read traffic on the given shard,
// honoring read_write_split and load_balance policy plus LSN staleness.
func (c *Cluster) ReadHost(shardIdx int) (Host, error) {
	snap := c.load()
	if shardIdx < 0 || shardIdx >= len(snap.shards) {
		return Host{}, fmt.Errorf("shard index %d out of range [0,%d)", shardIdx, len(snap.shards))
	}
	sh := snap.shards[shardIdx]

	var candidates []*hostState
	for _, r := range sh.replicas {
		if r.banned {
			continue
		}
		if snap.db.LSNStalenessBound > 0 && !r.lsnAt.IsZero() && time.Since(r.lsnAt) > snap.db.LSNStalenessBound {
			continue
		}
		candidates = append(candidates, r)
	}
	if snap.db.ReadWriteSplit != "exclude_primary" && !sh.primary.banned {
		candidates = append(candidates, sh.primary)
	}
	if len(candidates) == 0 {
		if !sh.primary.banned {
			return sh.primary.host, nil
		}
		return Host{}, fmt.Errorf("%w: shard %d has no readable replica", ErrNoEligibleHost, shardIdx)
	}

	var pick *hostState
	if snap.db.LoadBalance == "random" {
		c.rngM.Lock()
		pick = candidates[c.rng.Intn(len(candidates))]
		c.rngM.Unlock()
	} else {
		idx := int(atomic.AddUint64(&snap.rrCounterRead, 1)-1) % len(candidates)
		pick = candidates[idx]
	}
	return pick.host, nil
}

// AllWriteHosts returns every shard's primary, in ascending shard order.
// Ascending order is required for the cross-shard executor's deadlock-free
// checkout sequencing (internal/exec).
func (c *Cluster) AllWriteHosts() ([]Host, error) {
	snap := c.load()
	hosts := make([]Host, len(snap.shards))
	for i, sh := range snap.shards {
		if sh.primary.banned {
			return nil, fmt.Errorf("%w: shard %d", ErrNoEligibleHost, i)
		}
		hosts[i] = sh.primary.host
	}
	return hosts, nil
}

// Ban marks a host unavailable until Unban or UnbanAll clears it; Reload
// carries the ban over to the rebuilt topology. Matches the teacher's
// per-tenant ban semantics, scoped here to a (shard, host).
func (c *Cluster) Ban(shardIdx int, addr string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	snap := c.cloneLocked()
	if shardIdx < 0 || shardIdx >= len(snap.shards) {
		return
	}
	for _, hs := range allHosts(snap.shards[shardIdx]) {
		if hs.host.Addr == addr {
			hs.banned = true
			hs.bannedAt = time.Now()
		}
	}
	c.snap.Store(snap)
}

// Unban clears a host's ban state.
func (c *Cluster) Unban(shardIdx int, addr string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	snap := c.cloneLocked()
	if shardIdx < 0 || shardIdx >= len(snap.shards) {
		return
	}
	for _, hs := range allHosts(snap.shards[shardIdx]) {
		if hs.host.Addr == addr {
			hs.banned = false
		}
	}
	c.snap.Store(snap)
}

// UnbanAll clears every ban in the cluster.
func (c *Cluster) UnbanAll() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	snap := c.cloneLocked()
	for _, sh := range snap.shards {
		for _, hs := range allHosts(sh) {
			hs.banned = false
		}
	}
	c.snap.Store(snap)
}

// UpdateReplicaLSN records a replica's last observed replay LSN, used by
// ReadHost to exclude stale replicas.
func (c *Cluster) UpdateReplicaLSN(shardIdx int, addr string, lsn uint64) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	snap := c.cloneLocked()
	if shardIdx < 0 || shardIdx >= len(snap.shards) {
		return
	}
	for _, hs := range snap.shards[shardIdx].replicas {
		if hs.host.Addr == addr {
			hs.replayLSN = lsn
			hs.lsnAt = time.Now()
		}
	}
	c.snap.Store(snap)
}

// Pause sets the paused flag that IsPaused reports (SHOW and the admin
// API show it). The query paths in internal/session and internal/exec do
// not consult the flag, so checkouts continue while a cluster is paused.
func (c *Cluster) Pause() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	snap := c.cloneLocked()
	snap.paused = true
	c.snap.Store(snap)
}

// Resume clears the paused flag.
func (c *Cluster) Resume() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	snap := c.cloneLocked()
	snap.paused = false
	c.snap.Store(snap)
}

// IsPaused reports whether the cluster is currently paused.
func (c *Cluster) IsPaused() bool {
	return c.load().paused
}

// Reload replaces the topology from updated configuration, preserving
// ban state and paused status for hosts/shards that still exist.
func (c *Cluster) Reload(cfg config.ClusterConfig) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.snap.Store(buildSnapshot(c.name, cfg, c.load()))
}

func (c *Cluster) cloneLocked() *clusterSnapshot {
	cur := c.load()
	return buildSnapshot(c.name, cur.db, cur)
}

func allHosts(sh *shard) []*hostState {
	out := make([]*hostState, 0, 1+len(sh.replicas))
	out = append(out, sh.primary)
	out = append(out, sh.replicas...)
	return out
}

// Status summarizes one shard's hosts for SHOW SHARDS / the admin API.
type Status struct {
	ShardIndex int
	Primary    HostStatus
	Replicas   []HostStatus
}

// HostStatus reports one host's ban state.
type HostStatus struct {
	Addr   string
	Banned bool
}

// Snapshot returns a point-in-time status report across all shards.
func (c *Cluster) Snapshot() []Status {
	snap := c.load()
	out := make([]Status, len(snap.shards))
	for i, sh := range snap.shards {
		st := Status{ShardIndex: i, Primary: HostStatus{Addr: sh.primary.host.Addr, Banned: sh.primary.banned}}
		for _, r := range sh.replicas {
			st.Replicas = append(st.Replicas, HostStatus{Addr: r.host.Addr, Banned: r.banned})
		}
		out[i] = st
	}
	return out
}
