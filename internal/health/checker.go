// Package health periodically probes every shard's primary and replica
// hosts across every configured cluster, banning a host in
// internal/cluster after consecutive failures and unbanning it once
// probes succeed again. The probe itself is a raw PostgreSQL startup
// handshake against the host's TCP port, not a query through the pool,
// so a bad host never ties up a connection slot.
package health

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/cluster"
)

// Status is one host's current health as observed by the checker.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

// HostHealth is the checker's view of a single (cluster, shard, host).
type HostHealth struct {
	Status              Status
	LastCheck           time.Time
	ConsecutiveFailures int
	LastError           string
}

type target struct {
	clusterName string
	cl          *cluster.Cluster
	shardIdx    int
	addr        string
}

// Checker runs a bounded worker pool over every cluster's hosts on a
// timer, the same ticker-plus-semaphore shape the pooler has always
// used for background health sweeps.
type Checker struct {
	mu       sync.RWMutex
	clusters map[string]*cluster.Cluster
	status   map[string]*HostHealth // "cluster/shard/addr" -> health

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration
	concurrency       int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a Checker. interval controls how often every host
// is probed; failureThreshold is how many consecutive failures ban a
// host; connectionTimeout bounds each probe's dial-and-handshake.
func NewChecker(interval time.Duration, failureThreshold int, connectionTimeout time.Duration) *Checker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Checker{
		clusters:          make(map[string]*cluster.Cluster),
		status:            make(map[string]*HostHealth),
		interval:          interval,
		failureThreshold:  failureThreshold,
		connectionTimeout: connectionTimeout,
		concurrency:       10,
		stopCh:            make(chan struct{}),
	}
}

// Watch registers a cluster for periodic health checking.
func (c *Checker) Watch(name string, cl *cluster.Cluster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clusters[name] = cl
}

// Unwatch removes a cluster (e.g. on config reload removing it).
func (c *Checker) Unwatch(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clusters, name)
}

// Start runs the periodic check loop in the background.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		c.checkAll()
		for {
			select {
			case <-ticker.C:
				c.checkAll()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the check loop and waits for the in-flight sweep to finish.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Checker) checkAll() {
	c.mu.RLock()
	targets := make([]target, 0, 16)
	for name, cl := range c.clusters {
		for _, st := range cl.Snapshot() {
			targets = append(targets, target{clusterName: name, cl: cl, shardIdx: st.ShardIndex, addr: st.Primary.Addr})
			for _, r := range st.Replicas {
				targets = append(targets, target{clusterName: name, cl: cl, shardIdx: st.ShardIndex, addr: r.Addr})
			}
		}
	}
	c.mu.RUnlock()

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	for _, t := range targets {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.probe(t)
		}()
	}
	wg.Wait()
}

func (c *Checker) probe(t target) {
	ok := pingPostgres(t.addr, c.connectionTimeout)
	key := fmt.Sprintf("%s/%d/%s", t.clusterName, t.shardIdx, t.addr)

	c.mu.Lock()
	hh, exists := c.status[key]
	if !exists {
		hh = &HostHealth{}
		c.status[key] = hh
	}
	hh.LastCheck = time.Now()
	if ok {
		wasUnhealthy := hh.ConsecutiveFailures >= c.failureThreshold
		hh.ConsecutiveFailures = 0
		hh.LastError = ""
		hh.Status = StatusHealthy
		c.mu.Unlock()
		banned := wasUnhealthy
		for _, st := range t.cl.Snapshot() {
			if st.ShardIndex != t.shardIdx {
				continue
			}
			if st.Primary.Addr == t.addr && st.Primary.Banned {
				banned = true
			}
			for _, r := range st.Replicas {
				if r.Addr == t.addr && r.Banned {
					banned = true
				}
			}
		}
		if banned {
			t.cl.Unban(t.shardIdx, t.addr)
			slog.Info("host recovered", "cluster", t.clusterName, "shard", t.shardIdx, "addr", t.addr)
		}
		return
	}

	hh.ConsecutiveFailures++
	hh.LastError = "connection probe failed"
	shouldBan := hh.ConsecutiveFailures == c.failureThreshold
	if hh.ConsecutiveFailures >= c.failureThreshold {
		hh.Status = StatusUnhealthy
	}
	c.mu.Unlock()

	if shouldBan {
		t.cl.Ban(t.shardIdx, t.addr)
		slog.Warn("host banned after consecutive health check failures", "cluster", t.clusterName, "shard", t.shardIdx, "addr", t.addr, "failures", c.failureThreshold)
	}
}

// GetStatus returns the last known health of one host, if it has ever
// been probed.
func (c *Checker) GetStatus(clusterName string, shardIdx int, addr string) (HostHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hh, ok := c.status[fmt.Sprintf("%s/%d/%s", clusterName, shardIdx, addr)]
	if !ok {
		return HostHealth{}, false
	}
	return *hh, true
}

// OverallHealthy reports whether every watched host across every
// cluster is currently healthy or unknown (never yet checked).
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, hh := range c.status {
		if hh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// pingPostgres dials addr and runs just enough of the startup handshake
// to prove the server is accepting connections: a startup message
// naming a throwaway database, expecting either an auth challenge or an
// error back (a closed port or a hung server never answers at all).
func pingPostgres(addr string, timeout time.Duration) bool {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(timeout))

	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "shardbouncer_healthcheck", "database": "postgres"},
	}
	buf, err := startup.Encode(nil)
	if err != nil {
		return false
	}
	if _, err := nc.Write(buf); err != nil {
		return false
	}

	fe := pgproto3.NewFrontend(pgproto3.NewChunkReader(nc), nc)
	msg, err := fe.Receive()
	if err != nil {
		return false
	}
	switch msg.(type) {
	case *pgproto3.AuthenticationMD5Password, *pgproto3.AuthenticationCleartextPassword,
		*pgproto3.AuthenticationSASL, *pgproto3.AuthenticationOk, *pgproto3.ErrorResponse:
		return true
	default:
		return false
	}
}
