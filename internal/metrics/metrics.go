package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for shardbouncer.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	queryDuration      *prometheus.HistogramVec
	shardHealth        *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	crossShardFanouts  *prometheus.CounterVec
	inDoubtTxns        *prometheus.GaugeVec
	twoPCCommits       *prometheus.CounterVec
	twoPCRollbacks     *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_connections_active",
				Help: "Number of active connections per cluster/shard/role",
			},
			[]string{"cluster", "shard", "role"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_connections_idle",
				Help: "Number of idle connections per cluster/shard/role",
			},
			[]string{"cluster", "shard", "role"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_connections_total",
				Help: "Total number of connections per cluster/shard/role",
			},
			[]string{"cluster", "shard", "role"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_connections_waiting",
				Help: "Number of goroutines waiting for a connection per cluster/shard/role",
			},
			[]string{"cluster", "shard", "role"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardbouncer_query_duration_seconds",
				Help:    "Duration of routed statements in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"cluster", "scope"},
		),
		shardHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_shard_host_health",
				Help: "Health status of a shard host (1=healthy, 0=unhealthy)",
			},
			[]string{"cluster", "shard", "addr"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_pool_exhausted_total",
				Help: "Total number of times a pool was exhausted",
			},
			[]string{"cluster", "shard", "role"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardbouncer_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"cluster", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"cluster", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"cluster"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardbouncer_transaction_duration_seconds",
				Help:    "Duration from backend acquire to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"cluster"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardbouncer_acquire_duration_seconds",
				Help:    "Time waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"cluster", "shard", "role"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_session_pins_total",
				Help: "Session pin events in transaction-mode pooling",
			},
			[]string{"cluster", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_backend_resets_total",
				Help: "Backend DISCARD ALL reset results",
			},
			[]string{"cluster", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring ROLLBACK",
			},
			[]string{"cluster"},
		),

		crossShardFanouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_cross_shard_fanouts_total",
				Help: "Statements routed to more than one shard",
			},
			[]string{"cluster"},
		),
		inDoubtTxns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardbouncer_2pc_in_doubt_transactions",
				Help: "Two-phase-commit transactions left unresolved by a crash, pending recovery",
			},
			[]string{"cluster"},
		),
		twoPCCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_2pc_commits_total",
				Help: "Two-phase-commit transactions that committed successfully",
			},
			[]string{"cluster"},
		),
		twoPCRollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardbouncer_2pc_rollbacks_total",
				Help: "Two-phase-commit transactions rolled back",
			},
			[]string{"cluster"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.queryDuration,
		c.shardHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.crossShardFanouts,
		c.inDoubtTxns,
		c.twoPCCommits,
		c.twoPCRollbacks,
	)

	return c
}

// QueryDuration observes a routed statement's duration. scope is a label
// naming the routing scope, e.g. "shard", "shardset", "all", "manual".
func (c *Collector) QueryDuration(cluster, scope string, d time.Duration) {
	c.queryDuration.WithLabelValues(cluster, scope).Observe(d.Seconds())
}

// SetShardHealth sets the health gauge for one shard host.
func (c *Collector) SetShardHealth(cluster, shard, addr string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.shardHealth.WithLabelValues(cluster, shard, addr).Set(val)
}

// PoolExhausted increments the pool-exhausted counter for one pool key.
func (c *Collector) PoolExhausted(cluster, shard, role string) {
	c.poolExhausted.WithLabelValues(cluster, shard, role).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from one pool's stats.
func (c *Collector) UpdatePoolStats(cluster, shard, role string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(cluster, shard, role).Set(float64(active))
	c.connectionsIdle.WithLabelValues(cluster, shard, role).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(cluster, shard, role).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(cluster, shard, role).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(cluster string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(cluster, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(cluster, errorType string) {
	c.healthCheckErrors.WithLabelValues(cluster, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(cluster string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(cluster).Inc()
	c.transactionDuration.WithLabelValues(cluster).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(cluster, shard, role string, d time.Duration) {
	c.acquireDuration.WithLabelValues(cluster, shard, role).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(cluster, reason string) {
	c.sessionPinsTotal.WithLabelValues(cluster, reason).Inc()
}

// BackendReset records a DISCARD ALL result (success or failure).
func (c *Collector) BackendReset(cluster string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(cluster, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(cluster string) {
	c.dirtyDisconnects.WithLabelValues(cluster).Inc()
}

// CrossShardFanout increments the cross-shard fan-out counter.
func (c *Collector) CrossShardFanout(cluster string) {
	c.crossShardFanouts.WithLabelValues(cluster).Inc()
}

// SetInDoubtTransactions sets the 2PC in-doubt gauge from
// txn.Coordinator.InDoubtCount().
func (c *Collector) SetInDoubtTransactions(cluster string, n int) {
	c.inDoubtTxns.WithLabelValues(cluster).Set(float64(n))
}

// TwoPCCommitted increments the 2PC commit counter.
func (c *Collector) TwoPCCommitted(cluster string) {
	c.twoPCCommits.WithLabelValues(cluster).Inc()
}

// TwoPCRolledBack increments the 2PC rollback counter.
func (c *Collector) TwoPCRolledBack(cluster string) {
	c.twoPCRollbacks.WithLabelValues(cluster).Inc()
}

// RemoveCluster removes all metrics scoped to one cluster, used when the
// admin API force-reconnects a cluster's pools.
func (c *Collector) RemoveCluster(cluster string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.queryDuration.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.shardHealth.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.transactionsTotal.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.dirtyDisconnects.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.crossShardFanouts.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.inDoubtTxns.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.twoPCCommits.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	c.twoPCRollbacks.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
}
