package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("orders", "0", "primary", 3, 5, 8, 1)

	val := getGaugeValue(c.connectionsActive.WithLabelValues("orders", "0", "primary"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value.
	c.UpdatePoolStats("orders", "0", "primary", 2, 4, 6, 0)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("orders", "0", "primary"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestQueryDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.QueryDuration("orders", "shard", 100*time.Millisecond)
	c.QueryDuration("orders", "shard", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "shardbouncer_query_duration_seconds" {
			found = true
			if len(f.Metric) == 0 {
				t.Fatal("expected at least one label combination")
			}
			if f.Metric[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", f.Metric[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Fatal("shardbouncer_query_duration_seconds not registered")
	}
}

func TestSetShardHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetShardHealth("orders", "0", "10.0.0.1:5432", true)
	val := getGaugeValue(c.shardHealth.WithLabelValues("orders", "0", "10.0.0.1:5432"))
	if val != 1 {
		t.Errorf("expected health=1 (healthy), got %v", val)
	}

	c.SetShardHealth("orders", "0", "10.0.0.1:5432", false)
	val = getGaugeValue(c.shardHealth.WithLabelValues("orders", "0", "10.0.0.1:5432"))
	if val != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("orders", "0", "primary")
	c.PoolExhausted("orders", "0", "primary")

	val := getCounterValue(c.poolExhausted.WithLabelValues("orders", "0", "primary"))
	if val != 2 {
		t.Errorf("expected exhausted count=2, got %v", val)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UpdatePoolStats("orders", "1", "replica", 4, 2, 6, 3)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("orders", "1", "replica")); v != 4 {
		t.Errorf("active: got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("orders", "1", "replica")); v != 2 {
		t.Errorf("idle: got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("orders", "1", "replica")); v != 6 {
		t.Errorf("total: got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("orders", "1", "replica")); v != 3 {
		t.Errorf("waiting: got %v", v)
	}
}

func TestRemoveCluster(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("orders", "0", "primary", 1, 1, 2, 0)
	c.PoolExhausted("orders", "0", "primary")
	c.SetInDoubtTransactions("orders", 2)

	c.RemoveCluster("orders")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.Metric {
			for _, lp := range m.Label {
				if lp.GetName() == "cluster" && lp.GetValue() == "orders" {
					t.Errorf("expected no remaining series for cluster=orders in %s", f.GetName())
				}
			}
		}
	}
}

func TestMultipleClusters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("orders", "0", "primary", 1, 1, 2, 0)
	c.UpdatePoolStats("billing", "0", "primary", 3, 3, 6, 1)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("orders", "0", "primary")); v != 1 {
		t.Errorf("orders active: got %v", v)
	}
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("billing", "0", "primary")); v != 3 {
		t.Errorf("billing active: got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	for i := 0; i < 5; i++ {
		New()
	}
}

func TestTransactionCompleted(t *testing.T) {
	c, _ := newTestCollector(t)
	c.TransactionCompleted("orders", 50*time.Millisecond)
	c.TransactionCompleted("orders", 75*time.Millisecond)

	if v := getCounterValue(c.transactionsTotal.WithLabelValues("orders")); v != 2 {
		t.Errorf("expected 2 completed transactions, got %v", v)
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)
	c.AcquireDuration("orders", "0", "primary", 5*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == "shardbouncer_acquire_duration_seconds" {
			if f.Metric[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 sample, got %d", f.Metric[0].GetHistogram().GetSampleCount())
			}
		}
	}
}

func TestSessionPinned(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SessionPinned("orders", "open_transaction")
	if v := getCounterValue(c.sessionPinsTotal.WithLabelValues("orders", "open_transaction")); v != 1 {
		t.Errorf("expected 1, got %v", v)
	}
}

func TestBackendReset(t *testing.T) {
	c, _ := newTestCollector(t)
	c.BackendReset("orders", true)
	c.BackendReset("orders", false)

	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("orders", "success")); v != 1 {
		t.Errorf("expected 1 success, got %v", v)
	}
	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("orders", "failure")); v != 1 {
		t.Errorf("expected 1 failure, got %v", v)
	}
}

func TestDirtyDisconnect(t *testing.T) {
	c, _ := newTestCollector(t)
	c.DirtyDisconnect("orders")
	c.DirtyDisconnect("orders")
	if v := getCounterValue(c.dirtyDisconnects.WithLabelValues("orders")); v != 2 {
		t.Errorf("expected 2, got %v", v)
	}
}

func TestCrossShardFanout(t *testing.T) {
	c, _ := newTestCollector(t)
	c.CrossShardFanout("orders")
	if v := getCounterValue(c.crossShardFanouts.WithLabelValues("orders")); v != 1 {
		t.Errorf("expected 1, got %v", v)
	}
}

func TestInDoubtTransactionsGauge(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SetInDoubtTransactions("orders", 3)
	if v := getGaugeValue(c.inDoubtTxns.WithLabelValues("orders")); v != 3 {
		t.Errorf("expected 3, got %v", v)
	}
	c.SetInDoubtTransactions("orders", 0)
	if v := getGaugeValue(c.inDoubtTxns.WithLabelValues("orders")); v != 0 {
		t.Errorf("expected 0 after recovery, got %v", v)
	}
}

func TestTwoPCCommitAndRollbackCounters(t *testing.T) {
	c, _ := newTestCollector(t)
	c.TwoPCCommitted("orders")
	c.TwoPCCommitted("orders")
	c.TwoPCRolledBack("orders")

	if v := getCounterValue(c.twoPCCommits.WithLabelValues("orders")); v != 2 {
		t.Errorf("expected 2 commits, got %v", v)
	}
	if v := getCounterValue(c.twoPCRollbacks.WithLabelValues("orders")); v != 1 {
		t.Errorf("expected 1 rollback, got %v", v)
	}
}
