package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/config"
	"github.com/shardbouncer/shardbouncer/internal/health"
	"github.com/shardbouncer/shardbouncer/internal/metrics"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/txn"
)

func newTestClusterHandle(t *testing.T, name string) *ClusterHandle {
	t.Helper()
	cl := cluster.New(name, config.ClusterConfig{
		Shards: []config.ShardConfig{
			{Primary: config.HostConfig{Host: "localhost", Port: 5432}},
		},
		ReadWriteSplit: "exclude_primary",
		LoadBalance:    "round_robin",
	})
	pm := pool.NewManager(config.PoolDefaults{PoolMode: "transaction", MaxConnections: 10, CheckoutTimeout: time.Second},
		func(ctx context.Context, key pool.Key) (*backend.Conn, error) {
			return nil, nil
		})
	coord, err := txn.NewCoordinator(txn.ModeAuto, t.TempDir()+"/2pc.log", 5*time.Second)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return &ClusterHandle{Name: name, Cluster: cl, Pools: pm, Txn: coord}
}

func newTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()
	clusters := map[string]*ClusterHandle{
		"orders": newTestClusterHandle(t, "orders"),
	}
	hc := health.NewChecker(time.Minute, 3, time.Second)
	m := metrics.New()
	s := NewServer(clusters, hc, m, config.ListenConfig{Port: 6432, AdminPort: 8080})

	mr := mux.NewRouter()
	mr.HandleFunc("/clusters", s.listClusters).Methods("GET")
	mr.HandleFunc("/clusters/{name}", s.getCluster).Methods("GET")
	mr.HandleFunc("/clusters/{name}/shards", s.shardStatus).Methods("GET")
	mr.HandleFunc("/clusters/{name}/pools", s.poolStatus).Methods("GET")
	mr.HandleFunc("/clusters/{name}/pause", s.pauseCluster).Methods("POST")
	mr.HandleFunc("/clusters/{name}/resume", s.resumeCluster).Methods("POST")
	mr.HandleFunc("/clusters/{name}/reconnect", s.reconnectCluster).Methods("POST")
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")
	return s, mr
}

func TestListClusters(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/clusters", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result []clusterSummary
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result) != 1 || result[0].Name != "orders" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestGetClusterNotFound(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/clusters/missing", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestShardStatus(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/clusters/orders/shards", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result []cluster.Status
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result) != 1 {
		t.Errorf("expected 1 shard, got %d", len(result))
	}
}

func TestPauseAndResumeCluster(t *testing.T) {
	s, mr := newTestServer(t)

	req := httptest.NewRequest("POST", "/clusters/orders/pause", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !s.clusters["orders"].Cluster.IsPaused() {
		t.Error("expected cluster to be paused")
	}

	req = httptest.NewRequest("POST", "/clusters/orders/resume", nil)
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if s.clusters["orders"].Cluster.IsPaused() {
		t.Error("expected cluster to be resumed")
	}
}

func TestPauseClusterNotFound(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("POST", "/clusters/missing/pause", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestReadyWithNoClusters(t *testing.T) {
	hc := health.NewChecker(time.Minute, 3, time.Second)
	s := NewServer(map[string]*ClusterHandle{}, hc, metrics.New(), config.ListenConfig{})
	mr := mux.NewRouter()
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")

	req := httptest.NewRequest("GET", "/ready", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with no clusters configured, got %d", rr.Code)
	}
}

func TestHealthHandlerHealthy(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	// No hosts have been probed yet, so OverallHealthy (nothing unhealthy) holds.
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["num_clusters"].(float64) != 1 {
		t.Errorf("expected num_clusters=1, got %v", result["num_clusters"])
	}
}
