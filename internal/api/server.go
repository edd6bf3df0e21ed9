// Package api serves a read-mostly REST surface and an embedded
// dashboard over the process's cluster/shard/pool/2PC state. Cluster
// topology itself is config-driven (YAML, plus the in-band admin verbs
// in internal/admin), so this surface reports state and takes only the
// few actions — pause, resume, reconnect — that also exist as admin
// verbs, rather than the tenant CRUD API this proxy's predecessor
// exposed over REST.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/config"
	"github.com/shardbouncer/shardbouncer/internal/health"
	"github.com/shardbouncer/shardbouncer/internal/metrics"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/txn"
)

// ClusterHandle is the per-cluster state the API surface reports on and
// acts against. main.go builds one per configured cluster alongside the
// session.Runtime that serves the same cluster's traffic.
type ClusterHandle struct {
	Name    string
	Cluster *cluster.Cluster
	Pools   *pool.Manager
	Txn     *txn.Coordinator
}

// Server is the REST API and metrics server.
type Server struct {
	clusters    map[string]*ClusterHandle
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server over the given clusters.
func NewServer(clusters map[string]*ClusterHandle, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		clusters:    clusters,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/clusters", s.listClusters).Methods("GET")
	r.HandleFunc("/clusters/{name}", s.getCluster).Methods("GET")
	r.HandleFunc("/clusters/{name}/shards", s.shardStatus).Methods("GET")
	r.HandleFunc("/clusters/{name}/pools", s.poolStatus).Methods("GET")
	r.HandleFunc("/clusters/{name}/pause", s.pauseCluster).Methods("POST")
	r.HandleFunc("/clusters/{name}/resume", s.resumeCluster).Methods("POST")
	r.HandleFunc("/clusters/{name}/reconnect", s.reconnectCluster).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Admin dashboard (must be registered last — catch-all for "/" and "/dashboard").
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.AdminBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type clusterSummary struct {
	Name        string `json:"name"`
	Shards      int    `json:"shards"`
	Paused      bool   `json:"paused"`
	InDoubt     int    `json:"in_doubt_transactions"`
	TwoPCMode   string `json:"two_phase_commit_mode"`
}

func (s *Server) sortedClusterNames() []string {
	names := make([]string, 0, len(s.clusters))
	for name := range s.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func twoPCModeString(m txn.Mode) string {
	switch m {
	case txn.ModeAlways:
		return "always"
	case txn.ModeOff:
		return "off"
	default:
		return "auto"
	}
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	var out []clusterSummary
	for _, name := range s.sortedClusterNames() {
		ch := s.clusters[name]
		out = append(out, clusterSummary{
			Name:      ch.Name,
			Shards:    ch.Cluster.ShardCount(),
			Paused:    ch.Cluster.IsPaused(),
			InDoubt:   ch.Txn.InDoubtCount(),
			TwoPCMode: twoPCModeString(ch.Txn.Mode()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ch, ok := s.clusters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	writeJSON(w, http.StatusOK, clusterSummary{
		Name:      ch.Name,
		Shards:    ch.Cluster.ShardCount(),
		Paused:    ch.Cluster.IsPaused(),
		InDoubt:   ch.Txn.InDoubtCount(),
		TwoPCMode: twoPCModeString(ch.Txn.Mode()),
	})
}

func (s *Server) shardStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ch, ok := s.clusters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	writeJSON(w, http.StatusOK, ch.Cluster.Snapshot())
}

func (s *Server) poolStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ch, ok := s.clusters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	var out []pool.Stats
	for _, st := range ch.Pools.All() {
		if st.Key.Cluster == name {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) pauseCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ch, ok := s.clusters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	ch.Cluster.Pause()
	slog.Info("cluster paused via admin API", "cluster", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "cluster": name})
}

func (s *Server) resumeCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ch, ok := s.clusters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	ch.Cluster.Resume()
	slog.Info("cluster resumed via admin API", "cluster", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "cluster": name})
}

func (s *Server) reconnectCluster(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ch, ok := s.clusters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	ch.Pools.CloseCluster(name)
	if s.metrics != nil {
		s.metrics.RemoveCluster(name)
	}
	slog.Info("cluster pools force-reconnected via admin API", "cluster", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnected", "cluster": name})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"status": boolToStatus(allHealthy)})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if len(s.clusters) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if s.healthCheck.OverallHealthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_clusters":   len(s.clusters),
		"listen": map[string]int{
			"port":       s.listenCfg.Port,
			"admin_port": s.listenCfg.AdminPort,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
