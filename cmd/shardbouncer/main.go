package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/shardbouncer/shardbouncer/internal/api"
	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/config"
	"github.com/shardbouncer/shardbouncer/internal/health"
	"github.com/shardbouncer/shardbouncer/internal/metrics"
	"github.com/shardbouncer/shardbouncer/internal/session"
)

const defaultHealthFailureThreshold = 3

// clusterRegistry resolves a client's startup "database" parameter to
// the cluster runtime and stored credentials that serve it, built once
// at startup from the clusters and users configuration documents. RELOAD
// replaces the users index and pushes new topology into the existing
// runtimes; it does not rebuild the runtimes.
type clusterRegistry struct {
	runtimes map[string]*session.Runtime
	users    map[string]map[string]config.UserConfig // cluster -> user -> creds
}

func (r *clusterRegistry) Runtime(cluster string) (*session.Runtime, bool) {
	rt, ok := r.runtimes[cluster]
	return rt, ok
}

func (r *clusterRegistry) User(cluster, user string) (config.UserConfig, bool) {
	m, ok := r.users[cluster]
	if !ok {
		return config.UserConfig{}, false
	}
	uc, ok := m[user]
	return uc, ok
}

// usersByCluster indexes the users document by the database each user
// is allowed to connect to, so lookups at authentication time don't
// scan the whole document.
func usersByCluster(uc *config.UsersConfig) map[string]map[string]config.UserConfig {
	out := make(map[string]map[string]config.UserConfig)
	for name, u := range uc.Users {
		m, ok := out[u.Database]
		if !ok {
			m = make(map[string]config.UserConfig)
			out[u.Database] = m
		}
		m[name] = u
	}
	return out
}

func main() {
	configPath := flag.String("config", "configs/shardbouncer.yaml", "path to cluster/pool configuration file")
	usersPath := flag.String("users", "configs/users.yaml", "path to user credentials file")
	flag.Parse()

	slog.Info("shardbouncer starting")

	cfg, err := config.LoadClusters(*configPath)
	if err != nil {
		slog.Error("failed to load cluster config", "err", err)
		os.Exit(1)
	}
	usersCfg, err := config.LoadUsers(*usersPath)
	if err != nil {
		slog.Error("failed to load users config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "clusters", len(cfg.Clusters), "users", len(usersCfg.Users))

	m := metrics.New()
	hc := health.NewChecker(cfg.Defaults.HealthCheckInterval, defaultHealthFailureThreshold, cfg.Defaults.ConnectTimeout)

	reg := &clusterRegistry{
		runtimes: make(map[string]*session.Runtime),
		users:    usersByCluster(usersCfg),
	}
	handles := make(map[string]*api.ClusterHandle)

	if err := buildClusters(cfg, reg, handles, hc); err != nil {
		slog.Error("failed to build clusters", "err", err)
		os.Exit(1)
	}

	hc.Start()

	apiServer := api.NewServer(handles, hc, m, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.AdminPort); err != nil {
		slog.Error("failed to start admin API", "err", err)
		os.Exit(1)
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Listen.Port)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		slog.Error("failed to listen for client connections", "addr", listenAddr, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reloadFn := func() error {
		return reloadConfig(*configPath, *usersPath, reg)
	}
	go acceptLoop(ctx, ln, reg, reloadFn)

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		applyReload(newCfg, reg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("shardbouncer ready", "client_port", cfg.Listen.Port, "admin_port", cfg.Listen.AdminPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	ln.Close()
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()
	for name, rt := range reg.runtimes {
		rt.Pools.CloseAll()
		if err := rt.Txn.Close(); err != nil {
			slog.Warn("error closing 2pc coordinator", "cluster", name, "err", err)
		}
	}

	slog.Info("shardbouncer stopped")
}

// buildClusters constructs a cluster.Cluster, session.Runtime and
// api.ClusterHandle for every cluster in cfg, and registers each
// cluster's topology with the health checker.
func buildClusters(cfg *config.Config, reg *clusterRegistry, handles map[string]*api.ClusterHandle, hc *health.Checker) error {
	for name, clCfg := range cfg.Clusters {
		cl := cluster.New(name, clCfg)

		credsFor := func(user string) (config.UserConfig, bool) {
			return reg.User(name, user)
		}
		rt, err := session.NewClusterRuntime(name, cl, cfg.Defaults, cfg.TwoPC, credsFor)
		if err != nil {
			return fmt.Errorf("building runtime for cluster %q: %w", name, err)
		}
		reg.runtimes[name] = rt
		handles[name] = &api.ClusterHandle{Name: name, Cluster: cl, Pools: rt.Pools, Txn: rt.Txn}
		hc.Watch(name, cl)
	}
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, reg *clusterRegistry, reloadFn func() error) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("accept failed", "err", err)
				continue
			}
		}
		go func() {
			sess := session.New(nc, reg)
			sess.SetReloader(reloadFn)
			if err := sess.Run(ctx); err != nil {
				slog.Debug("session ended", "err", err)
			}
		}()
	}
}

// reloadConfig re-reads both configuration documents from disk and
// applies them, backing the in-band RELOAD admin verb.
func reloadConfig(configPath, usersPath string, reg *clusterRegistry) error {
	cfg, err := config.LoadClusters(configPath)
	if err != nil {
		return fmt.Errorf("reloading cluster config: %w", err)
	}
	usersCfg, err := config.LoadUsers(usersPath)
	if err != nil {
		return fmt.Errorf("reloading users config: %w", err)
	}
	reg.users = usersByCluster(usersCfg)
	applyReload(cfg, reg)
	return nil
}

// applyReload pushes new topology into every cluster that still exists
// in the reloaded config and updates pool defaults. Clusters added or
// removed entirely require a restart: the runtime/pool/2PC wiring a new
// cluster needs isn't something a hot reload can safely construct while
// sessions are in flight against the old set.
func applyReload(newCfg *config.Config, reg *clusterRegistry) {
	for name, rt := range reg.runtimes {
		clCfg, ok := newCfg.Clusters[name]
		if !ok {
			slog.Warn("cluster removed from config but still running; restart to drop it", "cluster", name)
			continue
		}
		rt.Cluster.Reload(clCfg)
		rt.Pools.UpdateDefaults(rt.Cluster.Defaults(newCfg.Defaults))
	}
	slog.Info("configuration reloaded")
}
