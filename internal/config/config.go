// Package config loads the two configuration documents shardbouncer needs:
// a cluster/pool topology document and a users document, following the
// same YAML-plus-env-substitution convention the rest of the corpus uses.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ListenConfig defines the ports and bind addresses shardbouncer listens on.
type ListenConfig struct {
	Port      int    `yaml:"port"`
	AdminPort int    `yaml:"admin_port"`
	AdminBind string `yaml:"admin_bind"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolDefaults defines default pool settings applied when a user or cluster
// doesn't override them.
type PoolDefaults struct {
	PoolMode            string        `yaml:"pool_mode"` // "transaction" or "session"
	MinConnections      int           `yaml:"min_connections"`
	MaxConnections      int           `yaml:"max_connections"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxLifetime         time.Duration `yaml:"max_lifetime"`
	CheckoutTimeout     time.Duration `yaml:"checkout_timeout"`
	QueryTimeout        time.Duration `yaml:"query_timeout"`
	BanTimeout          time.Duration `yaml:"ban_timeout"`
	RollbackTimeout     time.Duration `yaml:"rollback_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// TwoPCConfig controls the two-phase commit coordinator.
type TwoPCConfig struct {
	// Mode is "off", "auto" (engage on first cross-shard write) or "always".
	Mode              string        `yaml:"mode"`
	RecoveryLogPath   string        `yaml:"recovery_log_path"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval"`
	PrepareTimeout    time.Duration `yaml:"prepare_timeout"`
	CommitRetryPeriod time.Duration `yaml:"commit_retry_period"`
}

// HostConfig is a single PostgreSQL endpoint.
type HostConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns "host:port".
func (h HostConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// ShardConfig is one shard's primary and replica endpoints.
type ShardConfig struct {
	Primary  HostConfig   `yaml:"primary"`
	Replicas []HostConfig `yaml:"replicas"`
}

// ClusterConfig is a logical sharded database: N shards, a read/write
// split policy and a load-balancing strategy for replica reads.
type ClusterConfig struct {
	Database string        `yaml:"database"`
	Shards   []ShardConfig `yaml:"shards"`

	// ReadWriteSplit is "include_primary" or "exclude_primary".
	ReadWriteSplit string `yaml:"read_write_split"`
	// LoadBalance is "random" or "round_robin".
	LoadBalance string `yaml:"load_balance"`
	// LSNStalenessBound excludes a replica from read routing once its
	// last recorded replay-LSN update (cluster.UpdateReplicaLSN) is older
	// than this bound. A replica with no recorded update is not excluded,
	// and the LSN value itself is not compared with the primary's.
	LSNStalenessBound time.Duration `yaml:"lsn_staleness_bound"`
	// ShardedTables names tables whose rows are partitioned by their
	// sharding key column; all other tables are "omni" tables fanned
	// out to every shard.
	ShardedTables map[string]string `yaml:"sharded_tables"` // table -> sharding key column

	MinConnections  *int           `yaml:"min_connections,omitempty"`
	MaxConnections  *int           `yaml:"max_connections,omitempty"`
	IdleTimeout     *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime     *time.Duration `yaml:"max_lifetime,omitempty"`
	CheckoutTimeout *time.Duration `yaml:"checkout_timeout,omitempty"`
}

// ShardCount returns the number of shards in the cluster.
func (c ClusterConfig) ShardCount() int {
	return len(c.Shards)
}

// EffectiveMinConnections returns the cluster's min connections or the default.
func (c ClusterConfig) EffectiveMinConnections(d PoolDefaults) int {
	if c.MinConnections != nil {
		return *c.MinConnections
	}
	return d.MinConnections
}

// EffectiveMaxConnections returns the cluster's max connections or the default.
func (c ClusterConfig) EffectiveMaxConnections(d PoolDefaults) int {
	if c.MaxConnections != nil {
		return *c.MaxConnections
	}
	return d.MaxConnections
}

// EffectiveIdleTimeout returns the cluster's idle timeout or the default.
func (c ClusterConfig) EffectiveIdleTimeout(d PoolDefaults) time.Duration {
	if c.IdleTimeout != nil {
		return *c.IdleTimeout
	}
	return d.IdleTimeout
}

// EffectiveMaxLifetime returns the cluster's max lifetime or the default.
func (c ClusterConfig) EffectiveMaxLifetime(d PoolDefaults) time.Duration {
	if c.MaxLifetime != nil {
		return *c.MaxLifetime
	}
	return d.MaxLifetime
}

// EffectiveCheckoutTimeout returns the cluster's checkout timeout or the default.
func (c ClusterConfig) EffectiveCheckoutTimeout(d PoolDefaults) time.Duration {
	if c.CheckoutTimeout != nil {
		return *c.CheckoutTimeout
	}
	return d.CheckoutTimeout
}

// Config is the top-level cluster/pool definition document.
type Config struct {
	Listen   ListenConfig             `yaml:"listen"`
	Defaults PoolDefaults             `yaml:"defaults"`
	TwoPC    TwoPCConfig              `yaml:"two_phase_commit"`
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

// UserConfig holds per-user credentials and overrides. A nil Password
// marks a passwordless user that can only authenticate via passthrough.
type UserConfig struct {
	Database       string            `yaml:"database"`
	Password       *string           `yaml:"password,omitempty"`
	SessionParams  map[string]string `yaml:"session_parameters,omitempty"`
	MaxConnections *int              `yaml:"max_connections,omitempty"`
}

// IsPasswordless reports whether the user has no stored password, meaning
// the pool it draws from must run in passthrough-auth mode.
func (u UserConfig) IsPasswordless() bool {
	return u.Password == nil
}

// UsersConfig is the per-user credentials document.
type UsersConfig struct {
	Users map[string]UserConfig `yaml:"users"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// LoadClusters reads and parses the cluster/pool YAML document.
func LoadClusters(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cluster config: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing cluster config: %w", err)
	}

	if err := validateClusters(cfg); err != nil {
		return nil, fmt.Errorf("validating cluster config: %w", err)
	}
	applyClusterDefaults(cfg)
	return cfg, nil
}

// LoadUsers reads and parses the users YAML document.
func LoadUsers(path string) (*UsersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users config: %w", err)
	}
	data = substituteEnvVars(data)

	uc := &UsersConfig{}
	if err := yaml.Unmarshal(data, uc); err != nil {
		return nil, fmt.Errorf("parsing users config: %w", err)
	}
	return uc, nil
}

func applyClusterDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6432
	}
	if cfg.Listen.AdminPort == 0 {
		cfg.Listen.AdminPort = 8080
	}
	if cfg.Listen.AdminBind == "" {
		cfg.Listen.AdminBind = "127.0.0.1"
	}
	if cfg.Defaults.PoolMode == "" {
		cfg.Defaults.PoolMode = "transaction"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 1
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.ConnectTimeout == 0 {
		cfg.Defaults.ConnectTimeout = 5 * time.Second
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.CheckoutTimeout == 0 {
		cfg.Defaults.CheckoutTimeout = 10 * time.Second
	}
	if cfg.Defaults.BanTimeout == 0 {
		cfg.Defaults.BanTimeout = 60 * time.Second
	}
	if cfg.Defaults.RollbackTimeout == 0 {
		cfg.Defaults.RollbackTimeout = 5 * time.Second
	}
	if cfg.Defaults.HealthCheckInterval == 0 {
		cfg.Defaults.HealthCheckInterval = 10 * time.Second
	}
	if cfg.TwoPC.Mode == "" {
		cfg.TwoPC.Mode = "auto"
	}
	if cfg.TwoPC.RecoveryLogPath == "" {
		cfg.TwoPC.RecoveryLogPath = "shardbouncer_2pc.log"
	}
	if cfg.TwoPC.RecoveryInterval == 0 {
		cfg.TwoPC.RecoveryInterval = 30 * time.Second
	}
	if cfg.TwoPC.PrepareTimeout == 0 {
		cfg.TwoPC.PrepareTimeout = 10 * time.Second
	}
	if cfg.TwoPC.CommitRetryPeriod == 0 {
		cfg.TwoPC.CommitRetryPeriod = 5 * time.Second
	}

	for name, cl := range cfg.Clusters {
		if cl.ReadWriteSplit == "" {
			cl.ReadWriteSplit = "exclude_primary"
		}
		if cl.LoadBalance == "" {
			cl.LoadBalance = "round_robin"
		}
		if cl.LSNStalenessBound == 0 {
			cl.LSNStalenessBound = 1 * time.Second
		}
		cfg.Clusters[name] = cl
	}
}

// Watcher watches the cluster config file for changes and calls back
// with the newly loaded config, debouncing rapid successive writes
// (editors often emit several in a row for one save).
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path for changes.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := LoadClusters(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "path", cw.path, "err", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop closes the underlying file watcher.
func (cw *Watcher) Stop() {
	close(cw.stopCh)
	cw.watcher.Close()
}

func validateClusters(cfg *Config) error {
	for name, cl := range cfg.Clusters {
		if len(cl.Shards) == 0 {
			return fmt.Errorf("cluster %q: must have at least one shard", name)
		}
		for i, sh := range cl.Shards {
			if sh.Primary.Host == "" {
				return fmt.Errorf("cluster %q shard %d: primary host is required", name, i)
			}
			if sh.Primary.Port == 0 {
				return fmt.Errorf("cluster %q shard %d: primary port is required", name, i)
			}
		}
		if cl.ReadWriteSplit != "" && cl.ReadWriteSplit != "include_primary" && cl.ReadWriteSplit != "exclude_primary" {
			return fmt.Errorf("cluster %q: read_write_split must be include_primary or exclude_primary", name)
		}
		if cl.LoadBalance != "" && cl.LoadBalance != "random" && cl.LoadBalance != "round_robin" {
			return fmt.Errorf("cluster %q: load_balance must be random or round_robin", name)
		}
	}
	return nil
}
