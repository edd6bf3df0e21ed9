// Package session drives one client connection's life cycle: startup
// and authentication, then the simple and extended query sub-protocols,
// dispatching each statement through the router and executor and
// keeping the connection's open transaction's shard participants and
// prepared statements straight until the client disconnects.
package session

import (
	"context"
	"fmt"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/config"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/router"
	"github.com/shardbouncer/shardbouncer/internal/txn"
)

// Runtime bundles the per-cluster wiring a session needs: topology,
// routing, pooling and the 2PC coordinator. One Runtime is built per
// configured cluster and shared by every session that connects to it.
type Runtime struct {
	Name    string
	Cluster *cluster.Cluster
	Router  *router.Router
	Pools   *pool.Manager
	Txn     *txn.Coordinator
}

// NewClusterRuntime builds a Runtime for one configured cluster.
// credsFor resolves the client's username to its stored credentials;
// every pooled backend connection authenticates as that same user with
// the stored password (an empty password for a passwordless user).
func NewClusterRuntime(name string, cl *cluster.Cluster, defaults config.PoolDefaults, twopc config.TwoPCConfig, credsFor func(user string) (config.UserConfig, bool)) (*Runtime, error) {
	coord, err := txn.NewCoordinator(txn.ParseMode(twopc.Mode), twopc.RecoveryLogPath, twopc.PrepareTimeout)
	if err != nil {
		return nil, fmt.Errorf("starting 2pc coordinator for cluster %s: %w", name, err)
	}

	r := router.New(cl)
	mgr := pool.NewManager(defaults, func(ctx context.Context, key pool.Key) (*backend.Conn, error) {
		uc, ok := credsFor(key.User)
		if !ok {
			return nil, fmt.Errorf("no stored credentials for user %q", key.User)
		}
		var host cluster.Host
		var err error
		if key.Role == "replica" {
			host, err = cl.ReadHost(key.Shard)
		} else {
			host, err = cl.WriteHost(key.Shard)
		}
		if err != nil {
			return nil, err
		}
		creds := backend.Credentials{User: key.User, Database: uc.Database}
		password := ""
		if uc.Password != nil {
			password = *uc.Password
		}
		return backend.Dial(ctx, host.Addr, creds, backend.AuthWithPassword(password))
	})

	return &Runtime{Name: name, Cluster: cl, Router: r, Pools: mgr, Txn: coord}, nil
}
