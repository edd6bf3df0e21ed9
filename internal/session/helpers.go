package session

import (
	"context"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/pool"
)

// mergeFresh adopts newly checked-out connections into the session's
// sticky set, remembering which role (primary/replica) each was dialed
// for so it can be returned to the matching pool later. Once a
// transaction is open every shard connection it touches stays pinned
// until COMMIT/ROLLBACK (spec: portal-bound / transaction-bound shard
// pinning).
func (s *Session) mergeFresh(fresh map[int]*backend.Conn, role string) {
	for idx, conn := range fresh {
		if _, exists := s.openShards[idx]; !exists {
			s.openShards[idx] = conn
			s.shardRoles[idx] = role
		}
	}
}

// returnAllFresh returns every connection in the given set back to its
// pool, resetting session state first if the session was marked dirty.
func (s *Session) returnAllFresh(ctx context.Context, conns map[int]*backend.Conn) {
	for idx, conn := range conns {
		role := s.shardRoles[idx]
		if role == "" {
			role = "primary"
		}
		key := pool.Key{Cluster: s.cluster, Shard: idx, User: s.user, Role: role}
		p := s.rt.Pools.Get(key)
		p.Return(ctx, conn, s.dirty)
		delete(s.openShards, idx)
		delete(s.shardRoles, idx)
	}
	s.dirty = false
}
