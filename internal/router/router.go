// Package router classifies incoming SQL statements and decides which
// shard(s) they must run against. Parsing is delegated entirely to
// pg_query_go, treated as an oracle: this package never hand-rolls SQL
// grammar, it only walks the resulting AST looking for the sharding
// key column and the statement's read/write intent.
package router

import (
	"fmt"
	"strings"
	"sync/atomic"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/shardbouncer/shardbouncer/internal/cluster"
)

// Scope describes which shard(s) a statement targets.
type Scope int

const (
	ScopeShard Scope = iota
	ScopeShardSet
	ScopeAll
	ScopeManual
)

// Intent describes whether a statement reads, writes, or can't be
// classified from syntax alone (e.g. a bare "SELECT now()" with no
// table, or a statement type this router doesn't understand).
type Intent int

const (
	IntentUnknown Intent = iota
	IntentRead
	IntentWrite
)

// Decision is the routing outcome for one statement.
type Decision struct {
	Scope      Scope
	Intent     Intent
	Shards     []int  // resolved shard indexes, for ScopeShard/ScopeShardSet
	Table      string // table name the decision was derived from, if any
	IsControl  bool   // BEGIN/COMMIT/ROLLBACK/SET/SHOW — never routed to data
	IsOmni     bool   // table is replicated to every shard (fan out + 2PC)
	ManualHint int    // shard index from a manual override pragma, if any

	shardKeyValue string // raw text of the sharding key literal, if found
}

// ErrUnroutable names the case of a statement that can't be assigned a
// shard. Route does not return it: unparseable SQL yields a wrapped parse
// error, and statements without a sharding key fan out.
var ErrUnroutable = fmt.Errorf("cannot route statement to a shard")

// Router classifies statements against one cluster's topology.
type Router struct {
	cl             *cluster.Cluster
	shardedTables  map[string]string // table -> sharding key column, lowercased
	rrWriteCounter uint64
}

// New creates a Router bound to a cluster's topology and sharded-table map.
func New(cl *cluster.Cluster) *Router {
	lowered := make(map[string]string, len(cl.ShardedTables()))
	for t, col := range cl.ShardedTables() {
		lowered[strings.ToLower(t)] = strings.ToLower(col)
	}
	return &Router{cl: cl, shardedTables: lowered}
}

// ManualOverride, when non-empty in a query comment pragma
// "-- shard: N", pins routing to that shard regardless of AST analysis.
// ParseManualOverride looks for that pragma in the raw SQL text.
func ParseManualOverride(sql string) (int, bool) {
	const pragma = "-- shard:"
	idx := strings.Index(sql, pragma)
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(sql[idx+len(pragma):])
	end := strings.IndexAny(rest, "\n\r ")
	if end >= 0 {
		rest = rest[:end]
	}
	var n int
	if _, err := fmt.Sscanf(rest, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Route classifies sql and resolves it to shard(s). The shard count used
// for hashing comes from the bound cluster; a manual override's shard
// index is returned as given, without a bounds check.
func (r *Router) Route(sql string) (Decision, error) {
	if manual, ok := ParseManualOverride(sql); ok {
		return Decision{Scope: ScopeManual, Intent: IntentUnknown, ManualHint: manual}, nil
	}

	result, err := pg_query.Parse(sql)
	if err != nil {
		return Decision{}, fmt.Errorf("parsing statement: %w", err)
	}
	if len(result.Stmts) == 0 {
		return Decision{Scope: ScopeAll, Intent: IntentUnknown, IsControl: true}, nil
	}

	// Multi-statement simple-query batches are routed as a unit: if any
	// statement is cross-shard the whole batch is, conservatively.
	var dec Decision
	dec.Scope = ScopeShard
	first := true
	for _, raw := range result.Stmts {
		d, err := classifyStmt(raw.Stmt, r.shardedTables)
		if err != nil {
			return Decision{}, err
		}
		if first {
			dec = d
			first = false
			continue
		}
		dec = mergeDecisions(dec, d)
	}

	if dec.IsControl {
		return dec, nil
	}

	if dec.Table != "" {
		if _, ok := r.shardedTables[strings.ToLower(dec.Table)]; !ok {
			// Omni table: every shard carries a copy.
			dec.IsOmni = true
			dec.Scope = ScopeAll
		}
	}

	switch dec.Scope {
	case ScopeAll:
		return dec, nil
	case ScopeShardSet:
		return dec, nil
	default:
		if dec.shardKeyValue == "" {
			// No equality predicate found on the sharding key: can't
			// narrow to one shard, must fan out to all and merge.
			dec.Scope = ScopeShardSet
			return dec, nil
		}
		idx := ShardIndex(dec.shardKeyValue, r.cl.ShardCount())
		dec.Shards = []int{idx}
		return dec, nil
	}
}

// NextWriteShardRoundRobin advances and returns a round-robin index for
// statements that must pick a shard but carry no sharding key at all
// (spec §4.5 round-robin write routing). The counter belongs to the
// Router and is shared by every session of the cluster; the choice is not
// remembered, so a later call inside the same transaction may return a
// different shard.
func (r *Router) NextWriteShardRoundRobin() int {
	n := atomic.AddUint64(&r.rrWriteCounter, 1) - 1
	count := r.cl.ShardCount()
	if count == 0 {
		return 0
	}
	return int(n) % count
}

func mergeDecisions(a, b Decision) Decision {
	if b.Intent == IntentWrite {
		a.Intent = IntentWrite
	} else if a.Intent == IntentUnknown {
		a.Intent = b.Intent
	}
	if b.IsControl {
		a.IsControl = true
	}
	if a.Table == "" {
		a.Table = b.Table
	}
	if a.shardKeyValue == "" {
		a.shardKeyValue = b.shardKeyValue
	} else if b.shardKeyValue != "" && a.shardKeyValue != b.shardKeyValue {
		// Conflicting sharding keys across statements in one batch: must
		// fan out rather than guess.
		a.Scope = ScopeShardSet
	}
	return a
}
