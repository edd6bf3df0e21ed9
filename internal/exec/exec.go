// Package exec runs one statement against the shard(s) the router
// selected for it: a single round trip for a single-shard statement, or
// a fan-out/merge for a cross-shard one. Multi-shard checkout always
// proceeds in ascending shard-index order, the lock ordering that keeps
// two sessions racing to touch the same two shards from deadlocking
// against each other.
package exec

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/router"
)

// Request describes one statement ready to run.
type Request struct {
	SQL      string
	Decision router.Decision
	User     string
	Role     string // "primary" or "replica"

	Cluster *cluster.Cluster
	Pools   *pool.Manager

	// Sticky holds connections already checked out for the session's
	// open transaction, keyed by shard index. Run reuses these and
	// reports connections it newly checks out in its returned map; it
	// does not modify Sticky itself.
	Sticky map[int]*backend.Conn

	// OrderByColumn, if >= 0, is the zero-based result-column index this
	// statement's ORDER BY refers to, used for the cross-shard k-way
	// merge. -1 means "no merge ordering, concatenate in shard order".
	OrderByColumn int
	// Limit caps the number of rows returned after merge; <0 means no limit.
	Limit int
}

// Out is where result messages are streamed to.
type Out interface {
	Send(pgproto3.BackendMessage)
	Flush() error
}

// checkout resolves the connection for one shard, reusing a sticky
// connection from an open transaction if present.
func checkout(ctx context.Context, req *Request, shardIdx int) (*backend.Conn, bool, error) {
	if conn, ok := req.Sticky[shardIdx]; ok {
		return conn, false, nil
	}
	key := pool.Key{Cluster: req.Cluster.Name(), Shard: shardIdx, User: req.User, Role: req.Role}
	p := req.Pools.Get(key)
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("checkout shard %d: %w", shardIdx, err)
	}
	return conn, true, nil
}

// Run executes req and streams its results to out. fresh reports, per
// shard, whether the connection was newly checked out (so the caller
// knows whether to return it to the pool or keep it pinned to the
// session's transaction).
func Run(ctx context.Context, req *Request, out Out) (fresh map[int]*backend.Conn, err error) {
	switch req.Decision.Scope {
	case router.ScopeManual:
		return runSingleShard(ctx, req, req.Decision.ManualHint, out)
	case router.ScopeShard:
		if len(req.Decision.Shards) != 1 {
			return nil, fmt.Errorf("internal error: ScopeShard decision without exactly one shard")
		}
		return runSingleShard(ctx, req, req.Decision.Shards[0], out)
	default:
		return runFanOut(ctx, req, out)
	}
}

func runSingleShard(ctx context.Context, req *Request, shardIdx int, out Out) (map[int]*backend.Conn, error) {
	conn, isFresh, err := checkout(ctx, req, shardIdx)
	if err != nil {
		return nil, err
	}

	fe := conn.Frontend()
	fe.Send(&pgproto3.Query{String: req.SQL})
	if err := fe.Flush(); err != nil {
		return nil, fmt.Errorf("sending query to shard %d: %w", shardIdx, err)
	}

	for {
		msg, err := fe.Receive()
		if err != nil {
			return nil, fmt.Errorf("reading shard %d response: %w", shardIdx, err)
		}
		out.Send(msg)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}
	if err := out.Flush(); err != nil {
		return nil, err
	}

	fresh := map[int]*backend.Conn{}
	if isFresh {
		fresh[shardIdx] = conn
	}
	return fresh, nil
}

type shardResult struct {
	shardIdx int
	rows     []*pgproto3.DataRow
	desc     *pgproto3.RowDescription
	complete *pgproto3.CommandComplete
	errMsg   *pgproto3.ErrorResponse
}

// runFanOut checks out a connection for every shard named by the
// decision in ascending shard order, dispatches req.SQL to all of them
// concurrently, then merges results: sorted k-way merge when an ORDER
// BY column was identified, otherwise shard-ascending concatenation,
// truncated to req.Limit if set.
func runFanOut(ctx context.Context, req *Request, out Out) (map[int]*backend.Conn, error) {
	shards := req.Decision.Shards
	if req.Decision.Scope == router.ScopeAll || len(shards) == 0 {
		n := req.Cluster.ShardCount()
		shards = make([]int, n)
		for i := range shards {
			shards[i] = i
		}
	}
	sort.Ints(shards)

	fresh := map[int]*backend.Conn{}
	conns := make([]*backend.Conn, len(shards))
	for i, shardIdx := range shards {
		conn, isFresh, err := checkout(ctx, req, shardIdx)
		if err != nil {
			return fresh, err
		}
		if isFresh {
			fresh[shardIdx] = conn
		}
		conns[i] = conn
	}

	results := make([]shardResult, len(shards))
	var wg sync.WaitGroup
	errCh := make(chan error, len(shards))

	for i, shardIdx := range shards {
		wg.Add(1)
		go func(i, shardIdx int) {
			defer wg.Done()
			res, err := runOnShard(conns[i], shardIdx, req.SQL)
			if err != nil {
				errCh <- err
				return
			}
			results[i] = res
		}(i, shardIdx)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return fresh, err
		}
	}

	return fresh, mergeAndSend(results, req, out)
}

func runOnShard(conn *backend.Conn, shardIdx int, sql string) (shardResult, error) {
	fe := conn.Frontend()
	fe.Send(&pgproto3.Query{String: sql})
	if err := fe.Flush(); err != nil {
		return shardResult{}, fmt.Errorf("sending query to shard %d: %w", shardIdx, err)
	}

	res := shardResult{shardIdx: shardIdx}
	for {
		msg, err := fe.Receive()
		if err != nil {
			return shardResult{}, fmt.Errorf("reading shard %d response: %w", shardIdx, err)
		}
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			res.desc = m
		case *pgproto3.DataRow:
			cp := *m
			res.rows = append(res.rows, &cp)
		case *pgproto3.CommandComplete:
			res.complete = m
		case *pgproto3.ErrorResponse:
			res.errMsg = m
		case *pgproto3.ReadyForQuery:
			return res, nil
		}
	}
}

// rowHeap implements a min-heap over per-shard row cursors for the
// sorted k-way merge, ordered by the configured column as raw text
// (results are already in PostgreSQL's text wire format).
type rowHeapItem struct {
	shardPos int
	rowPos   int
}
type rowHeap struct {
	items  []rowHeapItem
	rows   [][]*pgproto3.DataRow
	column int
}

func (h rowHeap) Len() int { return len(h.items) }
func (h rowHeap) Less(i, j int) bool {
	a := h.rows[h.items[i].shardPos][h.items[i].rowPos]
	b := h.rows[h.items[j].shardPos][h.items[j].rowPos]
	return string(a.Values[h.column]) < string(b.Values[h.column])
}
func (h rowHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *rowHeap) Push(x any)   { h.items = append(h.items, x.(rowHeapItem)) }
func (h *rowHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

func mergeAndSend(results []shardResult, req *Request, out Out) error {
	for _, r := range results {
		if r.errMsg != nil {
			out.Send(r.errMsg)
			out.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			return out.Flush()
		}
	}

	var desc *pgproto3.RowDescription
	for _, r := range results {
		if r.desc != nil {
			desc = r.desc
			break
		}
	}
	if desc != nil {
		out.Send(desc)
	}

	var merged []*pgproto3.DataRow
	if req.OrderByColumn >= 0 && desc != nil {
		merged = kWayMerge(results, req.OrderByColumn)
	} else {
		for _, r := range results {
			merged = append(merged, r.rows...)
		}
	}
	if req.Limit >= 0 && len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	for _, row := range merged {
		out.Send(row)
	}

	tag := "SELECT"
	if len(results) > 0 && results[0].complete != nil {
		tag = string(results[0].complete.CommandTag)
		if sp := indexByte(tag, ' '); sp >= 0 {
			tag = tag[:sp]
		}
	}
	out.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("%s %d", tag, len(merged)))})
	out.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return out.Flush()
}

func kWayMerge(results []shardResult, column int) []*pgproto3.DataRow {
	rows := make([][]*pgproto3.DataRow, len(results))
	for i, r := range results {
		rows[i] = r.rows
	}
	h := &rowHeap{rows: rows, column: column}
	for i, rs := range rows {
		if len(rs) > 0 {
			heap.Push(h, rowHeapItem{shardPos: i, rowPos: 0})
		}
	}
	heap.Init(h)

	var merged []*pgproto3.DataRow
	for h.Len() > 0 {
		top := heap.Pop(h).(rowHeapItem)
		merged = append(merged, rows[top.shardPos][top.rowPos])
		if top.rowPos+1 < len(rows[top.shardPos]) {
			heap.Push(h, rowHeapItem{shardPos: top.shardPos, rowPos: top.rowPos + 1})
		}
	}
	return merged
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
