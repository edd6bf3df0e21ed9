package exec

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/config"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/router"
)

// recordingOut collects every message Run sends, for assertions.
type recordingOut struct {
	messages []pgproto3.BackendMessage
}

func (o *recordingOut) Send(m pgproto3.BackendMessage) { o.messages = append(o.messages, m) }
func (o *recordingOut) Flush() error                   { return nil }

func (o *recordingOut) dataRows() [][][]byte {
	var rows [][][]byte
	for _, m := range o.messages {
		if dr, ok := m.(*pgproto3.DataRow); ok {
			rows = append(rows, dr.Values)
		}
	}
	return rows
}

func (o *recordingOut) commandTag() string {
	for _, m := range o.messages {
		if cc, ok := m.(*pgproto3.CommandComplete); ok {
			return string(cc.CommandTag)
		}
	}
	return ""
}

// fakeDataServer accepts one connection, authenticates trivially, and
// replies to every simple Query with a fixed (id, name) row set.
func fakeDataServer(t *testing.T, rows [][2]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		defer ln.Close()

		be := pgproto3.NewBackend(pgproto3.NewChunkReader(nc), nc)
		if _, err := be.ReceiveStartupMessage(); err != nil {
			return
		}
		be.Send(&pgproto3.AuthenticationOk{})
		be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		if err := be.Flush(); err != nil {
			return
		}

		for {
			msg, err := be.Receive()
			if err != nil {
				return
			}
			if _, ok := msg.(*pgproto3.Query); !ok {
				continue
			}
			be.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
				{Name: []byte("id"), DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1},
				{Name: []byte("name"), DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1},
			}})
			for _, r := range rows {
				be.Send(&pgproto3.DataRow{Values: [][]byte{[]byte(r[0]), []byte(r[1])}})
			}
			be.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", len(rows)))})
			be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := be.Flush(); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func newTestCluster(t *testing.T, addrs ...string) *cluster.Cluster {
	t.Helper()
	shards := make([]config.ShardConfig, len(addrs))
	for i, addr := range addrs {
		host, port := splitHostPort(t, addr)
		shards[i] = config.ShardConfig{Primary: config.HostConfig{Host: host, Port: port}}
	}
	return cluster.New("orders", config.ClusterConfig{Shards: shards})
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		t.Fatal(err)
	}
	return host, port
}

func newTestPools(t *testing.T, cl *cluster.Cluster) *pool.Manager {
	t.Helper()
	return pool.NewManager(config.PoolDefaults{PoolMode: "transaction", MaxConnections: 5, CheckoutTimeout: time.Second},
		func(ctx context.Context, key pool.Key) (*backend.Conn, error) {
			host, err := cl.WriteHost(key.Shard)
			if err != nil {
				return nil, err
			}
			return backend.Dial(ctx, host.Addr, backend.Credentials{User: key.User, Database: "orders"}, backend.AuthWithPassword(""))
		})
}

func TestRunSingleShardStreamsRows(t *testing.T) {
	addr := fakeDataServer(t, [][2]string{{"1", "alice"}, {"2", "bob"}})
	cl := newTestCluster(t, addr)
	pm := newTestPools(t, cl)

	req := &Request{
		SQL:      "SELECT * FROM customers",
		Decision: router.Decision{Scope: router.ScopeShard, Shards: []int{0}},
		User:     "app",
		Role:     "primary",
		Cluster:  cl,
		Pools:    pm,
		Sticky:   map[int]*backend.Conn{},
	}
	out := &recordingOut{}
	fresh, err := Run(context.Background(), req, out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fresh) != 1 {
		t.Errorf("expected one freshly checked out connection, got %d", len(fresh))
	}
	rows := out.dataRows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if out.commandTag() != "SELECT 2" {
		t.Errorf("unexpected command tag: %s", out.commandTag())
	}
}

func TestRunManualOverrideRoutesToNamedShard(t *testing.T) {
	addr0 := fakeDataServer(t, [][2]string{{"1", "shard0"}})
	addr1 := fakeDataServer(t, [][2]string{{"2", "shard1"}})
	cl := newTestCluster(t, addr0, addr1)
	pm := newTestPools(t, cl)

	req := &Request{
		SQL:      "SELECT * FROM customers",
		Decision: router.Decision{Scope: router.ScopeManual, ManualHint: 1},
		User:     "app",
		Role:     "primary",
		Cluster:  cl,
		Pools:    pm,
		Sticky:   map[int]*backend.Conn{},
	}
	out := &recordingOut{}
	if _, err := Run(context.Background(), req, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := out.dataRows()
	if len(rows) != 1 || string(rows[0][1]) != "shard1" {
		t.Errorf("expected the row from shard 1, got %+v", rows)
	}
}

func TestRunFanOutConcatenatesWithoutOrderBy(t *testing.T) {
	addr0 := fakeDataServer(t, [][2]string{{"1", "a"}})
	addr1 := fakeDataServer(t, [][2]string{{"2", "b"}})
	cl := newTestCluster(t, addr0, addr1)
	pm := newTestPools(t, cl)

	req := &Request{
		SQL:           "SELECT * FROM countries",
		Decision:      router.Decision{Scope: router.ScopeAll},
		User:          "app",
		Role:          "primary",
		Cluster:       cl,
		Pools:         pm,
		Sticky:        map[int]*backend.Conn{},
		OrderByColumn: -1,
		Limit:         -1,
	}
	out := &recordingOut{}
	if _, err := Run(context.Background(), req, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := out.dataRows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 merged rows, got %d", len(rows))
	}
	if out.commandTag() != "SELECT 2" {
		t.Errorf("unexpected command tag: %s", out.commandTag())
	}
}

func TestRunFanOutKWayMergeOrdersByColumn(t *testing.T) {
	addr0 := fakeDataServer(t, [][2]string{{"3", "c"}, {"5", "e"}})
	addr1 := fakeDataServer(t, [][2]string{{"1", "a"}, {"4", "d"}})
	cl := newTestCluster(t, addr0, addr1)
	pm := newTestPools(t, cl)

	req := &Request{
		SQL:           "SELECT * FROM countries ORDER BY id",
		Decision:      router.Decision{Scope: router.ScopeAll},
		User:          "app",
		Role:          "primary",
		Cluster:       cl,
		Pools:         pm,
		Sticky:        map[int]*backend.Conn{},
		OrderByColumn: 0,
		Limit:         -1,
	}
	out := &recordingOut{}
	if _, err := Run(context.Background(), req, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := out.dataRows()
	if len(rows) != 4 {
		t.Fatalf("expected 4 merged rows, got %d", len(rows))
	}
	want := []string{"1", "3", "4", "5"}
	for i, w := range want {
		if string(rows[i][0]) != w {
			t.Errorf("row %d: expected id %s, got %s", i, w, rows[i][0])
		}
	}
}

func TestRunFanOutRespectsLimit(t *testing.T) {
	addr0 := fakeDataServer(t, [][2]string{{"3", "c"}, {"5", "e"}})
	addr1 := fakeDataServer(t, [][2]string{{"1", "a"}, {"4", "d"}})
	cl := newTestCluster(t, addr0, addr1)
	pm := newTestPools(t, cl)

	req := &Request{
		SQL:           "SELECT * FROM countries ORDER BY id LIMIT 2",
		Decision:      router.Decision{Scope: router.ScopeAll},
		User:          "app",
		Role:          "primary",
		Cluster:       cl,
		Pools:         pm,
		Sticky:        map[int]*backend.Conn{},
		OrderByColumn: 0,
		Limit:         2,
	}
	out := &recordingOut{}
	if _, err := Run(context.Background(), req, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := out.dataRows()
	if len(rows) != 2 || string(rows[0][0]) != "1" || string(rows[1][0]) != "3" {
		t.Errorf("unexpected limited/merged rows: %+v", rows)
	}
}

func TestRunReusesStickyConnection(t *testing.T) {
	addr := fakeDataServer(t, [][2]string{{"1", "alice"}})
	cl := newTestCluster(t, addr)
	pm := newTestPools(t, cl)

	conn, err := backend.Dial(context.Background(), addr, backend.Credentials{User: "app", Database: "orders"}, backend.AuthWithPassword(""))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := &Request{
		SQL:      "SELECT * FROM customers",
		Decision: router.Decision{Scope: router.ScopeShard, Shards: []int{0}},
		User:     "app",
		Role:     "primary",
		Cluster:  cl,
		Pools:    pm,
		Sticky:   map[int]*backend.Conn{0: conn},
	}
	out := &recordingOut{}
	fresh, err := Run(context.Background(), req, out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("expected no freshly checked out connections when sticky already present, got %d", len(fresh))
	}
}
