package session

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/config"
)

// fakeShardServer accepts one connection, performs a no-auth startup
// handshake and answers every simple query with a single-row result,
// enough to drive a session's query path end to end.
func fakeShardServer(t *testing.T) string {
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
			switch msg.(type) {
			case *pgproto3.Query:
				be.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
					{Name: []byte("one"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
				}})
				be.Send(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}})
				be.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
				be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
				if err := be.Flush(); err != nil {
					return
				}
			default:
				return
			}
		}
	}()

	return ln.Addr().String()
}

func newTestRegistry(t *testing.T, shardAddr, password string) *staticRegistry {
	t.Helper()
	host, portStr, err := net.SplitHostPort(shardAddr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	cl := cluster.New("orders", config.ClusterConfig{
		Shards: []config.ShardConfig{{Primary: config.HostConfig{Host: host, Port: port}}},
	})
	defaults := config.PoolDefaults{PoolMode: "transaction", MaxConnections: 5, CheckoutTimeout: time.Second}
	twopc := config.TwoPCConfig{Mode: "off", RecoveryLogPath: t.TempDir() + "/2pc.log", PrepareTimeout: time.Second}

	users := map[string]config.UserConfig{"app": {Database: "orders", Password: &password}}
	credsFor := func(user string) (config.UserConfig, bool) { uc, ok := users[user]; return uc, ok }

	rt, err := NewClusterRuntime("orders", cl, defaults, twopc, credsFor)
	if err != nil {
		t.Fatalf("new cluster runtime: %v", err)
	}
	t.Cleanup(func() { rt.Pools.CloseAll(); rt.Txn.Close() })

	return &staticRegistry{
		runtimes: map[string]*Runtime{"orders": rt},
		users:    map[string]map[string]config.UserConfig{"orders": users},
	}
}

type staticRegistry struct {
	runtimes map[string]*Runtime
	users    map[string]map[string]config.UserConfig
}

func (r *staticRegistry) Runtime(cluster string) (*Runtime, bool) {
	rt, ok := r.runtimes[cluster]
	return rt, ok
}

func (r *staticRegistry) User(cluster, user string) (config.UserConfig, bool) {
	m, ok := r.users[cluster]
	if !ok {
		return config.UserConfig{}, false
	}
	uc, ok := m[user]
	return uc, ok
}

// testClient drives the frontend side of the wire protocol over one end
// of a net.Pipe connection.
type testClient struct {
	t    *testing.T
	conn net.Conn
	fe   *pgproto3.Frontend
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	return &testClient{t: t, conn: conn, fe: pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)}
}

func (c *testClient) sendStartup(user, database string) {
	c.t.Helper()
	msg, err := (&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": user, "database": database},
	}).Encode(nil)
	if err != nil {
		c.t.Fatalf("encode startup: %v", err)
	}
	if _, err := c.conn.Write(msg); err != nil {
		c.t.Fatalf("write startup: %v", err)
	}
}

func (c *testClient) receive() pgproto3.BackendMessage {
	c.t.Helper()
	msg, err := c.fe.Receive()
	if err != nil {
		c.t.Fatalf("receive: %v", err)
	}
	return msg
}

func (c *testClient) send(msg pgproto3.FrontendMessage) {
	c.t.Helper()
	c.fe.Send(msg)
	if err := c.fe.Flush(); err != nil {
		c.t.Fatalf("flush: %v", err)
	}
}

func TestSessionMD5AuthenticationAndSimpleQuery(t *testing.T) {
	shardAddr := fakeShardServer(t)
	reg := newTestRegistry(t, shardAddr, "secret")

	serverConn, clientConn := net.Pipe()
	sess := New(serverConn, reg)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	client := newTestClient(t, clientConn)
	client.sendStartup("app", "orders")

	authReq, ok := client.receive().(*pgproto3.AuthenticationMD5Password)
	if !ok {
		t.Fatalf("expected AuthenticationMD5Password, got %T", authReq)
	}
	hash := md5PasswordHash("app", "secret", authReq.Salt)
	client.send(&pgproto3.PasswordMessage{Password: hash})

	if _, ok := client.receive().(*pgproto3.AuthenticationOk); !ok {
		t.Fatal("expected AuthenticationOk")
	}
	// two ParameterStatus messages, then BackendKeyData, then ReadyForQuery
	client.receive()
	client.receive()
	if _, ok := client.receive().(*pgproto3.BackendKeyData); !ok {
		t.Fatal("expected BackendKeyData")
	}
	if _, ok := client.receive().(*pgproto3.ReadyForQuery); !ok {
		t.Fatal("expected ReadyForQuery after startup")
	}

	client.send(&pgproto3.Query{String: "SELECT 1"})
	sawRow := false
	for {
		msg := client.receive()
		if _, ok := msg.(*pgproto3.DataRow); ok {
			sawRow = true
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}
	if !sawRow {
		t.Error("expected at least one data row from the query")
	}

	client.send(&pgproto3.Terminate{})
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestSessionRejectsUnknownUser(t *testing.T) {
	shardAddr := fakeShardServer(t)
	reg := newTestRegistry(t, shardAddr, "secret")

	serverConn, clientConn := net.Pipe()
	sess := New(serverConn, reg)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	client := newTestClient(t, clientConn)
	client.sendStartup("ghost", "orders")

	msg := client.receive()
	if _, ok := msg.(*pgproto3.ErrorResponse); !ok {
		t.Fatalf("expected ErrorResponse for unknown user, got %T", msg)
	}
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestSessionSetReloaderWiresReloadVerb(t *testing.T) {
	shardAddr := fakeShardServer(t)
	reg := newTestRegistry(t, shardAddr, "secret")

	serverConn, clientConn := net.Pipe()
	sess := New(serverConn, reg)
	called := make(chan struct{}, 1)
	sess.SetReloader(func() error { called <- struct{}{}; return nil })

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	client := newTestClient(t, clientConn)
	client.sendStartup("app", "orders")

	authReq := client.receive().(*pgproto3.AuthenticationMD5Password)
	client.send(&pgproto3.PasswordMessage{Password: md5PasswordHash("app", "secret", authReq.Salt)})
	client.receive() // AuthenticationOk
	client.receive() // ParameterStatus
	client.receive() // ParameterStatus
	client.receive() // BackendKeyData
	client.receive() // ReadyForQuery

	client.send(&pgproto3.Query{String: "RELOAD"})
	for {
		msg := client.receive()
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reload callback to be invoked")
	}

	client.send(&pgproto3.Terminate{})
	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}
