package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// fakeServer accepts one connection, performs the startup+cleartext-auth
// handshake and then answers every simple Query with ReadyForQuery,
// enough surface for Dial/ResetSession to exercise against.
func fakeServer(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done = make(chan struct{})

	go func() {
		defer close(done)
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

		be.Send(&pgproto3.AuthenticationCleartextPassword{})
		be.Flush()
		if _, err := be.Receive(); err != nil { // PasswordMessage
			return
		}

		be.Send(&pgproto3.AuthenticationOk{})
		be.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"})
		be.Send(&pgproto3.BackendKeyData{ProcessID: 4242, SecretKey: 9999})
		be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		if err := be.Flush(); err != nil {
			return
		}

		for {
			msg, err := be.Receive()
			if err != nil {
				return
			}
			if _, ok := msg.(*pgproto3.Query); ok {
				be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
				if err := be.Flush(); err != nil {
					return
				}
			}
		}
	}()

	return ln.Addr().String(), done
}

func TestDialPerformsHandshake(t *testing.T) {
	addr, _ := fakeServer(t)

	conn, err := Dial(context.Background(), addr, Credentials{User: "app", Database: "orders"}, AuthWithPassword("secret"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if conn.Addr() != addr {
		t.Errorf("expected addr %s, got %s", addr, conn.Addr())
	}
	if v := conn.ReportedParams()["server_version"]; v != "16.0" {
		t.Errorf("expected reported server_version, got %q", v)
	}
	pid, key := conn.BackendKeyData()
	if pid != 4242 || key != 9999 {
		t.Errorf("unexpected backend key data: pid=%d key=%d", pid, key)
	}
}

func TestConnStateTransitions(t *testing.T) {
	addr, _ := fakeServer(t)
	conn, err := Dial(context.Background(), addr, Credentials{User: "app", Database: "orders"}, AuthWithPassword("secret"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateIdle {
		t.Fatalf("expected fresh connection to be idle")
	}
	conn.MarkActive()
	if conn.State() != StateActive {
		t.Error("expected active after MarkActive")
	}
	conn.MarkIdle()
	if conn.State() != StateIdle {
		t.Error("expected idle after MarkIdle")
	}
	conn.Close()
	if conn.State() != StateClosed {
		t.Error("expected closed after Close")
	}
}

func TestConnExpiryChecks(t *testing.T) {
	addr, _ := fakeServer(t)
	conn, err := Dial(context.Background(), addr, Credentials{User: "app", Database: "orders"}, AuthWithPassword("secret"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if conn.IsExpired(time.Hour) {
		t.Error("fresh connection should not be expired")
	}
	if conn.IsExpired(0) {
		t.Error("zero max lifetime disables expiry")
	}

	time.Sleep(5 * time.Millisecond)
	if !conn.IsIdleTooLong(time.Millisecond) {
		t.Error("expected idle-too-long after sleeping past idle timeout")
	}
	if conn.IsIdleTooLong(0) {
		t.Error("zero idle timeout disables the check")
	}
}

func TestPreparedStatementBookkeeping(t *testing.T) {
	addr, _ := fakeServer(t)
	conn, err := Dial(context.Background(), addr, Credentials{User: "app", Database: "orders"}, AuthWithPassword("secret"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.RecordPrepared("stmt1", "SELECT 1")
	if !conn.HasPrepared("stmt1", "SELECT 1") {
		t.Error("expected stmt1 to be recorded")
	}
	if conn.HasPrepared("stmt1", "SELECT 2") {
		t.Error("different SQL under the same name should not match")
	}
	conn.ForgetPrepared("stmt1")
	if _, ok := conn.PreparedSQL("stmt1"); ok {
		t.Error("expected stmt1 to be forgotten")
	}
}

func TestResetSessionClearsPreparedStatements(t *testing.T) {
	addr, _ := fakeServer(t)
	conn, err := Dial(context.Background(), addr, Credentials{User: "app", Database: "orders"}, AuthWithPassword("secret"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.RecordPrepared("stmt1", "SELECT 1")
	if err := conn.ResetSession(context.Background()); err != nil {
		t.Fatalf("reset session: %v", err)
	}
	if _, ok := conn.PreparedSQL("stmt1"); ok {
		t.Error("expected prepared statements cleared after reset")
	}
}
