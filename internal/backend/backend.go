// Package backend manages a single connection to a real PostgreSQL
// server: dialing, the startup/authentication exchange, and the small
// amount of session bookkeeping a pooled connection needs (reported
// parameters, prepared statements, idle/lifetime accounting).
package backend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// State is the lifecycle state of a pooled server connection.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosed
)

// Credentials describes how to authenticate to the real server.
type Credentials struct {
	User     string
	Password string // empty for passthrough/relay auth
	Database string
}

// Conn wraps one physical connection to a PostgreSQL server. It is the
// unit the connection pool hands out and takes back.
type Conn struct {
	mu  sync.Mutex
	nc  net.Conn
	fe  *pgproto3.Frontend
	creds Credentials
	addr  string

	state     State
	createdAt time.Time
	lastUsed  time.Time

	backendPID int32
	backendKey int32

	// reportedParams mirrors ParameterStatus messages sent by the
	// server during startup (server_version, TimeZone, etc).
	reportedParams map[string]string

	// preparedStmts maps a server-scoped statement name to the SQL text
	// it was prepared from, so the session layer can decide whether a
	// re-Parse under the same name is a no-op.
	preparedStmts map[string]string

	// ShardIndex and Role are available to record what this connection
	// was dialed for; Dial and the pool leave them at their zero values.
	ShardIndex int
	Role       string
}

// Dial opens a TCP connection to addr and performs the PostgreSQL
// startup exchange for the given credentials. authFn performs whatever
// authentication the server challenges for (MD5, SCRAM, passthrough);
// see internal/backend/auth.go.
func Dial(ctx context.Context, addr string, creds Credentials, authFn func(*Conn, *pgproto3.Frontend) error) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	fe := pgproto3.NewFrontend(pgproto3.NewChunkReader(nc), nc)
	c := &Conn{
		nc:             nc,
		fe:             fe,
		creds:          creds,
		addr:           addr,
		state:          StateIdle,
		createdAt:      time.Now(),
		lastUsed:       time.Now(),
		reportedParams: map[string]string{},
		preparedStmts:  map[string]string{},
	}

	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":     creds.User,
			"database": creds.Database,
		},
	}
	buf, err := startup.Encode(nil)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("encoding startup message: %w", err)
	}
	if _, err := nc.Write(buf); err != nil {
		nc.Close()
		return nil, fmt.Errorf("writing startup message: %w", err)
	}

	if err := authFn(c, fe); err != nil {
		nc.Close()
		return nil, fmt.Errorf("authenticating to %s: %w", addr, err)
	}

	if err := c.drainToReady(); err != nil {
		nc.Close()
		return nil, err
	}

	return c, nil
}

// drainToReady consumes ParameterStatus/BackendKeyData messages until
// ReadyForQuery, recording server parameters and the cancellation key.
func (c *Conn) drainToReady() error {
	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return fmt.Errorf("reading startup response: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.ParameterStatus:
			c.reportedParams[m.Name] = m.Value
		case *pgproto3.BackendKeyData:
			c.backendPID = int32(m.ProcessID)
			c.backendKey = int32(m.SecretKey)
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("backend error: %s", m.Message)
		case *pgproto3.NoticeResponse:
			// ignore
		default:
			return fmt.Errorf("unexpected message during startup: %T", m)
		}
	}
}

// Frontend returns the pgproto3.Frontend used to talk to the server.
func (c *Conn) Frontend() *pgproto3.Frontend { return c.fe }

// NetConn returns the underlying network connection.
func (c *Conn) NetConn() net.Conn { return c.nc }

// Addr returns the dialed address.
func (c *Conn) Addr() string { return c.addr }

// BackendKeyData returns the process ID and secret key the server
// assigned, used to build CancelRequests.
func (c *Conn) BackendKeyData() (pid, key int32) {
	return c.backendPID, c.backendKey
}

// ReportedParams returns the server's ParameterStatus values.
func (c *Conn) ReportedParams() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.reportedParams))
	for k, v := range c.reportedParams {
		out[k] = v
	}
	return out
}

// HasPrepared reports whether a statement name is already prepared on
// this connection with the given SQL text.
func (c *Conn) HasPrepared(name, sql string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preparedStmts[name] == sql
}

// PreparedSQL returns the SQL text currently bound to name on this
// connection, if any, so a caller can tell a fresh name apart from one
// that's stale (bound to different SQL and needing an explicit Close
// before it can be re-Parsed).
func (c *Conn) PreparedSQL(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sql, ok := c.preparedStmts[name]
	return sql, ok
}

// RecordPrepared notes that name now refers to sql on this connection.
func (c *Conn) RecordPrepared(name, sql string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preparedStmts[name] = sql
}

// ForgetPrepared removes a statement name (Close message, or DISCARD ALL).
func (c *Conn) ForgetPrepared(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.preparedStmts, name)
}

// ResetSession issues DISCARD ALL to return the connection to a clean
// session state before it re-enters the idle pool, the same reset the
// teacher issues between tenant checkouts.
func (c *Conn) ResetSession(ctx context.Context) error {
	c.fe.Send(&pgproto3.Query{String: "DISCARD ALL"})
	if err := c.fe.Flush(); err != nil {
		return fmt.Errorf("flushing DISCARD ALL: %w", err)
	}
	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return fmt.Errorf("reading DISCARD ALL response: %w", err)
		}
		switch msg.(type) {
		case *pgproto3.ReadyForQuery:
			c.mu.Lock()
			c.preparedStmts = map[string]string{}
			c.mu.Unlock()
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("DISCARD ALL failed: %v", msg)
		}
	}
}

// MarkActive flags the connection as checked out.
func (c *Conn) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateActive
	c.lastUsed = time.Now()
}

// MarkIdle flags the connection as returned to the pool.
func (c *Conn) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.lastUsed = time.Now()
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt returns when the connection was dialed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns when the connection was last checked out or returned.
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsExpired reports whether the connection has exceeded its max lifetime.
func (c *Conn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxLifetime
}

// IsIdleTooLong reports whether the connection has sat idle past idleTimeout.
func (c *Conn) IsIdleTooLong(idleTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return c.state == StateIdle && time.Since(c.lastUsed) > idleTimeout
}

// Ping performs a lightweight liveness check with a short deadline,
// mirroring the teacher's 1-byte-read probe; a timeout means alive.
func (c *Conn) Ping() error {
	c.nc.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	defer c.nc.SetReadDeadline(time.Time{})
	buf := make([]byte, 1)
	_, err := c.nc.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

// Close terminates the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.nc.Close()
}

// md5Password computes PostgreSQL's md5 password hash:
// "md5" + md5(md5(password+user)+salt).
func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}
