package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/config"
	"github.com/shardbouncer/shardbouncer/internal/wire"
)

// Registry resolves a client's startup "database" parameter to the
// cluster runtime and user credentials that serve it.
type Registry interface {
	Runtime(cluster string) (*Runtime, bool)
	User(cluster, user string) (config.UserConfig, bool)
}

// Session represents one client connection for its entire lifetime.
type Session struct {
	nc      net.Conn
	be      *pgproto3.Backend
	reg     Registry
	rt      *Runtime
	user    string
	cluster string
	params  map[string]string

	pid    int32
	secret int32

	// openShards holds the backend connections checked out for the
	// transaction currently in progress, keyed by shard index, so a
	// multi-statement transaction keeps talking to the same servers
	// until COMMIT/ROLLBACK (spec: transaction-sticky routing).
	openShards map[int]*backend.Conn
	shardRoles map[int]string // role ("primary"/"replica") each openShards entry was dialed for
	inTxn      bool
	dirty      bool // session state changed (SET, prepared stmt) since last reset

	stmts   map[string]preparedStmt
	portals map[string]portal

	reloadFn func() error
}

type preparedStmt struct {
	sql string
}

// portal carries the routing decision computed at Bind time. Re-binding
// the same statement name with different parameters creates a new
// Portal value with its own decision; the decision is never shared
// back onto the prepared statement.
type portal struct {
	stmtName string
	shardIdx int
	conn     *backend.Conn
	role     string
	fresh    bool // connection was newly checked out for this portal, not inherited from an open transaction
}

// New creates a Session for a freshly accepted connection.
func New(nc net.Conn, reg Registry) *Session {
	return &Session{
		nc:         nc,
		be:         pgproto3.NewBackend(pgproto3.NewChunkReader(nc), nc),
		reg:        reg,
		openShards: make(map[int]*backend.Conn),
		shardRoles: make(map[int]string),
		stmts:      make(map[string]preparedStmt),
		portals:    make(map[string]portal),
	}
}

// Run drives the session to completion: startup, auth, then the query loop.
func (s *Session) Run(ctx context.Context) error {
	defer s.closeAllShards()

	if err := s.handleStartup(); err != nil {
		return err
	}
	if err := s.authenticate(); err != nil {
		wire.WriteMessages(s.nc, wire.FatalError(pgerrcode.InvalidAuthorizationSpecification, err.Error()))
		return err
	}
	if err := s.sendReady(); err != nil {
		return err
	}

	for {
		msg, err := s.be.Receive()
		if err != nil {
			return fmt.Errorf("reading frontend message: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.Terminate:
			return nil
		case *pgproto3.Query:
			if err := s.handleSimpleQuery(ctx, m.String); err != nil {
				slog.Warn("query failed", "user", s.user, "cluster", s.cluster, "err", err)
			}
		case *pgproto3.Parse:
			if err := s.handleParse(m); err != nil {
				slog.Warn("parse failed", "user", s.user, "err", err)
			}
		case *pgproto3.Bind:
			if err := s.handleBind(ctx, m); err != nil {
				slog.Warn("bind failed", "user", s.user, "err", err)
			}
		case *pgproto3.Describe:
			if err := s.handleDescribe(ctx, m); err != nil {
				slog.Warn("describe failed", "user", s.user, "err", err)
			}
		case *pgproto3.Execute:
			if err := s.handleExecute(ctx, m); err != nil {
				slog.Warn("execute failed", "user", s.user, "err", err)
			}
		case *pgproto3.Close:
			if err := s.handleClose(m); err != nil {
				slog.Warn("close failed", "user", s.user, "err", err)
			}
		case *pgproto3.Sync:
			if err := s.handleSync(ctx); err != nil {
				slog.Warn("sync failed", "user", s.user, "err", err)
			}
		case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
			if err := s.handleCopyMessage(msg); err != nil {
				slog.Warn("copy failed", "user", s.user, "err", err)
			}
		default:
			slog.Debug("unhandled frontend message", "type", fmt.Sprintf("%T", m))
		}
	}
}

func (s *Session) handleStartup() error {
	req, err := wire.ReadStartup(s.nc)
	if err != nil {
		return err
	}
	for req.SSLRequested || req.GSSEncRequested {
		if err := wire.WriteSSLResponse(s.nc, false); err != nil {
			return err
		}
		req, err = wire.ReadStartup(s.nc)
		if err != nil {
			return err
		}
	}
	if req.Cancel != nil {
		return fmt.Errorf("cancel requests are not supported")
	}

	s.params = req.Params
	s.user = req.Params["user"]
	s.cluster = req.Params["database"]
	if s.user == "" || s.cluster == "" {
		return fmt.Errorf("startup message missing user or database")
	}

	rt, ok := s.reg.Runtime(s.cluster)
	if !ok {
		return fmt.Errorf("unknown database %q", s.cluster)
	}
	s.rt = rt
	return nil
}

func (s *Session) authenticate() error {
	uc, ok := s.reg.User(s.cluster, s.user)
	if !ok {
		return fmt.Errorf("unknown user %q for database %q", s.user, s.cluster)
	}

	if uc.IsPasswordless() {
		return s.authenticatePassthrough()
	}
	return s.authenticateMD5(*uc.Password)
}

// authenticateMD5 challenges the client directly: shardbouncer owns
// this user's password and can verify the hash itself.
func (s *Session) authenticateMD5(password string) error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	s.be.Send(&pgproto3.AuthenticationMD5Password{Salt: salt})
	if err := s.be.Flush(); err != nil {
		return err
	}
	msg, err := s.be.Receive()
	if err != nil {
		return fmt.Errorf("reading password response: %w", err)
	}
	pwMsg, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected PasswordMessage, got %T", msg)
	}

	expected := md5PasswordHash(s.user, password, salt)
	if pwMsg.Password != expected {
		return fmt.Errorf("password authentication failed for user %q", s.user)
	}
	s.be.Send(&pgproto3.AuthenticationOk{})
	return s.be.Flush()
}

// authenticatePassthrough relays the real server's own challenge to the
// client and the client's response back to the server, so shardbouncer
// never needs to know this user's password (spec: passwordless users).
func (s *Session) authenticatePassthrough() error {
	hosts, err := s.rt.Cluster.AllWriteHosts()
	if err != nil || len(hosts) == 0 {
		return fmt.Errorf("no reachable host to relay authentication: %w", err)
	}
	addr := hosts[0].Addr

	var clientChallengeRelayed bool
	authFn := backend.AuthPassthrough(func(challenge pgproto3.BackendMessage) ([]byte, error) {
		if !clientChallengeRelayed {
			s.be.Send(challenge)
			if err := s.be.Flush(); err != nil {
				return nil, err
			}
			clientChallengeRelayed = true
		} else {
			if cont, ok := challenge.(*pgproto3.AuthenticationSASLContinue); ok {
				s.be.Send(&pgproto3.AuthenticationSASLContinue{Data: cont.Data})
				if err := s.be.Flush(); err != nil {
					return nil, err
				}
			}
		}
		msg, err := s.be.Receive()
		if err != nil {
			return nil, err
		}
		pwMsg, ok := msg.(*pgproto3.PasswordMessage)
		if !ok {
			return nil, fmt.Errorf("expected client auth response, got %T", msg)
		}
		return []byte(pwMsg.Password), nil
	})

	conn, err := backend.Dial(context.Background(), addr, backend.Credentials{User: s.user, Database: s.cluster}, authFn)
	if err != nil {
		return fmt.Errorf("passthrough auth via %s: %w", addr, err)
	}
	s.openShards[0] = conn
	s.shardRoles[0] = "primary"
	s.be.Send(&pgproto3.AuthenticationOk{})
	return s.be.Flush()
}

func (s *Session) sendReady() error {
	pid, secret, err := randomBackendKey()
	if err != nil {
		return err
	}
	s.pid, s.secret = pid, secret

	msgs := []pgproto3.BackendMessage{
		&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0 (shardbouncer)"},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.BackendKeyData{ProcessID: uint32(s.pid), SecretKey: uint32(s.secret)},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
	return wire.WriteMessages(s.nc, msgs...)
}

func (s *Session) closeAllShards() {
	for idx, conn := range s.openShards {
		conn.Close()
		delete(s.openShards, idx)
		delete(s.shardRoles, idx)
	}
}

func randomBackendKey() (int32, int32, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return 0, 0, fmt.Errorf("generating backend key: %w", err)
	}
	pid := int32(buf[0])<<24 | int32(buf[1])<<16 | int32(buf[2])<<8 | int32(buf[3])
	secret := int32(buf[4])<<24 | int32(buf[5])<<16 | int32(buf[6])<<8 | int32(buf[7])
	return pid & 0x7fffffff, secret, nil
}

// isAdminVerb reports whether sql is one of the in-band admin commands
// handled entirely by internal/admin rather than routed to a shard.
func isAdminVerb(sql string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(sql))
	for _, verb := range []string{"SHOW POOLS", "SHOW SHARDS", "SHOW STATS", "RELOAD", "RECONNECT", "PAUSE", "RESUME", "SHUTDOWN", "HEALTHCHECK"} {
		if strings.HasPrefix(trimmed, verb) {
			return true
		}
	}
	return false
}
