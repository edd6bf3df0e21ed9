package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/router"
)

// handleParse caches the statement text under its name. No backend is
// touched yet: routing needs the bound parameter values, which don't
// exist until Bind.
func (s *Session) handleParse(m *pgproto3.Parse) error {
	s.stmts[m.Name] = preparedStmt{sql: m.Query}
	s.be.Send(&pgproto3.ParseComplete{})
	return s.be.Flush()
}

// handleBind resolves which shard a portal targets, lazily prepares the
// statement on that shard's connection if it isn't already cached there,
// and binds the real parameters. A cross-shard statement over the
// extended protocol can't be fanned out and merged the way a simple
// Query can, so it conservatively pins to whichever shard the session's
// open transaction already touches, or shard 0 for a fresh portal.
func (s *Session) handleBind(ctx context.Context, m *pgproto3.Bind) error {
	stmt, ok := s.stmts[m.PreparedStatement]
	if !ok && m.PreparedStatement != "" {
		return s.sendErrorReady(fmt.Errorf("unknown prepared statement %q", m.PreparedStatement))
	}

	decision, err := s.rt.Router.Route(stmt.sql)
	if err != nil {
		return s.sendErrorReady(err)
	}

	shardIdx := 0
	switch decision.Scope {
	case router.ScopeManual:
		shardIdx = decision.ManualHint
	case router.ScopeShard:
		if len(decision.Shards) == 1 {
			shardIdx = decision.Shards[0]
		} else {
			shardIdx = s.rt.Router.NextWriteShardRoundRobin()
		}
	default:
		if len(s.openShards) > 0 {
			for idx := range s.openShards {
				shardIdx = idx
				break
			}
		}
	}

	role := "primary"
	if decision.Intent == router.IntentRead && !s.inTxn {
		role = "replica"
	}

	conn, isFresh, err := s.checkoutShard(ctx, shardIdx, role)
	if err != nil {
		return s.sendErrorReady(err)
	}

	fe := conn.Frontend()
	if err := ensurePrepared(conn, m.PreparedStatement, stmt.sql); err != nil {
		if isFresh {
			conn.Close()
		}
		return s.sendErrorReady(fmt.Errorf("shard %d: %w", shardIdx, err))
	}
	fe.Send(&pgproto3.Bind{
		DestinationPortal:    m.DestinationPortal,
		PreparedStatement:    m.PreparedStatement,
		ParameterFormatCodes: m.ParameterFormatCodes,
		Parameters:           m.Parameters,
		ResultFormatCodes:    m.ResultFormatCodes,
	})
	fe.Send(&pgproto3.Flush{})
	if err := fe.Flush(); err != nil {
		if isFresh {
			conn.Close()
		}
		return s.sendErrorReady(fmt.Errorf("shard %d: %w", shardIdx, err))
	}

	msg, err := fe.Receive()
	if err != nil {
		return s.sendErrorReady(fmt.Errorf("shard %d: %w", shardIdx, err))
	}
	if errResp, ok := msg.(*pgproto3.ErrorResponse); ok {
		return s.sendErrorReady(fmt.Errorf("shard %d: %s", shardIdx, errResp.Message))
	}

	s.portals[m.DestinationPortal] = portal{
		stmtName: m.PreparedStatement,
		shardIdx: shardIdx,
		conn:     conn,
		role:     role,
		fresh:    isFresh,
	}
	if _, pinned := s.openShards[shardIdx]; !pinned {
		s.openShards[shardIdx] = conn
		s.shardRoles[shardIdx] = role
	}

	s.be.Send(&pgproto3.BindComplete{})
	return s.be.Flush()
}

// handleDescribe reports parameter or result shape for a statement or a
// bound portal, relaying the real server's description so type OIDs
// stay accurate.
func (s *Session) handleDescribe(ctx context.Context, m *pgproto3.Describe) error {
	switch m.ObjectType {
	case 'P':
		p, ok := s.portals[m.Name]
		if !ok {
			return s.sendErrorReady(fmt.Errorf("unknown portal %q", m.Name))
		}
		return s.relayDescribe(p.conn, m)
	case 'S':
		stmt, ok := s.stmts[m.Name]
		if !ok {
			return s.sendErrorReady(fmt.Errorf("unknown statement %q", m.Name))
		}
		shardIdx := 0
		for idx := range s.openShards {
			shardIdx = idx
			break
		}
		conn, _, err := s.checkoutShard(ctx, shardIdx, "primary")
		if err != nil {
			return s.sendErrorReady(err)
		}
		if err := ensurePrepared(conn, m.Name, stmt.sql); err != nil {
			return s.sendErrorReady(err)
		}
		return s.relayDescribe(conn, m)
	default:
		return fmt.Errorf("unknown describe target %q", m.ObjectType)
	}
}

func (s *Session) relayDescribe(conn *backend.Conn, m *pgproto3.Describe) error {
	fe := conn.Frontend()
	fe.Send(&pgproto3.Describe{ObjectType: m.ObjectType, Name: m.Name})
	fe.Send(&pgproto3.Flush{})
	if err := fe.Flush(); err != nil {
		return err
	}
	msg, err := fe.Receive()
	if err != nil {
		return err
	}
	s.be.Send(msg)
	return s.be.Flush()
}

// handleExecute runs a bound portal to completion (or until MaxRows
// suspends it) and streams rows straight through to the client.
func (s *Session) handleExecute(ctx context.Context, m *pgproto3.Execute) error {
	p, ok := s.portals[m.Portal]
	if !ok {
		return s.sendErrorReady(fmt.Errorf("unknown portal %q", m.Portal))
	}

	fe := p.conn.Frontend()
	fe.Send(&pgproto3.Execute{Portal: m.Portal, MaxRows: m.MaxRows})
	fe.Send(&pgproto3.Flush{})
	if err := fe.Flush(); err != nil {
		return err
	}

	for {
		msg, err := fe.Receive()
		if err != nil {
			return fmt.Errorf("shard %d: %w", p.shardIdx, err)
		}
		s.be.Send(msg)
		switch msg.(type) {
		case *pgproto3.CommandComplete, *pgproto3.EmptyQueryResponse, *pgproto3.PortalSuspended, *pgproto3.ErrorResponse:
			if _, ok := msg.(*pgproto3.CommandComplete); ok {
				s.dirty = true
			}
			return s.be.Flush()
		}
	}
}

// handleClose frees a statement or portal. A portal's server-side
// resources are freed on the real connection immediately; a statement
// is only forgotten client-side, since the backend connection may keep
// it prepared for reuse by a later portal under the same name.
func (s *Session) handleClose(m *pgproto3.Close) error {
	switch m.ObjectType {
	case 'P':
		if p, ok := s.portals[m.Name]; ok {
			fe := p.conn.Frontend()
			fe.Send(&pgproto3.Close{ObjectType: 'P', Name: m.Name})
			fe.Send(&pgproto3.Flush{})
			if err := fe.Flush(); err == nil {
				fe.Receive()
			}
			delete(s.portals, m.Name)
		}
	case 'S':
		delete(s.stmts, m.Name)
	}
	s.be.Send(&pgproto3.CloseComplete{})
	return s.be.Flush()
}

// handleSync ends the current extended-query round trip. Outside an
// open transaction, any connection a portal newly checked out is
// returned to its pool now; portals don't survive past their Sync.
func (s *Session) handleSync(ctx context.Context) error {
	s.be.Send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus()})
	if err := s.be.Flush(); err != nil {
		return err
	}
	if s.inTxn {
		return nil
	}

	fresh := map[int]*backend.Conn{}
	for name, p := range s.portals {
		if p.fresh {
			fresh[p.shardIdx] = p.conn
		}
		delete(s.portals, name)
	}
	s.returnAllFresh(ctx, fresh)
	return nil
}

// handleCopyMessage relays COPY sub-protocol traffic to whichever shard
// connection the session currently has open. COPY is inherently
// single-destination, so no fan-out applies.
func (s *Session) handleCopyMessage(msg pgproto3.FrontendMessage) error {
	if len(s.openShards) != 1 {
		return fmt.Errorf("COPY requires exactly one active shard connection, have %d", len(s.openShards))
	}
	var conn *backend.Conn
	for _, c := range s.openShards {
		conn = c
	}
	fe := conn.Frontend()
	fe.Send(msg)
	return fe.Flush()
}

// ensurePrepared makes sure name refers to sql on conn's physical
// connection before a Bind or Describe(Statement) relies on it. An
// unnamed statement is always re-parsed: per protocol it's implicitly
// destroyed by the next Parse/Bind. A named statement already bound to
// different SQL on this connection (left over from another session
// that used the same pooled connection) must be closed first, or the
// real server rejects the re-Parse with "prepared statement already
// exists".
func ensurePrepared(conn *backend.Conn, name, sql string) error {
	if name == "" {
		return doParse(conn, name, sql)
	}
	cached, exists := conn.PreparedSQL(name)
	if exists && cached == sql {
		return nil
	}
	if exists {
		if err := doClose(conn, name); err != nil {
			return err
		}
	}
	return doParse(conn, name, sql)
}

func doParse(conn *backend.Conn, name, sql string) error {
	fe := conn.Frontend()
	fe.Send(&pgproto3.Parse{Name: name, Query: sql})
	fe.Send(&pgproto3.Flush{})
	if err := fe.Flush(); err != nil {
		return err
	}
	msg, err := fe.Receive()
	if err != nil {
		return err
	}
	if errResp, ok := msg.(*pgproto3.ErrorResponse); ok {
		return fmt.Errorf("%s", errResp.Message)
	}
	conn.RecordPrepared(name, sql)
	return nil
}

func doClose(conn *backend.Conn, name string) error {
	fe := conn.Frontend()
	fe.Send(&pgproto3.Close{ObjectType: 'S', Name: name})
	fe.Send(&pgproto3.Flush{})
	if err := fe.Flush(); err != nil {
		return err
	}
	if _, err := fe.Receive(); err != nil {
		return err
	}
	conn.ForgetPrepared(name)
	return nil
}

// checkoutShard resolves the connection for a shard, reusing a sticky
// connection already open for the session's transaction if present.
func (s *Session) checkoutShard(ctx context.Context, shardIdx int, role string) (*backend.Conn, bool, error) {
	if conn, ok := s.openShards[shardIdx]; ok {
		return conn, false, nil
	}
	key := pool.Key{Cluster: s.cluster, Shard: shardIdx, User: s.user, Role: role}
	p := s.rt.Pools.Get(key)
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("checkout shard %d: %w", shardIdx, err)
	}
	return conn, true, nil
}

func (s *Session) sendErrorReady(err error) error {
	s.be.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Message: err.Error()})
	s.be.Send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus()})
	return s.be.Flush()
}
