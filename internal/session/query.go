package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/admin"
	"github.com/shardbouncer/shardbouncer/internal/backend"
	"github.com/shardbouncer/shardbouncer/internal/exec"
	"github.com/shardbouncer/shardbouncer/internal/router"
	"github.com/shardbouncer/shardbouncer/internal/txn"
)

func (s *Session) handleSimpleQuery(ctx context.Context, sql string) error {
	if isAdminVerb(sql) {
		target := &admin.Target{Name: s.cluster, Cluster: s.rt.Cluster, Pools: s.rt.Pools, Txn: s.rt.Txn}
		handled, err := admin.Handle(target, s.reload, sql, s.be)
		if handled {
			return err
		}
	}

	decision, err := s.rt.Router.Route(sql)
	if err != nil {
		return s.sendQueryError(err)
	}
	if decision.IsControl {
		return s.handleControlStatement(sql)
	}

	role := "primary"
	if decision.Intent == router.IntentRead && !s.inTxn {
		role = "replica"
	}
	if decision.Scope == router.ScopeShard && len(decision.Shards) == 0 {
		decision.Shards = []int{s.rt.Router.NextWriteShardRoundRobin()}
	}

	req := &exec.Request{
		SQL:           sql,
		Decision:      decision,
		User:          s.user,
		Role:          role,
		Cluster:       s.rt.Cluster,
		Pools:         s.rt.Pools,
		Sticky:        s.openShards,
		OrderByColumn: -1,
		Limit:         -1,
	}

	fresh, err := exec.Run(ctx, req, s.be)
	s.mergeFresh(fresh, role)
	if err != nil {
		return s.sendQueryError(err)
	}
	if !s.inTxn {
		s.returnAllFresh(ctx, fresh)
	}
	return nil
}

// reload is a no-op placeholder satisfying admin.Reloader; the process
// entrypoint installs the real config-reload callback via SetReloader.
func (s *Session) reload() error {
	if s.reloadFn != nil {
		return s.reloadFn()
	}
	return nil
}

// SetReloader installs the callback RELOAD invokes.
func (s *Session) SetReloader(fn func() error) {
	s.reloadFn = fn
}

// handleControlStatement handles BEGIN/COMMIT/ROLLBACK/SET/SHOW locally:
// BEGIN opens a sticky transaction (subsequent statements reuse the same
// shard connections); COMMIT runs 2PC when more than one shard
// participated and the 2PC mode isn't off, otherwise a plain COMMIT on
// each participating shard; ROLLBACK sends a plain ROLLBACK to each
// participating shard. Both return every connection to its pool
// afterward.
func (s *Session) handleControlStatement(sql string) error {
	switch upperTrim(sql) {
	case "BEGIN", "START TRANSACTION":
		s.inTxn = true
		s.be.Send(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")})
		s.be.Send(&pgproto3.ReadyForQuery{TxStatus: 'T'})
		return s.be.Flush()
	case "COMMIT":
		return s.finishTxn(true)
	case "ROLLBACK":
		return s.finishTxn(false)
	default:
		// SET/SHOW and anything else the router treats as control:
		// acknowledged locally with a SET tag. The statement is not sent
		// to any shard, and the parameter value is neither recorded nor
		// applied to shard connections.
		s.dirty = true
		s.be.Send(&pgproto3.CommandComplete{CommandTag: []byte("SET")})
		s.be.Send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus()})
		return s.be.Flush()
	}
}

func (s *Session) finishTxn(commit bool) error {
	s.inTxn = false
	if len(s.openShards) == 0 {
		s.be.Send(&pgproto3.CommandComplete{CommandTag: []byte(commitTag(commit))})
		s.be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		return s.be.Flush()
	}

	if commit && len(s.openShards) > 1 && s.rt.Txn.Mode() != txn.ModeOff {
		gid, err := txn.GID()
		if err != nil {
			return s.sendQueryError(err)
		}
		if err := s.rt.Txn.Commit(context.Background(), gid, s.participants()); err != nil {
			return s.sendQueryError(err)
		}
	} else {
		tag := "COMMIT"
		if !commit {
			tag = "ROLLBACK"
		}
		for shardIdx, conn := range s.openShards {
			if err := sendAndDrain(conn, tag); err != nil {
				return s.sendQueryError(fmt.Errorf("shard %d: %w", shardIdx, err))
			}
		}
	}

	s.returnAllFresh(context.Background(), s.openShards)
	s.openShards = make(map[int]*backend.Conn)
	s.be.Send(&pgproto3.CommandComplete{CommandTag: []byte(commitTag(commit))})
	s.be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return s.be.Flush()
}

func (s *Session) participants() []txn.Participant {
	out := make([]txn.Participant, 0, len(s.openShards))
	for idx, conn := range s.openShards {
		out = append(out, txn.Participant{ShardIndex: idx, Conn: conn})
	}
	return out
}

func (s *Session) sendQueryError(err error) error {
	s.be.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Message: err.Error()})
	s.be.Send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus()})
	return s.be.Flush()
}

func (s *Session) txStatus() byte {
	if s.inTxn {
		return 'T'
	}
	return 'I'
}

func commitTag(commit bool) string {
	if commit {
		return "COMMIT"
	}
	return "ROLLBACK"
}

func upperTrim(sql string) string {
	return strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";")))
}

func sendAndDrain(conn *backend.Conn, sql string) error {
	fe := conn.Frontend()
	fe.Send(&pgproto3.Query{String: sql})
	if err := fe.Flush(); err != nil {
		return err
	}
	for {
		msg, err := fe.Receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("backend error: %s", m.Message)
		}
	}
}
