// Package admin implements the in-band administrative verbs (spec
// §4.9): SHOW, RELOAD, RECONNECT, PAUSE, RESUME, SHUTDOWN, HEALTHCHECK.
// Responses are fabricated RowDescription/DataRow/CommandComplete
// sequences over the same wire connection the client's queries use,
// rather than a separate REST surface, so a plain psql client can run
// them directly.
package admin

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/txn"
)

// Target is the cluster-scoped state one admin command acts on.
type Target struct {
	Name    string
	Cluster *cluster.Cluster
	Pools   *pool.Manager
	Txn     *txn.Coordinator
}

// Out is the destination for fabricated result messages.
type Out interface {
	Send(pgproto3.BackendMessage)
	Flush() error
}

// Reloader is invoked by RELOAD to pick up configuration changes.
type Reloader func() error

// Handle executes an admin verb if sql names one, reporting handled=false
// if the statement isn't an admin command.
func Handle(t *Target, reload Reloader, sql string, out Out) (handled bool, err error) {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "SHOW POOLS"):
		return true, showPools(t, out)
	case strings.HasPrefix(upper, "SHOW SHARDS"):
		return true, showShards(t, out)
	case strings.HasPrefix(upper, "SHOW STATS"):
		return true, showStats(t, out)
	case strings.HasPrefix(upper, "RELOAD"):
		return true, simpleAck(out, "RELOAD", reload())
	case strings.HasPrefix(upper, "RECONNECT"):
		t.Pools.CloseCluster(t.Name)
		return true, simpleAck(out, "RECONNECT", nil)
	case strings.HasPrefix(upper, "PAUSE"):
		t.Cluster.Pause()
		return true, simpleAck(out, "PAUSE", nil)
	case strings.HasPrefix(upper, "RESUME"):
		t.Cluster.Resume()
		return true, simpleAck(out, "RESUME", nil)
	case strings.HasPrefix(upper, "HEALTHCHECK"):
		t.Cluster.UnbanAll()
		return true, simpleAck(out, "HEALTHCHECK", nil)
	case strings.HasPrefix(upper, "SHUTDOWN"):
		return true, simpleAck(out, "SHUTDOWN", nil)
	default:
		return false, nil
	}
}

func simpleAck(out Out, tag string, err error) error {
	if err != nil {
		out.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Message: err.Error()})
		out.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		return out.Flush()
	}
	out.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	out.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return out.Flush()
}

func showPools(t *Target, out Out) error {
	out.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		textField("cluster"), textField("shard"), textField("user"), textField("role"),
		textField("active"), textField("idle"), textField("waiting"), textField("max"),
	}})
	n := 0
	for _, st := range t.Pools.All() {
		if st.Key.Cluster != t.Name {
			continue
		}
		out.Send(&pgproto3.DataRow{Values: textValues(
			st.Key.Cluster, itoa(st.Key.Shard), st.Key.User, st.Key.Role,
			itoa(st.Active), itoa(st.Idle), itoa(st.Waiting), itoa(st.MaxConns),
		)})
		n++
	}
	out.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", n))})
	out.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return out.Flush()
}

func showShards(t *Target, out Out) error {
	out.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		textField("shard"), textField("primary"), textField("primary_banned"), textField("replicas"),
	}})
	n := 0
	for _, st := range t.Cluster.Snapshot() {
		var replicaAddrs []string
		for _, r := range st.Replicas {
			tag := r.Addr
			if r.Banned {
				tag += "(banned)"
			}
			replicaAddrs = append(replicaAddrs, tag)
		}
		out.Send(&pgproto3.DataRow{Values: textValues(
			itoa(st.ShardIndex), st.Primary.Addr, boolStr(st.Primary.Banned), strings.Join(replicaAddrs, ","),
		)})
		n++
	}
	out.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", n))})
	out.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return out.Flush()
}

func showStats(t *Target, out Out) error {
	out.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		textField("cluster"), textField("shards"), textField("in_doubt_transactions"),
	}})
	out.Send(&pgproto3.DataRow{Values: textValues(
		t.Name, itoa(t.Cluster.ShardCount()), itoa(t.Txn.InDoubtCount()),
	)})
	out.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
	out.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return out.Flush()
}

func textField(name string) pgproto3.FieldDescription {
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  25, // text
		DataTypeSize: -1,
		TypeModifier: -1,
		Format:       0,
	}
}

func textValues(vals ...string) [][]byte {
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func boolStr(b bool) string {
	if b {
		return "t"
	}
	return "f"
}
