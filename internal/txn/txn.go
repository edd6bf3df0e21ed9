// Package txn coordinates two-phase commits across the shards touched
// by a single client transaction: PREPARE TRANSACTION on each
// participant, an fsynced recovery-log record, then COMMIT PREPARED (or
// ROLLBACK PREPARED on failure) everywhere. Coordinator.Recover resolves,
// from the log and pg_prepared_xacts, anything left in doubt by a crash
// between prepare and commit; it runs only when a caller invokes it, and
// cmd/shardbouncer does not.
package txn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/shardbouncer/shardbouncer/internal/backend"
)

// Mode controls when the coordinator engages.
type Mode int

const (
	ModeOff Mode = iota
	ModeAuto
	ModeAlways
)

func ParseMode(s string) Mode {
	switch s {
	case "always":
		return ModeAlways
	case "off":
		return ModeOff
	default:
		return ModeAuto
	}
}

// Participant is one shard connection enlisted in a distributed transaction.
type Participant struct {
	ShardIndex int
	Conn       *backend.Conn
}

// GID generates a globally unique two-phase-commit identifier.
func GID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating gid: %w", err)
	}
	return "shardbouncer_" + hex.EncodeToString(buf), nil
}

// Coordinator drives prepare/commit/rollback across participants and
// maintains the recovery log.
type Coordinator struct {
	mode           Mode
	log            *Log
	prepareTimeout time.Duration
	mu             sync.Mutex
	inDoubt        map[string][]int // gid -> shard indexes still unresolved
}

// NewCoordinator opens (or creates) the recovery log at logPath.
func NewCoordinator(mode Mode, logPath string, prepareTimeout time.Duration) (*Coordinator, error) {
	l, err := OpenLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("opening 2pc recovery log: %w", err)
	}
	return &Coordinator{
		mode:           mode,
		log:            l,
		prepareTimeout: prepareTimeout,
		inDoubt:        make(map[string][]int),
	}, nil
}

// Mode reports the coordinator's configured engagement mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// Close closes the recovery log file.
func (c *Coordinator) Close() error { return c.log.Close() }

// InDoubtCount reports how many transactions remain unresolved, for metrics.
func (c *Coordinator) InDoubtCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inDoubt)
}

// Commit runs the full two-phase protocol: PREPARE TRANSACTION on every
// participant, a durable log record, then COMMIT PREPARED everywhere.
// If any PREPARE fails, every successfully prepared participant is
// rolled back and the transaction fails atomically. If a COMMIT
// PREPARED fails after the log record is written, the gid is left
// in-doubt for Recover to finish later — the log record is what makes
// that safe: every participant either already has the prepared xact or
// will be told to commit it on recovery.
func (c *Coordinator) Commit(ctx context.Context, gid string, participants []Participant) error {
	prepared := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if err := execSimple(p.Conn, fmt.Sprintf("PREPARE TRANSACTION '%s'", gid)); err != nil {
			for _, pp := range prepared {
				_ = execSimple(pp.Conn, fmt.Sprintf("ROLLBACK PREPARED '%s'", gid))
			}
			return fmt.Errorf("preparing shard %d: %w", p.ShardIndex, err)
		}
		prepared = append(prepared, p)
	}

	shardIdxs := make([]int, len(participants))
	for i, p := range participants {
		shardIdxs[i] = p.ShardIndex
	}
	if err := c.log.Append(Record{GID: gid, Shards: shardIdxs, State: StatePrepared}); err != nil {
		for _, pp := range prepared {
			_ = execSimple(pp.Conn, fmt.Sprintf("ROLLBACK PREPARED '%s'", gid))
		}
		return fmt.Errorf("writing recovery log: %w", err)
	}

	c.mu.Lock()
	c.inDoubt[gid] = shardIdxs
	c.mu.Unlock()

	var firstErr error
	remaining := make([]int, 0, len(participants))
	for _, p := range participants {
		if err := execSimple(p.Conn, fmt.Sprintf("COMMIT PREPARED '%s'", gid)); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("committing shard %d: %w", p.ShardIndex, err)
			}
			remaining = append(remaining, p.ShardIndex)
			continue
		}
	}

	c.mu.Lock()
	if len(remaining) == 0 {
		delete(c.inDoubt, gid)
	} else {
		c.inDoubt[gid] = remaining
	}
	c.mu.Unlock()

	if len(remaining) == 0 {
		_ = c.log.Append(Record{GID: gid, Shards: shardIdxs, State: StateCommitted})
	}
	return firstErr
}

// Rollback aborts a prepared (or still-open) transaction on every participant.
func (c *Coordinator) Rollback(ctx context.Context, gid string, participants []Participant, prepared bool) error {
	var firstErr error
	for _, p := range participants {
		var stmt string
		if prepared {
			stmt = fmt.Sprintf("ROLLBACK PREPARED '%s'", gid)
		} else {
			stmt = "ROLLBACK"
		}
		if err := execSimple(p.Conn, stmt); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rolling back shard %d: %w", p.ShardIndex, err)
		}
	}
	c.mu.Lock()
	delete(c.inDoubt, gid)
	c.mu.Unlock()
	return firstErr
}

// Recover replays the recovery log once per call: any gid whose last
// record is "prepared" (never reached "committed") is resolved by
// asking each participant whether pg_prepared_xacts still knows about
// it, and if so, issuing COMMIT PREPARED — the same outcome the
// original coordinator would have reached had it not crashed, since the
// log record was written only after every participant had already
// durably prepared.
func (c *Coordinator) Recover(ctx context.Context, dialShard func(shardIdx int) (*backend.Conn, error)) error {
	records, err := c.log.ReplayPending()
	if err != nil {
		return fmt.Errorf("replaying recovery log: %w", err)
	}
	for _, rec := range records {
		for _, shardIdx := range rec.Shards {
			conn, err := dialShard(shardIdx)
			if err != nil {
				return fmt.Errorf("dialing shard %d for recovery of %s: %w", shardIdx, rec.GID, err)
			}
			present, err := prepXactExists(conn, rec.GID)
			if err != nil {
				return fmt.Errorf("checking pg_prepared_xacts on shard %d: %w", shardIdx, err)
			}
			if present {
				if err := execSimple(conn, fmt.Sprintf("COMMIT PREPARED '%s'", rec.GID)); err != nil {
					return fmt.Errorf("recovering commit on shard %d: %w", shardIdx, err)
				}
			}
		}
		if err := c.log.Append(Record{GID: rec.GID, Shards: rec.Shards, State: StateCommitted}); err != nil {
			return fmt.Errorf("recording recovery of %s: %w", rec.GID, err)
		}
	}
	return nil
}

func execSimple(conn *backend.Conn, sql string) error {
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

func prepXactExists(conn *backend.Conn, gid string) (bool, error) {
	fe := conn.Frontend()
	query := fmt.Sprintf("SELECT 1 FROM pg_prepared_xacts WHERE gid = '%s'", gid)
	fe.Send(&pgproto3.Query{String: query})
	if err := fe.Flush(); err != nil {
		return false, err
	}
	found := false
	for {
		msg, err := fe.Receive()
		if err != nil {
			return false, err
		}
		switch m := msg.(type) {
		case *pgproto3.DataRow:
			found = true
		case *pgproto3.ReadyForQuery:
			return found, nil
		case *pgproto3.ErrorResponse:
			return false, fmt.Errorf("backend error: %s", m.Message)
		}
	}
}
