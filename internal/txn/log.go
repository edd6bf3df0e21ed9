package txn

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// State is a recovery-log record's transaction state.
type State int

const (
	StatePrepared State = iota
	StateCommitted
)

func (s State) String() string {
	if s == StateCommitted {
		return "committed"
	}
	return "prepared"
}

// Record is one line of the recovery log.
type Record struct {
	GID    string
	Shards []int
	State  State
}

// recordWidth is the fixed length of every record line, trailing newline
// included. ReplayPending skips any line of another length, so a torn
// write from a crash mid-append is rejected by its length before it is
// parsed.
const recordWidth = 256

// Log is an append-only, fsynced file of fixed-width records, the
// persisted state the spec requires for 2PC recovery across restarts.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// OpenLog opens or creates the recovery log at path.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append writes and fsyncs one record. The record must durably exist
// before the coordinator is allowed to tell any participant to commit.
func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := encodeRecord(r)
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return l.file.Sync()
}

// ReplayPending reads the whole log and returns the latest record for
// every gid whose most recent state is "prepared" — a crash happened
// between PREPARE TRANSACTION and COMMIT PREPARED.
func (l *Log) ReplayPending() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seeking log: %w", err)
	}

	latest := make(map[string]Record)
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, recordWidth+1), recordWidth+1)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) != recordWidth-1 {
			continue // empty, or torn/partial record from a crash mid-append
		}
		rec, ok := decodeRecord(line)
		if !ok {
			continue // torn/partial record from a crash mid-append, skip
		}
		latest[rec.GID] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning log: %w", err)
	}

	if _, err := l.file.Seek(0, 2); err != nil {
		return nil, fmt.Errorf("seeking to end: %w", err)
	}

	var pending []Record
	for _, rec := range latest {
		if rec.State == StatePrepared {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// encodeRecord formats "<state>|<gid>|<shard,shard,...>" padded with
// trailing spaces to recordWidth and terminated with a newline.
func encodeRecord(r Record) []byte {
	shardStrs := make([]string, len(r.Shards))
	for i, s := range r.Shards {
		shardStrs[i] = strconv.Itoa(s)
	}
	body := fmt.Sprintf("%s|%s|%s", r.State, r.GID, strings.Join(shardStrs, ","))
	if len(body) > recordWidth-1 {
		body = body[:recordWidth-1] // an over-long body loses the tail of its shard list
	}
	padded := body + strings.Repeat(" ", recordWidth-1-len(body))
	return append([]byte(padded), '\n')
}

func decodeRecord(line string) (Record, bool) {
	line = strings.TrimRight(line, " ")
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return Record{}, false
	}
	var state State
	switch parts[0] {
	case "prepared":
		state = StatePrepared
	case "committed":
		state = StateCommitted
	default:
		return Record{}, false
	}
	gid := parts[1]
	if gid == "" {
		return Record{}, false
	}
	var shards []int
	if parts[2] != "" {
		for _, s := range strings.Split(parts[2], ",") {
			n, err := strconv.Atoi(s)
			if err != nil {
				return Record{}, false
			}
			shards = append(shards, n)
		}
	}
	return Record{GID: gid, Shards: shards, State: state}, true
}
