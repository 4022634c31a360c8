// Package ledger is an append-only, hash-chained SQLite record of supervisor
// events. It is an audit sink only: nothing in the decision path reads it.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sentinelguard/sentinel/internal/event"
)

// ErrChainBroken is returned by Verify when a session's chain fails.
var ErrChainBroken = errors.New("ledger: hash chain broken")

// Entry is one stored event.
type Entry struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Severity  string          `json:"severity"`
	Reason    string          `json:"reason"`
	Action    string          `json:"action,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Dimension string          `json:"dimension,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// SessionSummary describes one session in the ledger.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Entries   int       `json:"entries"`
	FirstAt   time.Time `json:"first_at"`
	LastAt    time.Time `json:"last_at"`
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	SessionID string `json:"session_id"`
	Entries   int    `json:"entries"`
	Valid     bool   `json:"valid"`
	BrokenAt  int    `json:"broken_at"`
}

// Store persists entries. Appends for one session are serialized so each
// entry links to the one before it.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	lastHash map[string]string
}

// Open opens (creating if needed) the SQLite ledger at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, lastHash: make(map[string]string)}
}

func (s *Store) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		session_id  TEXT NOT NULL,
		timestamp   DATETIME NOT NULL,
		kind        TEXT NOT NULL,
		severity    TEXT NOT NULL,
		reason      TEXT,
		action      TEXT,
		from_state  TEXT,
		to_state    TEXT,
		dimension   TEXT,
		fields      TEXT,
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores e, chained to the session's previous entry.
func (s *Store) Append(e event.Event) (*Entry, error) {
	var fields json.RawMessage
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return nil, fmt.Errorf("marshal fields: %w", err)
		}
		fields = b
	}

	entry := &Entry{
		ID:        e.ID,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp.UTC(),
		Kind:      string(e.Kind),
		Severity:  string(e.Severity),
		Reason:    e.Reason,
		Action:    e.Action,
		From:      e.From,
		To:        e.To,
		Dimension: e.Dimension,
		Fields:    fields,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.prevHashLocked(entry.SessionID)
	if err != nil {
		return nil, err
	}
	entry.PrevHash = prev
	entry.Hash = ComputeHash(entry)

	result, err := s.db.Exec(`INSERT INTO events (id, session_id, timestamp, kind, severity, reason,
		action, from_state, to_state, dimension, fields, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Timestamp, entry.Kind, entry.Severity, entry.Reason,
		nullStr(entry.Action), nullStr(entry.From), nullStr(entry.To), nullStr(entry.Dimension),
		nullableJSON(entry.Fields), entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event %s: %w", entry.ID, err)
	}
	if seq, err := result.LastInsertId(); err == nil {
		entry.Seq = seq
	}
	s.lastHash[entry.SessionID] = entry.Hash
	return entry, nil
}

func (s *Store) prevHashLocked(sessionID string) (string, error) {
	if h, ok := s.lastHash[sessionID]; ok {
		return h, nil
	}
	var h string
	err := s.db.QueryRow(`SELECT hash FROM events WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return ComputeSessionSeed(sessionID), nil
	}
	if err != nil {
		return "", fmt.Errorf("load chain head for %s: %w", sessionID, err)
	}
	return h, nil
}

// List returns a session's entries oldest first. A non-positive limit
// returns all of them.
func (s *Store) List(sessionID string, limit int) ([]*Entry, error) {
	query := `SELECT seq, id, session_id, timestamp, kind, severity, reason, action,
		from_state, to_state, dimension, fields, prev_hash, hash
		FROM events WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reason, action, from, to, dimension, fields sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &e.Timestamp, &e.Kind, &e.Severity,
			&reason, &action, &from, &to, &dimension, &fields, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		e.Action = action.String
		e.From = from.String
		e.To = to.String
		e.Dimension = dimension.String
		e.Fields = jsonOrNil(fields)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions lists every session, most recent first.
func (s *Store) Sessions() ([]SessionSummary, error) {
	rows, err := s.db.Query(`SELECT session_id, COUNT(*), MIN(seq), MAX(seq) FROM events
		GROUP BY session_id ORDER BY MAX(seq) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type span struct{ first, last int64 }
	var (
		out   []SessionSummary
		spans []span
	)
	for rows.Next() {
		var sum SessionSummary
		var sp span
		if err := rows.Scan(&sum.SessionID, &sum.Entries, &sp.first, &sp.last); err != nil {
			return nil, err
		}
		out = append(out, sum)
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i, sp := range spans {
		if err := s.db.QueryRow(`SELECT timestamp FROM events WHERE seq = ?`, sp.first).Scan(&out[i].FirstAt); err != nil {
			return nil, err
		}
		if err := s.db.QueryRow(`SELECT timestamp FROM events WHERE seq = ?`, sp.last).Scan(&out[i].LastAt); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Verify recomputes a session's chain. A broken chain is reported in the
// result together with ErrChainBroken.
func (s *Store) Verify(sessionID string) (VerifyResult, error) {
	entries, err := s.List(sessionID, 0)
	if err != nil {
		return VerifyResult{}, err
	}
	valid, brokenAt := VerifyChain(entries)
	res := VerifyResult{SessionID: sessionID, Entries: len(entries), Valid: valid, BrokenAt: brokenAt}
	if !valid {
		return res, fmt.Errorf("%w: session %s at entry %d", ErrChainBroken, sessionID, brokenAt)
	}
	return res, nil
}

// Prune deletes whole sessions whose newest entry is older than cutoff, so
// surviving chains stay verifiable.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM events WHERE session_id IN (
		SELECT session_id FROM events GROUP BY session_id HAVING MAX(timestamp) < ?)`, cutoff.UTC())
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	clear(s.lastHash)
	s.mu.Unlock()

	return result.RowsAffected()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
