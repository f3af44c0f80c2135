package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaystone/nostrd/pkg/event"
	"github.com/relaystone/nostrd/pkg/extension"
)

// defaultQueryLimit bounds a backfill query whose filter carries no limit.
const defaultQueryLimit = 500

const initSQL = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS event (
	id INTEGER PRIMARY KEY,
	event_hash BLOB NOT NULL,
	first_seen INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	author BLOB NOT NULL,
	kind INTEGER NOT NULL,
	hidden INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	raw TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS event_hash_index ON event(event_hash);
CREATE INDEX IF NOT EXISTS event_created_at_index ON event(created_at);
CREATE INDEX IF NOT EXISTS event_author_index ON event(author);
CREATE INDEX IF NOT EXISTS event_kind_index ON event(kind);

CREATE TABLE IF NOT EXISTS tag (
	id INTEGER PRIMARY KEY,
	event_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	FOREIGN KEY(event_id) REFERENCES event(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS tag_value_index ON tag(name, value);
`

// ExtensionGate is the slice of the extension registry the store consults
// for storage-affecting behaviors (replaceable kinds).
type ExtensionGate interface {
	IsEnabled(id string) bool
}

// SQLite is the EventStore backed by a single SQLite database file.
type SQLite struct {
	db   *sql.DB
	gate ExtensionGate
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. gate may be nil, which disables extension-dependent behaviors.
func OpenSQLite(path string, gate ExtensionGate) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent inserts
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, gate: gate}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.ExecContext(context.Background(), initSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLite) replaceableEnabled() bool {
	return s.gate != nil && s.gate.IsEnabled(extension.ReplaceableEvents)
}

// Insert commits an event. The unique index on event_hash makes the dedup
// check and the insert one atomic step.
func (s *SQLite) Insert(ctx context.Context, ev *event.Event) (InsertOutcome, error) {
	idBlob, err := hex.DecodeString(ev.ID)
	if err != nil {
		return 0, fmt.Errorf("bad event id: %w", err)
	}
	authorBlob, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return 0, fmt.Errorf("bad author key: %w", err)
	}
	raw, err := ev.Serialize()
	if err != nil {
		return 0, fmt.Errorf("serialize event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO event (event_hash, first_seen, created_at, author, kind, raw)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		idBlob, time.Now().Unix(), ev.CreatedAt, authorBlob, ev.Kind, string(raw),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return Duplicate, nil
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tag (event_id, name, value) VALUES (?, ?, ?)`,
			rowID, tag[0], tag[1],
		); err != nil {
			return 0, fmt.Errorf("insert tag: %w", err)
		}
	}

	// A newer metadata or contact-list event hides the author's older
	// events of the same kind.
	if s.replaceableEnabled() && (ev.Kind == event.KindMetadata || ev.Kind == event.KindContactList) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE event SET hidden=1
			 WHERE id != ? AND kind = ? AND author = ? AND created_at <= ? AND hidden = 0`,
			rowID, ev.Kind, authorBlob, ev.CreatedAt,
		); err != nil {
			return 0, fmt.Errorf("hide replaced events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return Inserted, nil
}

// Exists reports whether an event with the given id was ever committed,
// tombstones included.
func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	idBlob, err := hex.DecodeString(id)
	if err != nil {
		return false, fmt.Errorf("bad event id: %w", err)
	}
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM event WHERE event_hash = ?`, idBlob).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence check: %w", err)
	}
	return true, nil
}

// Query runs each filter as its own bounded query, merges the results
// deduplicated by id, and sorts the merged set newest first.
func (s *SQLite) Query(ctx context.Context, filters []event.Filter) ([]*event.Event, error) {
	seen := make(map[string]bool)
	var out []*event.Event
	for i := range filters {
		evs, err := s.queryOne(ctx, &filters[i])
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				out = append(out, ev)
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt > out[b].CreatedAt
	})
	return out, nil
}

func (s *SQLite) queryOne(ctx context.Context, f *event.Filter) ([]*event.Event, error) {
	query, args := buildFilterQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("filter query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*event.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event row: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// buildFilterQuery translates one filter into parameterized SQL. Hidden and
// tombstoned rows are always excluded.
func buildFilterQuery(f *event.Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	clauses = append(clauses, "hidden = 0", "deleted = 0")

	if len(f.IDs) > 0 {
		ph, blobs := hexPlaceholders(f.IDs)
		clauses = append(clauses, fmt.Sprintf("event_hash IN (%s)", ph))
		args = append(args, blobs...)
	}
	if len(f.Authors) > 0 {
		ph, blobs := hexPlaceholders(f.Authors)
		clauses = append(clauses, fmt.Sprintf("author IN (%s)", ph))
		args = append(args, blobs...)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, k)
		}
		clauses = append(clauses, fmt.Sprintf("kind IN (%s)", strings.Join(marks, ", ")))
	}
	if f.Since != nil {
		clauses = append(clauses, "created_at > ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, *f.Until)
	}
	for name, vals := range f.Tags {
		marks := make([]string, len(vals))
		sub := make([]interface{}, 0, len(vals)+1)
		sub = append(sub, name)
		for i, v := range vals {
			marks[i] = "?"
			sub = append(sub, v)
		}
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM tag t WHERE t.event_id = event.id AND t.name = ? AND t.value IN (%s))",
			strings.Join(marks, ", ")))
		args = append(args, sub...)
	}

	limit := f.Limit
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}
	query := fmt.Sprintf(
		"SELECT raw FROM event WHERE %s ORDER BY created_at DESC LIMIT %d",
		strings.Join(clauses, " AND "), limit)
	return query, args
}

func hexPlaceholders(vals []string) (string, []interface{}) {
	marks := make([]string, 0, len(vals))
	args := make([]interface{}, 0, len(vals))
	for _, v := range vals {
		blob, err := hex.DecodeString(v)
		if err != nil {
			continue
		}
		marks = append(marks, "?")
		args = append(args, blob)
	}
	if len(marks) == 0 {
		// no valid value can match anything
		return "NULL", nil
	}
	return strings.Join(marks, ", "), args
}

// Delete tombstones an event if, and only if, the requesting author is the
// original author. The stored content is purged so it can never be served
// again; the hash row survives so re-submission stays a Duplicate.
func (s *SQLite) Delete(ctx context.Context, id, author string) (bool, error) {
	idBlob, err := hex.DecodeString(id)
	if err != nil {
		return false, fmt.Errorf("bad event id: %w", err)
	}
	authorBlob, err := hex.DecodeString(author)
	if err != nil {
		return false, fmt.Errorf("bad author key: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE event SET deleted=1, hidden=1, raw=''
		 WHERE event_hash = ? AND author = ? AND deleted = 0`,
		idBlob, authorBlob,
	)
	if err != nil {
		return false, fmt.Errorf("tombstone event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
