package audit

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	ts         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	prev_state TEXT,
	new_state  TEXT,
	cause      TEXT,
	reason     TEXT,
	line       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// QueryFilter narrows an index query. Zero values mean "no filter".
type QueryFilter struct {
	Kind  string
	State string // matches either prev_state or new_state
	Since time.Time
	Until time.Time
	Limit int
}

// BuildIndex ingests a JSONL audit log into a SQLite database for
// ad-hoc querying. Re-ingesting is idempotent: events are keyed by ID.
// Returns the number of lines read from the log.
func BuildIndex(logPath, dbPath string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, fmt.Errorf("audit: open index: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(indexSchema); err != nil {
		return 0, fmt.Errorf("audit: create index schema: %w", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		return 0, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("audit: begin ingest: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO events
		(id, ts, kind, prev_state, new_state, cause, reason, line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("audit: prepare ingest: %w", err)
	}

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		line := scanner.Text()

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			stmt.Close()
			tx.Rollback()
			return 0, fmt.Errorf("audit: parse line %d: %w", lines, err)
		}
		if _, err := stmt.Exec(ev.ID, ev.Timestamp, ev.Kind, ev.PrevState, ev.NewState, ev.Cause, ev.Reason, line); err != nil {
			stmt.Close()
			tx.Rollback()
			return 0, fmt.Errorf("audit: ingest line %d: %w", lines, err)
		}
	}
	stmt.Close()
	if err := scanner.Err(); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("audit: scan log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit: commit ingest: %w", err)
	}
	return lines, nil
}

// Query returns events from a SQLite index matching the filter,
// ordered by timestamp.
func Query(dbPath string, filter QueryFilter) ([]Event, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open index: %w", err)
	}
	defer db.Close()

	var conds []string
	var args []any
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.State != "" {
		conds = append(conds, "(prev_state = ? OR new_state = ?)")
		args = append(args, filter.State, filter.State)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.Since.UTC().Format(TimeFormat))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, filter.Until.UTC().Format(TimeFormat))
	}

	q := "SELECT line FROM events"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ts"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query index: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("audit: parse indexed event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
