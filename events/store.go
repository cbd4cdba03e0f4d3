package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DefaultLimit bounds Recent when the query sets no limit.
const DefaultLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	time_ns INTEGER NOT NULL,
	source TEXT NOT NULL,
	height INTEGER NOT NULL,
	width INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	detections TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_classes (
	event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	class TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_time ON events(time_ns);
CREATE INDEX IF NOT EXISTS idx_event_classes_class ON event_classes(class);
`

// Query filters Recent. Zero fields match everything.
type Query struct {
	Source string
	Class  string
	Since  time.Time
	Limit  int
}

// Store keeps the event history in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open event store")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate event store")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends an event and its class index.
func (s *Store) Record(ctx context.Context, e Event) error {
	detections, err := json.Marshal(e.Detections)
	if err != nil {
		return errors.Wrap(err, "encode detections")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, time_ns, source, height, width, duration_ns, detections) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UnixNano(), e.Source, e.ImageSize[0], e.ImageSize[1], int64(e.Duration), string(detections),
	); err != nil {
		return errors.Wrapf(err, "insert event %s", e.ID)
	}
	for _, class := range e.Classes() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO event_classes (event_id, class) VALUES (?, ?)`, e.ID, class); err != nil {
			return errors.Wrapf(err, "index event %s", e.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Recent returns matching events, newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	query := `SELECT id, time_ns, source, height, width, duration_ns, detections FROM events WHERE 1 = 1`
	var args []interface{}
	if q.Source != "" {
		query += ` AND source = ?`
		args = append(args, q.Source)
	}
	if q.Class != "" {
		query += ` AND id IN (SELECT event_id FROM event_classes WHERE class = ?)`
		args = append(args, q.Class)
	}
	if !q.Since.IsZero() {
		query += ` AND time_ns >= ?`
		args = append(args, q.Since.UnixNano())
	}
	query += ` ORDER BY time_ns DESC, rowid DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var (
			e          Event
			timeNS     int64
			durationNS int64
			detections string
		)
		if err := rows.Scan(&e.ID, &timeNS, &e.Source, &e.ImageSize[0], &e.ImageSize[1], &durationNS, &detections); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Time = time.Unix(0, timeNS).UTC()
		e.Duration = time.Duration(durationNS)
		if err := json.Unmarshal([]byte(detections), &e.Detections); err != nil {
			return nil, errors.Wrapf(err, "decode detections of %s", e.ID)
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}
