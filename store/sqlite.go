package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/holmbr/norq/nostr"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	coordinate TEXT PRIMARY KEY,
	event      TEXT NOT NULL,
	saved_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_saved_at ON events (saved_at);
`

// SQLite is a Store backed by a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating it and the schema when
// missing. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer; funnel all access through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Get returns the stored record for the coordinate.
func (s *SQLite) Get(ctx context.Context, coordinate string) (*Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event, saved_at FROM events WHERE coordinate = ?`, coordinate)
	var raw []byte
	var savedAt int64
	if err := row.Scan(&raw, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query coordinate %s: %w", coordinate, err)
	}
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false, fmt.Errorf("decode stored event for %s: %w", coordinate, err)
	}
	return &Record{Coordinate: coordinate, Event: &ev, SavedAt: time.Unix(savedAt, 0)}, true, nil
}

// Put stores the record, replacing any entry already held for its coordinate.
func (s *SQLite) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Event == nil {
		return errors.New("record must carry an event")
	}
	raw, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", rec.Coordinate, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (coordinate, event, saved_at) VALUES (?, ?, ?)`,
		rec.Coordinate, raw, rec.SavedAt.Unix())
	if err != nil {
		return fmt.Errorf("store coordinate %s: %w", rec.Coordinate, err)
	}
	return nil
}

// PruneOlderThan removes every record saved strictly before the cutoff via a
// single range delete on the saved_at index.
func (s *SQLite) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE saved_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
