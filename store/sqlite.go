package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists snapshots in a SQLite database. Each save inserts
// a new row, so the table doubles as a run history; Load returns the most
// recent snapshot.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// snapshot table.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer at a time keeps rename-free snapshots consistent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS snapshots (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    pipeline TEXT NOT NULL,
    saved_at TEXT NOT NULL,
    payload  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_pipeline ON snapshots(pipeline, id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

// Save implements Store.
func (s *SQLiteStore) Save(snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO snapshots (pipeline, saved_at, payload) VALUES (?, ?, ?)",
		snap.Pipeline, snap.SavedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"), payload,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Load implements Store. It returns the most recently saved snapshot.
func (s *SQLiteStore) Load() (*Snapshot, error) {
	var payload []byte
	err := s.db.QueryRow(
		"SELECT payload FROM snapshots ORDER BY id DESC LIMIT 1",
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no snapshot recorded in %s", s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return decodeSnapshot(payload)
}

// Exists implements Store.
func (s *SQLiteStore) Exists() bool {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// History returns the saved-at timestamps of all snapshots, oldest first.
func (s *SQLiteStore) History() ([]string, error) {
	rows, err := s.db.Query("SELECT saved_at FROM snapshots ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots.
func (s *SQLiteStore) Prune(keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.Exec(
		"DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)",
		keep,
	)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
