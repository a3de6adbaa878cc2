package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a durable Store backed by a single-file SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the snapshot database at the given path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite cache path must not be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		query_id     TEXT PRIMARY KEY,
		payload      BLOB NOT NULL,
		retrieved_at INTEGER NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Get returns the stored entry for the key, if any.
func (s *SQLite) Get(key string) (Entry, bool, error) {
	row := s.db.QueryRow(`SELECT payload, retrieved_at FROM snapshots WHERE query_id = ?`, key)
	var payload []byte
	var retrievedUnix int64
	if err := row.Scan(&payload, &retrievedUnix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return Entry{Payload: payload, RetrievedAt: time.UnixMilli(retrievedUnix)}, true, nil
}

// Set stores the entry, replacing any previous value for the key.
func (s *SQLite) Set(key string, entry Entry) error {
	_, err := s.db.Exec(`INSERT INTO snapshots (query_id, payload, retrieved_at) VALUES (?, ?, ?)
		ON CONFLICT(query_id) DO UPDATE SET payload = excluded.payload, retrieved_at = excluded.retrieved_at`,
		key, []byte(entry.Payload), entry.RetrievedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", key, err)
	}
	return nil
}

// Prune removes entries retrieved before the cutoff and reports how many.
func (s *SQLite) Prune(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE retrieved_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
