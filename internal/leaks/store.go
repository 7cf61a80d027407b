package leaks

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"invokectl/internal/cleanup"
)

const timeLayout = time.RFC3339Nano

// Record is one artifact whose deletion was never confirmed.
type Record struct {
	Name      string    `json:"name"`
	ItemID    int64     `json:"item_id"`
	Server    string    `json:"server"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store is the SQLite-backed ledger.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or connects to the ledger at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("leak ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, now: time.Now}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts a leak or, for a known name, adds to its attempt count and
// refreshes the error and last-seen time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("leak record needs a name")
	}
	now := s.now().UTC()
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = rec.LastSeen
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO leaks (name, item_id, server, attempts, last_error, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
    item_id = CASE WHEN excluded.item_id > 0 THEN excluded.item_id ELSE leaks.item_id END,
    server = CASE WHEN excluded.server <> '' THEN excluded.server ELSE leaks.server END,
    attempts = leaks.attempts + excluded.attempts,
    last_error = excluded.last_error,
    last_seen = excluded.last_seen`,
		rec.Name, rec.ItemID, rec.Server, rec.Attempts, rec.LastError,
		rec.FirstSeen.UTC().Format(timeLayout), rec.LastSeen.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record leak %s: %w", rec.Name, err)
	}
	return nil
}

// RecordLeak adapts the cleanup worker's exhaustion report.
func (s *Store) RecordLeak(ctx context.Context, leak cleanup.Leak) error {
	return s.Record(ctx, Record{
		Name:      leak.Name,
		ItemID:    leak.ItemID,
		Server:    leak.Server,
		Attempts:  leak.Attempts,
		LastError: leak.LastError,
	})
}

// List returns every record, oldest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, item_id, server, attempts, last_error, first_seen, last_seen
FROM leaks ORDER BY first_seen, name`)
	if err != nil {
		return nil, fmt.Errorf("list leaks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec              Record
			first, lastSeen string
		)
		if err := rows.Scan(&rec.Name, &rec.ItemID, &rec.Server, &rec.Attempts, &rec.LastError, &first, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan leak: %w", err)
		}
		rec.FirstSeen = parseTime(first)
		rec.LastSeen = parseTime(lastSeen)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaks: %w", err)
	}
	return out, nil
}

// Remove deletes one record. Removing an unknown name is not an error.
func (s *Store) Remove(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM leaks WHERE name = ?", name); err != nil {
		return fmt.Errorf("remove leak %s: %w", name, err)
	}
	return nil
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM leaks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count leaks: %w", err)
	}
	return n, nil
}

// Clear removes every record and returns how many were dropped.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM leaks")
	if err != nil {
		return 0, fmt.Errorf("clear leaks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
