package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists dead letters to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a dead-letter database.
// The path should be a file path (e.g., "./deadletters.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL UNIQUE,
			event_name TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			payload TEXT NOT NULL,
			reason TEXT NOT NULL,
			field TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			hits INTEGER NOT NULL,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_event_name
		ON dead_letters(event_name, first_seen_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const selectColumns = `id, fingerprint, event_name, sequence, payload, reason, field, error, hits, first_seen_at, last_seen_at`

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Entry{}, ErrStoreClosed
	}

	e = normalize(e)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			hits = hits + excluded.hits,
			sequence = excluded.sequence,
			error = excluded.error,
			last_seen_at = excluded.last_seen_at
	`,
		e.ID, e.Fingerprint, e.EventName, int64(e.Sequence), e.Payload, e.Reason, e.Field, e.Error, e.Hits,
		formatTime(e.FirstSeenAt), formatTime(e.LastSeenAt),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("add dead letter: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM dead_letters WHERE fingerprint = ?`, e.Fingerprint)
	stored, err := scanEntry(row)
	if err != nil {
		return Entry{}, fmt.Errorf("read back dead letter: %w", err)
	}
	return stored, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Entry{}, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM dead_letters WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get dead letter: %w", err)
	}
	return e, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, eventName string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM dead_letters
		WHERE (? = '' OR event_name = ?)
		ORDER BY first_seen_at, rowid
		LIMIT ?
	`, eventName, eventName, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, eventName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dead_letters WHERE (? = '' OR event_name = ?)
	`, eventName, eventName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e           Entry
		seq         int64
		first, last string
	)
	if err := row.Scan(&e.ID, &e.Fingerprint, &e.EventName, &seq, &e.Payload, &e.Reason,
		&e.Field, &e.Error, &e.Hits, &first, &last); err != nil {
		return Entry{}, err
	}
	e.Sequence = uint64(seq)
	e.FirstSeenAt, _ = time.Parse(timeLayout, first)
	e.LastSeenAt, _ = time.Parse(timeLayout, last)
	return e, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
