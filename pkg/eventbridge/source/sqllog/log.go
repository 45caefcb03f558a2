// Package sqllog provides an event source backed by an append-only SQL table.
//
// Events are rows in eventbridge_events. Subscriptions poll for rows with an
// id greater than the last one they returned, so ordering follows the
// table's auto-increment key. SQLite and MySQL are supported.
package sqllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

// Dialect selects the SQL flavor used for schema creation.
type Dialect string

// Supported dialects.
const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// ErrLogClosed is returned by Append after Close.
var ErrLogClosed = errors.New("event log closed")

var schemas = map[Dialect][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS eventbridge_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eventbridge_events_name_id
		ON eventbridge_events(name, id)`,
	},
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS eventbridge_events (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			payload LONGTEXT NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			INDEX idx_eventbridge_events_name_id (name, id)
		)`,
	},
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Log is an append-only event log stored in a SQL database.
type Log struct {
	db      *sql.DB
	dialect Dialect
	opts    options
	ownsDB  bool

	mu      sync.RWMutex
	closed  bool
	closeCh chan struct{}
}

var _ eventbridge.Source = (*Log)(nil)

// Open connects to a database and prepares the events table.
// driver is "sqlite" (path or ":memory:") or "mysql" (go-sql-driver DSN).
func Open(driver, dsn string, opts ...Option) (*Log, error) {
	dialect := Dialect(driver)
	switch dialect {
	case DialectSQLite:
	case DialectMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		dsn = cfg.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	l, err := New(db, dialect, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

// New wraps an existing database handle. The caller keeps ownership of db.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Log, error) {
	stmts, ok := schemas[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Log{
		db:      db,
		dialect: dialect,
		opts:    o,
		closeCh: make(chan struct{}),
	}, nil
}

// Append writes one event and returns its id.
func (l *Log) Append(ctx context.Context, name, payload string) (int64, error) {
	if err := eventbridge.ValidateEventName(name); err != nil {
		return 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrLogClosed
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO eventbridge_events (name, payload, created_at)
		VALUES (?, ?, ?)
	`, name, payload, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

// Subscribe implements eventbridge.Source. The subscription starts after the
// newest existing event for eventName, or at the first one with FromBeginning.
func (l *Log) Subscribe(ctx context.Context, eventName string) (eventbridge.Subscription, error) {
	if err := eventbridge.ValidateEventName(eventName); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, fmt.Errorf("%w: event log closed", eventbridge.ErrSourceUnavailable)
	}

	var start int64
	if !l.opts.fromBeginning {
		err := l.db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(id), 0) FROM eventbridge_events WHERE name = ?
		`, eventName).Scan(&start)
		if err != nil {
			return nil, fmt.Errorf("%w: read log head: %v", eventbridge.ErrSourceUnavailable, err)
		}
	}

	return &subscription{
		log:  l,
		name: eventName,
		last: start,
		done: make(chan struct{}),
	}, nil
}

// Close stops all subscriptions and closes the database if Open created it.
// Subscriptions return eventbridge.ErrEndOfStream once their buffer is empty.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.closeCh)

	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}

// fetch returns up to batch events for name with id greater than after.
func (l *Log) fetch(ctx context.Context, name string, after int64) ([]eventbridge.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, eventbridge.ErrEndOfStream
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, payload FROM eventbridge_events
		WHERE name = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, name, after, l.opts.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var events []eventbridge.Event
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		events = append(events, eventbridge.Event{
			Name:       name,
			Payload:    payload,
			Sequence:   uint64(id),
			ReceivedAt: now,
		})
	}
	return events, rows.Err()
}
