// Package deadletter keeps payloads the dispatch loop rejected so they can be
// inspected after the fact.
//
// Entries are keyed by a fingerprint of event name and payload; recording the
// same rejected payload again bumps Hits instead of adding a row, which keeps
// at-least-once redelivery of a bad record from flooding the store.
package deadletter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("dead letter not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("dead letter store closed")
)

// Entry is one rejected payload.
type Entry struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	EventName   string    `json:"event_name"`
	Sequence    uint64    `json:"sequence"`
	Payload     string    `json:"payload"`
	Reason      string    `json:"reason"`
	Field       string    `json:"field,omitempty"`
	Error       string    `json:"error"`
	Hits        int       `json:"hits"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Store persists rejected payloads.
type Store interface {
	// Add records e. If an entry with the same fingerprint exists its Hits,
	// Sequence, Error and LastSeenAt are updated instead.
	// Returns the stored entry.
	Add(ctx context.Context, e Entry) (Entry, error)

	// Get returns the entry with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (Entry, error)

	// List returns entries ordered by first sighting, oldest first.
	// An empty eventName lists every event; limit <= 0 means no limit.
	List(ctx context.Context, eventName string, limit int) ([]Entry, error)

	// Count returns the number of entries for eventName, or all when empty.
	Count(ctx context.Context, eventName string) (int, error)

	// Delete removes an entry. Deleting a missing entry returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Close releases resources. It is safe to call more than once.
	Close() error
}

// Fingerprint returns a stable hash of eventName and payload.
func Fingerprint(eventName, payload string) string {
	h := sha256.New()
	h.Write([]byte(eventName))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// NewEntry builds an entry for a payload rejected with reason.
func NewEntry(eventName string, sequence uint64, payload, reason, field string, cause error) Entry {
	now := time.Now().UTC()
	e := Entry{
		ID:          uuid.NewString(),
		Fingerprint: Fingerprint(eventName, payload),
		EventName:   eventName,
		Sequence:    sequence,
		Payload:     payload,
		Reason:      reason,
		Field:       field,
		Hits:        1,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

// normalize fills fields a caller may have left empty.
func normalize(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Fingerprint == "" {
		e.Fingerprint = Fingerprint(e.EventName, e.Payload)
	}
	if e.Hits <= 0 {
		e.Hits = 1
	}
	now := time.Now().UTC()
	if e.FirstSeenAt.IsZero() {
		e.FirstSeenAt = now
	}
	if e.LastSeenAt.IsZero() {
		e.LastSeenAt = e.FirstSeenAt
	}
	return e
}
