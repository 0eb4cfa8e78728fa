// ABOUTME: Store interface and data types for forge-hostd persistence
// ABOUTME: Defines the Event ledger record and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Event is one ledger record: a connection state change, a session
// notification, or a permission request, as observed by the daemon.
type Event struct {
	ID           string
	ConnectionID string
	SessionID    string
	Kind         string
	// Detail carries the kind-specific payload as JSON.
	Detail    string
	CreatedAt time.Time
}

// ListEventsParams filters and bounds a ListEvents query.
type ListEventsParams struct {
	// ConnectionID restricts results to one connection. Empty means all.
	ConnectionID string
	// SessionID restricts results to one session. Empty means all.
	SessionID string
	// Limit caps the number of returned events, newest first. 1-500,
	// defaults to 50.
	Limit int
}

// Store is the persistence interface for the event ledger
type Store interface {
	// SaveEvent appends one event to the ledger
	SaveEvent(ctx context.Context, ev Event) error

	// ListEvents returns events matching the params, newest first
	ListEvents(ctx context.Context, params ListEventsParams) ([]Event, error)

	// Close releases the underlying database
	Close() error
}
