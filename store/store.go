// Package store persists the newest known event per coordinate.
package store

import (
	"context"
	"time"

	"github.com/holmbr/norq/nostr"
)

// Record is one durable cache entry: the newest known event for a coordinate
// and the time it was saved. Records are treated as immutable once stored.
type Record struct {
	Coordinate string
	Event      *nostr.Event
	SavedAt    time.Time
}

// Store is the durable cache behind the coordinator. Entries are replaced
// wholesale: a Put for an existing coordinate supersedes the stored record
// and refreshes its save time.
//
// Implementations must be safe for concurrent use because lookups and
// fire-and-forget writes run from separate goroutines.
type Store interface {
	// Get returns the record for the coordinate and whether one exists.
	Get(ctx context.Context, coordinate string) (*Record, bool, error)
	// Put stores the record, replacing any previous one for its coordinate.
	Put(ctx context.Context, rec *Record) error
	// PruneOlderThan deletes records saved strictly before the cutoff and
	// returns the number of entries removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
