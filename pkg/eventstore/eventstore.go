package eventstore

import (
	"context"
)

// Store is the append-only event log.
//
// Push is all-or-nothing: events, version checks and unique-constraint
// changes of one call commit in a single transaction. Filter returns events
// in per-instance position order and never shows an event whose position is
// smaller than one a previous read of the same instance already returned.
type Store interface {
	// Push appends the intents' commands atomically. It assigns contiguous
	// aggregate versions, the per-instance position, and the commit time,
	// and returns the stored events in push order.
	//
	// Returns a zerrors Aborted error on an expected-version mismatch and
	// an AlreadyExists error on a unique-constraint duplicate.
	Push(ctx context.Context, instanceID, creator string, intents ...*Intent) ([]*Event, error)

	// Filter returns events matching the query in position order.
	Filter(ctx context.Context, query *SearchQuery) ([]*Event, error)

	// LatestVersion returns the highest stored version of an aggregate,
	// or 0 when the aggregate does not exist.
	LatestVersion(ctx context.Context, instanceID string, typ AggregateType, id string) (int64, error)

	// LatestPosition returns the highest committed position of an instance.
	// Projections use it for stall detection.
	LatestPosition(ctx context.Context, instanceID string) (Position, error)

	// Close releases the underlying resources.
	Close() error
}

// Notifier is called after a successful commit with the instance and the
// highest position of the commit. Implementations must not block.
type Notifier func(instanceID string, position Position)
