// Package projection materializes read models from the event log. Each
// projection owns its tables, folds events idempotently, and advances a
// per-instance checkpoint in the same transaction as its table writes.
package projection

import (
	"context"
	"database/sql"

	"github.com/trustplane/trustplane/pkg/eventstore"
)

// Projection is one read model. Reduce must be idempotent with respect to
// re-delivery: reducers either upsert keyed by aggregate ID or compare the
// event version against the stored row's sequence. Removal events tolerate
// missing rows.
type Projection interface {
	// Name is unique across the process and keys the checkpoint rows.
	Name() string

	// Init creates the projection's tables and indexes if absent.
	Init(ctx context.Context, db *sql.DB) error

	// Reduce applies one event inside the transaction that also advances
	// the checkpoint.
	Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error

	// Reset truncates the projection's own tables for an administrative
	// rebuild.
	Reset(ctx context.Context, tx *sql.Tx, instanceID string) error

	// AggregateTypes narrows the events the runtime feeds to Reduce.
	AggregateTypes() []eventstore.AggregateType
}
