package projection

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// Checkpoint statuses reported through health checks.
const (
	StatusRunning = "running"
	StatusStalled = "stalled"
)

// Checkpoint is the progress of one projection for one instance. It only
// advances after the projection applied a batch; the save happens in the
// same transaction as the table writes to avoid dual-write windows.
type Checkpoint struct {
	ProjectionName string
	InstanceID     string
	Position       eventstore.Position
	EventTimestamp time.Time
	LastRunAt      time.Time
	Status         string
}

// CheckpointStore persists checkpoints and parked events in the read-model
// database. It can share the event store's database or use its own.
type CheckpointStore struct {
	db *sql.DB
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS projection_checkpoints (
	projection_name TEXT NOT NULL,
	instance_id     TEXT NOT NULL,
	position        INTEGER NOT NULL DEFAULT 0,
	in_tx_order     INTEGER NOT NULL DEFAULT 0,
	event_timestamp INTEGER NOT NULL DEFAULT 0,
	last_run_at     INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'running',
	PRIMARY KEY (projection_name, instance_id)
);

CREATE TABLE IF NOT EXISTS failed_events (
	projection_name TEXT NOT NULL,
	instance_id     TEXT NOT NULL,
	position        INTEGER NOT NULL,
	in_tx_order     INTEGER NOT NULL,
	aggregate_type  TEXT NOT NULL,
	aggregate_id    TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB,
	failure         TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	failed_at       INTEGER NOT NULL,
	PRIMARY KEY (projection_name, instance_id, position, in_tx_order)
);
`

// NewCheckpointStore creates the store and its schema.
func NewCheckpointStore(ctx context.Context, db *sql.DB) (*CheckpointStore, error) {
	if _, err := db.ExecContext(ctx, checkpointSchema); err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-cp-01", "cannot create checkpoint schema")
	}
	return &CheckpointStore{db: db}, nil
}

// DB exposes the handle so the runtime can open reducer transactions.
func (s *CheckpointStore) DB() *sql.DB { return s.db }

// Load returns the checkpoint, or a zero checkpoint when the pair has not
// run yet.
func (s *CheckpointStore) Load(ctx context.Context, projectionName, instanceID string) (*Checkpoint, error) {
	cp := &Checkpoint{ProjectionName: projectionName, InstanceID: instanceID, Status: StatusRunning}
	var eventTS, lastRun int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position, in_tx_order, event_timestamp, last_run_at, status
		 FROM projection_checkpoints WHERE projection_name = ? AND instance_id = ?`,
		projectionName, instanceID,
	).Scan(&cp.Position.Commit, &cp.Position.InTxOrder, &eventTS, &lastRun, &cp.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-cp-02", "cannot load checkpoint")
	}
	cp.EventTimestamp = time.Unix(0, eventTS).UTC()
	cp.LastRunAt = time.Unix(0, lastRun).UTC()
	return cp, nil
}

// SaveInTx advances the checkpoint within the reducer's transaction.
func (s *CheckpointStore) SaveInTx(ctx context.Context, tx *sql.Tx, cp *Checkpoint) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO projection_checkpoints
			(projection_name, instance_id, position, in_tx_order, event_timestamp, last_run_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (projection_name, instance_id) DO UPDATE SET
			position = excluded.position,
			in_tx_order = excluded.in_tx_order,
			event_timestamp = excluded.event_timestamp,
			last_run_at = excluded.last_run_at,
			status = excluded.status`,
		cp.ProjectionName, cp.InstanceID,
		cp.Position.Commit, cp.Position.InTxOrder,
		cp.EventTimestamp.UnixNano(), cp.LastRunAt.UnixNano(), cp.Status,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-cp-03", "cannot save checkpoint")
	}
	return nil
}

// Touch refreshes last_run_at outside a batch so stall detection can tell
// "idle" from "stuck".
func (s *CheckpointStore) Touch(ctx context.Context, projectionName, instanceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projection_checkpoints SET last_run_at = ?
		 WHERE projection_name = ? AND instance_id = ?`,
		at.UnixNano(), projectionName, instanceID,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-cp-04", "cannot touch checkpoint")
	}
	return nil
}

// ParkInTx records an event the reducer could not apply. Parking happens in
// the same transaction that advances the checkpoint past the event, so the
// log never blocks on one poisoned event.
func (s *CheckpointStore) ParkInTx(ctx context.Context, tx *sql.Tx, projectionName string, event *eventstore.Event, failure error, attempts int, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO failed_events
			(projection_name, instance_id, position, in_tx_order, aggregate_type, aggregate_id, event_type, payload, failure, attempts, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		projectionName, event.InstanceID,
		event.Position.Commit, event.Position.InTxOrder,
		string(event.AggregateType), event.AggregateID, event.EventType,
		event.Payload, failure.Error(), attempts, at.UnixNano(),
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-cp-05", "cannot park failed event")
	}
	return nil
}

// FailedEvent is one parked event.
type FailedEvent struct {
	ProjectionName string
	InstanceID     string
	Position       eventstore.Position
	AggregateType  string
	AggregateID    string
	EventType      string
	Failure        string
	Attempts       int
	FailedAt       time.Time
}

// FailedEvents lists parked events of one projection.
func (s *CheckpointStore) FailedEvents(ctx context.Context, projectionName, instanceID string) ([]*FailedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT projection_name, instance_id, position, in_tx_order, aggregate_type, aggregate_id, event_type, failure, attempts, failed_at
		 FROM failed_events WHERE projection_name = ? AND instance_id = ?
		 ORDER BY position, in_tx_order`,
		projectionName, instanceID,
	)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "PROJ-cp-06", "cannot list failed events")
	}
	defer rows.Close()

	var failed []*FailedEvent
	for rows.Next() {
		fe := &FailedEvent{}
		var failedAt int64
		if err := rows.Scan(
			&fe.ProjectionName, &fe.InstanceID,
			&fe.Position.Commit, &fe.Position.InTxOrder,
			&fe.AggregateType, &fe.AggregateID, &fe.EventType,
			&fe.Failure, &fe.Attempts, &failedAt,
		); err != nil {
			return nil, zerrors.ThrowInternal(err, "PROJ-cp-07", "cannot scan failed event")
		}
		fe.FailedAt = time.Unix(0, failedAt).UTC()
		failed = append(failed, fe)
	}
	return failed, rows.Err()
}

// DeleteInTx removes the checkpoint row during an administrative reset.
func (s *CheckpointStore) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_name = ? AND instance_id = ?`,
		projectionName, instanceID,
	); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-cp-08", "cannot delete checkpoint")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM failed_events WHERE projection_name = ? AND instance_id = ?`,
		projectionName, instanceID,
	); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-cp-09", "cannot delete parked events")
	}
	return nil
}
