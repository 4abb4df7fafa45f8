package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

func (s *Store) push(ctx context.Context, instanceID, creator string, intents ...*eventstore.Intent) ([]*eventstore.Event, error) {
	if instanceID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "SQLITE-push-01", "instance id missing")
	}
	if len(intents) == 0 {
		return nil, nil
	}
	if creator == "" {
		creator = "system"
	}

	// Marshal payloads before taking the write lock.
	payloads := make(map[*eventstore.Command][]byte, 8)
	for _, intent := range intents {
		for _, cmd := range intent.Commands {
			if cmd.Payload == nil {
				continue
			}
			data, err := json.Marshal(cmd.Payload)
			if err != nil {
				return nil, zerrors.ThrowInternal(err, "SQLITE-push-02", "cannot marshal payload of %s", cmd.EventType)
			}
			payloads[cmd] = data
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, zerrors.ThrowUnavailable(err, "SQLITE-push-03", "cannot begin transaction")
	}
	defer tx.Rollback()

	commit, err := s.nextCommitPosition(ctx, tx, instanceID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var (
		events  []*eventstore.Event
		ordinal int32
	)
	for _, intent := range intents {
		current, err := latestVersionTx(ctx, tx, instanceID, intent.AggregateType, intent.AggregateID)
		if err != nil {
			return nil, err
		}
		if current != intent.ExpectedVersion {
			return nil, zerrors.ThrowAborted(nil, "SQLITE-push-04",
				"version mismatch on %s %s: expected %d, is %d",
				intent.AggregateType, intent.AggregateID, intent.ExpectedVersion, current)
		}

		version := current
		for _, cmd := range intent.Commands {
			version++
			ordinal++
			revision := cmd.Revision
			if revision == 0 {
				revision = 1
			}

			event := &eventstore.Event{
				InstanceID:       instanceID,
				AggregateType:    intent.AggregateType,
				AggregateID:      intent.AggregateID,
				AggregateVersion: version,
				EventType:        cmd.EventType,
				Payload:          payloads[cmd],
				Creator:          creator,
				Owner:            intent.Owner,
				Position:         eventstore.Position{Commit: commit, InTxOrder: ordinal},
				CreatedAt:        now,
				Revision:         revision,
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO events (
					instance_id, aggregate_type, aggregate_id, aggregate_version,
					event_type, payload, creator, owner,
					position, in_tx_order, created_at, revision
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				event.InstanceID, string(event.AggregateType), event.AggregateID, event.AggregateVersion,
				event.EventType, event.Payload, event.Creator, event.Owner,
				event.Position.Commit, event.Position.InTxOrder, event.CreatedAt.UnixNano(), event.Revision,
			); err != nil {
				return nil, zerrors.ThrowUnavailable(err, "SQLITE-push-05", "cannot insert event %s", cmd.EventType)
			}

			if err := applyConstraints(ctx, tx, instanceID, cmd.Constraints); err != nil {
				return nil, err
			}

			events = append(events, event)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, zerrors.ThrowUnavailable(err, "SQLITE-push-06", "cannot commit push")
	}

	if s.notifier != nil && len(events) > 0 {
		s.notifier(instanceID, events[len(events)-1].Position)
	}
	return events, nil
}

// nextCommitPosition increments the per-instance commit counter inside the
// push transaction. Position order therefore equals commit order.
func (s *Store) nextCommitPosition(ctx context.Context, tx *sql.Tx, instanceID string) (int64, error) {
	var commit int64
	err := tx.QueryRowContext(ctx,
		"SELECT commit_position FROM positions WHERE instance_id = ?", instanceID,
	).Scan(&commit)
	switch {
	case err == sql.ErrNoRows:
		commit = 1
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO positions (instance_id, commit_position) VALUES (?, ?)", instanceID, commit,
		); err != nil {
			return 0, zerrors.ThrowUnavailable(err, "SQLITE-pos-01", "cannot init position")
		}
	case err != nil:
		return 0, zerrors.ThrowUnavailable(err, "SQLITE-pos-02", "cannot read position")
	default:
		commit++
		if _, err := tx.ExecContext(ctx,
			"UPDATE positions SET commit_position = ? WHERE instance_id = ?", commit, instanceID,
		); err != nil {
			return 0, zerrors.ThrowUnavailable(err, "SQLITE-pos-03", "cannot advance position")
		}
	}
	return commit, nil
}

func applyConstraints(ctx context.Context, tx *sql.Tx, instanceID string, constraints []*eventstore.UniqueConstraint) error {
	for _, c := range constraints {
		switch c.Op {
		case eventstore.ConstraintAdd:
			var exists int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM unique_constraints WHERE instance_id = ? AND constraint_name = ? AND value = ?",
				instanceID, c.Name, c.Value,
			).Scan(&exists)
			if err == nil {
				errID := c.ErrorID
				if errID == "" {
					errID = "SQLITE-constraint-01"
				}
				return zerrors.ThrowAlreadyExists(nil, errID, "%s already taken", c.Name)
			}
			if err != sql.ErrNoRows {
				return zerrors.ThrowUnavailable(err, "SQLITE-constraint-02", "cannot check constraint %s", c.Name)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO unique_constraints (instance_id, constraint_name, value) VALUES (?, ?, ?)",
				instanceID, c.Name, c.Value,
			); err != nil {
				return zerrors.ThrowUnavailable(err, "SQLITE-constraint-03", "cannot add constraint %s", c.Name)
			}
		case eventstore.ConstraintRemove:
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM unique_constraints WHERE instance_id = ? AND constraint_name = ? AND value = ?",
				instanceID, c.Name, c.Value,
			); err != nil {
				return zerrors.ThrowUnavailable(err, "SQLITE-constraint-04", "cannot remove constraint %s", c.Name)
			}
		}
	}
	return nil
}
