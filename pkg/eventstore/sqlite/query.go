package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const eventColumns = `
	instance_id, aggregate_type, aggregate_id, aggregate_version,
	event_type, payload, creator, owner,
	position, in_tx_order, created_at, revision`

func (s *Store) filter(ctx context.Context, query *eventstore.SearchQuery) ([]*eventstore.Event, error) {
	if query == nil || query.InstanceID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "SQLITE-filter-01", "instance id missing")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	where = append(where, "instance_id = ?")
	args = append(args, query.InstanceID)

	if len(query.AggregateTypes) > 0 {
		placeholders := make([]string, len(query.AggregateTypes))
		for i, typ := range query.AggregateTypes {
			placeholders[i] = "?"
			args = append(args, string(typ))
		}
		where = append(where, "aggregate_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(query.AggregateIDs) > 0 {
		placeholders := make([]string, len(query.AggregateIDs))
		for i, id := range query.AggregateIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "aggregate_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(query.EventTypes) > 0 {
		placeholders := make([]string, len(query.EventTypes))
		for i, typ := range query.EventTypes {
			placeholders[i] = "?"
			args = append(args, typ)
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(query.Owners) > 0 {
		placeholders := make([]string, len(query.Owners))
		for i, owner := range query.Owners {
			placeholders[i] = "?"
			args = append(args, owner)
		}
		where = append(where, "owner IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !query.PositionAfter.IsZero() {
		where = append(where, "(position > ? OR (position = ? AND in_tx_order > ?))")
		args = append(args, query.PositionAfter.Commit, query.PositionAfter.Commit, query.PositionAfter.InTxOrder)
	}
	if !query.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, query.CreatedAfter.UnixNano())
	}

	order := "ORDER BY position, in_tx_order"
	if query.Descending {
		order = "ORDER BY position DESC, in_tx_order DESC"
	}

	stmt := "SELECT " + eventColumns + " FROM events WHERE " + strings.Join(where, " AND ") + " " + order
	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, int64(query.Limit))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, zerrors.ThrowUnavailable(err, "SQLITE-filter-02", "cannot query events")
	}
	defer rows.Close()

	var events []*eventstore.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, zerrors.ThrowUnavailable(err, "SQLITE-filter-03", "cannot read events")
	}
	return events, nil
}

// LatestVersion returns the highest stored version of an aggregate.
func (s *Store) LatestVersion(ctx context.Context, instanceID string, typ eventstore.AggregateType, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, zerrors.ThrowUnavailable(err, "SQLITE-version-01", "cannot begin read")
	}
	defer tx.Rollback()
	return latestVersionTx(ctx, tx, instanceID, typ, id)
}

func latestVersionTx(ctx context.Context, tx *sql.Tx, instanceID string, typ eventstore.AggregateType, id string) (int64, error) {
	var version sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(aggregate_version) FROM events
		WHERE instance_id = ? AND aggregate_type = ? AND aggregate_id = ?`,
		instanceID, string(typ), id,
	).Scan(&version)
	if err != nil {
		return 0, zerrors.ThrowUnavailable(err, "SQLITE-version-02", "cannot read aggregate version")
	}
	return version.Int64, nil
}

// LatestPosition returns the highest committed position of an instance.
func (s *Store) LatestPosition(ctx context.Context, instanceID string) (eventstore.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		commit  sql.NullInt64
		ordinal sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position, in_tx_order FROM events
		WHERE instance_id = ?
		ORDER BY position DESC, in_tx_order DESC LIMIT 1`,
		instanceID,
	).Scan(&commit, &ordinal)
	if err == sql.ErrNoRows {
		return eventstore.Position{}, nil
	}
	if err != nil {
		return eventstore.Position{}, zerrors.ThrowUnavailable(err, "SQLITE-pos-04", "cannot read latest position")
	}
	return eventstore.Position{Commit: commit.Int64, InTxOrder: int32(ordinal.Int64)}, nil
}

// ConstraintHeld reports whether a unique constraint row currently exists.
func (s *Store) ConstraintHeld(ctx context.Context, instanceID, name, value string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM unique_constraints WHERE instance_id = ? AND constraint_name = ? AND value = ?",
		instanceID, name, value,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, zerrors.ThrowUnavailable(err, "SQLITE-constraint-05", "cannot check constraint")
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*eventstore.Event, error) {
	var (
		event     eventstore.Event
		typ       string
		payload   []byte
		createdAt int64
		revision  int64
	)
	if err := row.Scan(
		&event.InstanceID, &typ, &event.AggregateID, &event.AggregateVersion,
		&event.EventType, &payload, &event.Creator, &event.Owner,
		&event.Position.Commit, &event.Position.InTxOrder, &createdAt, &revision,
	); err != nil {
		return nil, zerrors.ThrowUnavailable(err, "SQLITE-scan-01", "cannot scan event")
	}
	event.AggregateType = eventstore.AggregateType(typ)
	event.Payload = payload
	event.CreatedAt = time.Unix(0, createdAt).UTC()
	event.Revision = uint16(revision)
	return &event, nil
}
