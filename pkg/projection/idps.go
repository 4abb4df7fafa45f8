package projection

import (
	"context"
	"database/sql"
	"strings"

	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// IDPsProjection materializes identity-provider registrations of both
// scopes. Event types carry the scope and the provider kind in their name,
// so reduction parses rather than enumerates them. Provider configs stay as
// the raw payload; secrets inside are already encrypted.
type IDPsProjection struct{}

func NewIDPsProjection() *IDPsProjection { return &IDPsProjection{} }

func (*IDPsProjection) Name() string { return "idps" }

func (*IDPsProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateIDP}
}

func (*IDPsProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS idps (
	instance_id    TEXT NOT NULL,
	id             TEXT NOT NULL,
	resource_owner TEXT NOT NULL,
	scope          TEXT NOT NULL,
	kind           TEXT NOT NULL,
	name           TEXT NOT NULL,
	state          TEXT NOT NULL,
	config         BLOB,
	sequence       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	changed_at     INTEGER NOT NULL,
	PRIMARY KEY (instance_id, id)
);
CREATE INDEX IF NOT EXISTS idx_idps_owner ON idps (instance_id, resource_owner);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-idps-01", "cannot create idps table")
	}
	return nil
}

func (*IDPsProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM idps WHERE instance_id = ?`, instanceID); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-idps-02", "cannot reset idps table")
	}
	return nil
}

func (p *IDPsProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	parts := strings.Split(event.EventType, ".")
	if len(parts) < 3 || parts[1] != "idp" {
		return nil
	}
	scope := parts[0]
	switch parts[len(parts)-1] {
	case "added":
		var payload struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO idps (instance_id, id, resource_owner, scope, kind, name, state, config, sequence, created_at, changed_at)
VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?, ?, ?)
ON CONFLICT (instance_id, id) DO NOTHING`,
			event.InstanceID, event.AggregateID, event.Owner,
			scope, payload.Kind, payload.Name, event.Payload,
			event.AggregateVersion, event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-idps-03", "cannot insert idp row")
		}
		return nil
	case "changed":
		var payload struct {
			Name string `json:"name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "name = ?", payload.Name)
	case "deactivated":
		return p.update(ctx, tx, event, "state = 'inactive'")
	case "reactivated":
		return p.update(ctx, tx, event, "state = 'active'")
	case "removed":
		if _, err := tx.ExecContext(ctx, `DELETE FROM idps WHERE instance_id = ? AND id = ?`,
			event.InstanceID, event.AggregateID); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-idps-04", "cannot delete idp row")
		}
		return nil
	}
	return nil
}

func (*IDPsProjection) update(ctx context.Context, tx *sql.Tx, event *eventstore.Event, set string, args ...any) error {
	args = append(args, event.AggregateVersion, event.CreatedAt.UnixNano(), event.InstanceID, event.AggregateID, event.AggregateVersion)
	_, err := tx.ExecContext(ctx,
		`UPDATE idps SET `+set+`, sequence = ?, changed_at = ?
		 WHERE instance_id = ? AND id = ? AND sequence < ?`,
		args...,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-idps-05", "cannot update idp row")
	}
	return nil
}
