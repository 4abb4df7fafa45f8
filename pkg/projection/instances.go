package projection

import (
	"context"
	"database/sql"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// InstancesProjection materializes tenant instances.
type InstancesProjection struct{}

func NewInstancesProjection() *InstancesProjection { return &InstancesProjection{} }

func (*InstancesProjection) Name() string { return "instances" }

func (*InstancesProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateInstance}
}

func (*InstancesProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS instances (
	instance_id    TEXT NOT NULL,
	id             TEXT NOT NULL,
	name           TEXT NOT NULL,
	default_org_id TEXT NOT NULL DEFAULT '',
	sequence       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	changed_at     INTEGER NOT NULL,
	PRIMARY KEY (instance_id, id)
);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-inst-01", "cannot create instances table")
	}
	return nil
}

func (*InstancesProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, instanceID); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-inst-02", "cannot reset instances table")
	}
	return nil
}

func (p *InstancesProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case command.InstanceAddedType:
		var payload struct {
			Name         string `json:"name"`
			DefaultOrgID string `json:"default_org_id"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO instances (instance_id, id, name, default_org_id, sequence, created_at, changed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (instance_id, id) DO NOTHING`,
			event.InstanceID, event.AggregateID, payload.Name, payload.DefaultOrgID,
			event.AggregateVersion, event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-inst-03", "cannot insert instance row")
		}
		return nil
	case command.InstanceChangedType:
		var payload struct {
			Name string `json:"name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE instances SET name = ?, sequence = ?, changed_at = ?
WHERE instance_id = ? AND id = ? AND sequence < ?`,
			payload.Name, event.AggregateVersion, event.CreatedAt.UnixNano(),
			event.InstanceID, event.AggregateID, event.AggregateVersion,
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-inst-04", "cannot update instance row")
		}
		return nil
	}
	return nil
}

// All returns every projection of the backend in registration order.
func All() []Projection {
	return []Projection{
		NewInstancesProjection(),
		NewOrgsProjection(),
		NewUsersProjection(),
		NewProjectsProjection(),
		NewAppsProjection(),
		NewAuthRequestsProjection(),
		NewDeviceAuthsProjection(),
		NewTokensProjection(),
		NewIDPsProjection(),
	}
}
