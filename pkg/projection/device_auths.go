package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// DeviceAuthsProjection materializes device-authorization grants. The
// user_code index backs the verification page's code lookup, which the
// command layer consults through its resolver hook.
type DeviceAuthsProjection struct{}

func NewDeviceAuthsProjection() *DeviceAuthsProjection { return &DeviceAuthsProjection{} }

func (*DeviceAuthsProjection) Name() string { return "device_auths" }

func (*DeviceAuthsProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateDeviceAuth}
}

func (*DeviceAuthsProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS device_auths (
	instance_id TEXT NOT NULL,
	device_code TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	scope       TEXT NOT NULL DEFAULT '',
	user_code   TEXT NOT NULL,
	state       TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	expires_at  INTEGER NOT NULL,
	sequence    INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	changed_at  INTEGER NOT NULL,
	PRIMARY KEY (instance_id, device_code)
);
CREATE INDEX IF NOT EXISTS idx_device_auths_user_code ON device_auths (instance_id, user_code);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-device-01", "cannot create device_auths table")
	}
	return nil
}

func (*DeviceAuthsProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_auths WHERE instance_id = ?`, instanceID); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-device-02", "cannot reset device_auths table")
	}
	return nil
}

func (p *DeviceAuthsProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case command.DeviceAuthAddedType:
		var payload struct {
			ClientID  string    `json:"client_id"`
			Scope     []string  `json:"scope"`
			UserCode  string    `json:"user_code"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO device_auths (instance_id, device_code, client_id, scope, user_code, state, expires_at, sequence, created_at, changed_at)
VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)
ON CONFLICT (instance_id, device_code) DO NOTHING`,
			event.InstanceID, event.AggregateID,
			payload.ClientID, encodeStrings(payload.Scope), payload.UserCode, payload.ExpiresAt.UnixNano(),
			event.AggregateVersion, event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-device-03", "cannot insert device auth row")
		}
		return nil
	case command.DeviceAuthPolledType:
		return p.update(ctx, tx, event, "state = state")
	case command.DeviceAuthApprovedType:
		var payload struct {
			UserID string `json:"user_id"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "state = 'approved', user_id = ?", payload.UserID)
	case command.DeviceAuthDeniedType:
		return p.update(ctx, tx, event, "state = 'denied'")
	case command.DeviceAuthCancelledType:
		return p.update(ctx, tx, event, "state = 'cancelled'")
	case command.DeviceAuthExpiredType:
		return p.update(ctx, tx, event, "state = 'expired'")
	case command.DeviceAuthCompletedType:
		return p.update(ctx, tx, event, "state = 'completed'")
	}
	return nil
}

func (*DeviceAuthsProjection) update(ctx context.Context, tx *sql.Tx, event *eventstore.Event, set string, args ...any) error {
	args = append(args, event.AggregateVersion, event.CreatedAt.UnixNano(), event.InstanceID, event.AggregateID, event.AggregateVersion)
	_, err := tx.ExecContext(ctx,
		`UPDATE device_auths SET `+set+`, sequence = ?, changed_at = ?
		 WHERE instance_id = ? AND device_code = ? AND sequence < ?`,
		args...,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-device-04", "cannot update device auth row")
	}
	return nil
}
