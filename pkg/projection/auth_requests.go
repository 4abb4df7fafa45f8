package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// AuthRequestsProjection tracks interactive authorization flows for the
// login UI. Authorization codes themselves never reach the read model.
type AuthRequestsProjection struct{}

func NewAuthRequestsProjection() *AuthRequestsProjection { return &AuthRequestsProjection{} }

func (*AuthRequestsProjection) Name() string { return "auth_requests" }

func (*AuthRequestsProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateAuthRequest}
}

func (*AuthRequestsProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS auth_requests (
	instance_id      TEXT NOT NULL,
	id               TEXT NOT NULL,
	resource_owner   TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	redirect_uri     TEXT NOT NULL,
	scope            TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	user_id          TEXT NOT NULL DEFAULT '',
	user_org_id      TEXT NOT NULL DEFAULT '',
	password_checked INTEGER NOT NULL DEFAULT 0,
	totp_checked     INTEGER NOT NULL DEFAULT 0,
	code_expires_at  INTEGER NOT NULL DEFAULT 0,
	code_exchanged   INTEGER NOT NULL DEFAULT 0,
	fail_reason      TEXT NOT NULL DEFAULT '',
	sequence         INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	changed_at       INTEGER NOT NULL,
	PRIMARY KEY (instance_id, id)
);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-authreq-01", "cannot create auth_requests table")
	}
	return nil
}

func (*AuthRequestsProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_requests WHERE instance_id = ?`, instanceID); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-authreq-02", "cannot reset auth_requests table")
	}
	return nil
}

func (p *AuthRequestsProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case command.AuthRequestAddedType:
		var payload struct {
			ClientID    string   `json:"client_id"`
			RedirectURI string   `json:"redirect_uri"`
			Scope       []string `json:"scope"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO auth_requests (instance_id, id, resource_owner, client_id, redirect_uri, scope, state, sequence, created_at, changed_at)
VALUES (?, ?, ?, ?, ?, ?, 'initial', ?, ?, ?)
ON CONFLICT (instance_id, id) DO NOTHING`,
			event.InstanceID, event.AggregateID, event.Owner,
			payload.ClientID, payload.RedirectURI, encodeStrings(payload.Scope),
			event.AggregateVersion, event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-authreq-03", "cannot insert auth request row")
		}
		return nil
	case command.AuthRequestUserSelectedType:
		var payload struct {
			UserID string `json:"user_id"`
			OrgID  string `json:"org_id"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "state = 'user_selected', user_id = ?, user_org_id = ?",
			payload.UserID, payload.OrgID)
	case command.AuthRequestPasswordCheckedType:
		return p.update(ctx, tx, event, "password_checked = 1")
	case command.AuthRequestPasswordCheckFailedType:
		return p.update(ctx, tx, event, "password_checked = password_checked")
	case command.AuthRequestTOTPCheckedType:
		return p.update(ctx, tx, event, "totp_checked = 1")
	case command.AuthRequestSucceededType:
		var payload struct {
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "state = 'succeeded', code_expires_at = ?",
			payload.ExpiresAt.UnixNano())
	case command.AuthRequestCodeExchangedType:
		return p.update(ctx, tx, event, "code_exchanged = 1")
	case command.AuthRequestFailedType:
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "state = 'failed', fail_reason = ?", payload.Reason)
	}
	return nil
}

func (*AuthRequestsProjection) update(ctx context.Context, tx *sql.Tx, event *eventstore.Event, set string, args ...any) error {
	args = append(args, event.AggregateVersion, event.CreatedAt.UnixNano(), event.InstanceID, event.AggregateID, event.AggregateVersion)
	_, err := tx.ExecContext(ctx,
		`UPDATE auth_requests SET `+set+`, sequence = ?, changed_at = ?
		 WHERE instance_id = ? AND id = ? AND sequence < ?`,
		args...,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-authreq-04", "cannot update auth request row")
	}
	return nil
}
