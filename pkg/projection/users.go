package projection

import (
	"context"
	"database/sql"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// UsersProjection materializes the users table. Rows key on
// (instance_id, id); the sequence column guards replays: an event older
// than the row is a no-op.
type UsersProjection struct{}

func NewUsersProjection() *UsersProjection { return &UsersProjection{} }

func (*UsersProjection) Name() string { return "users" }

func (*UsersProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateUser}
}

func (*UsersProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS users (
	instance_id    TEXT NOT NULL,
	id             TEXT NOT NULL,
	resource_owner TEXT NOT NULL,
	user_type      TEXT NOT NULL,
	state          TEXT NOT NULL,
	username       TEXT NOT NULL,
	first_name     TEXT NOT NULL DEFAULT '',
	last_name      TEXT NOT NULL DEFAULT '',
	display_name   TEXT NOT NULL DEFAULT '',
	email          TEXT NOT NULL DEFAULT '',
	has_totp       INTEGER NOT NULL DEFAULT 0,
	sequence       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	changed_at     INTEGER NOT NULL,
	PRIMARY KEY (instance_id, id)
);
CREATE INDEX IF NOT EXISTS idx_users_username ON users (instance_id, resource_owner, username);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-users-01", "cannot create users table")
	}
	return nil
}

func (*UsersProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE instance_id = ?`, instanceID); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-users-02", "cannot reset users table")
	}
	return nil
}

func (p *UsersProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case command.UserHumanAddedType:
		var payload struct {
			Username    string `json:"username"`
			FirstName   string `json:"first_name"`
			LastName    string `json:"last_name"`
			DisplayName string `json:"display_name"`
			Email       string `json:"email"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.insert(ctx, tx, event, "human", payload.Username, payload.FirstName, payload.LastName, payload.DisplayName, payload.Email)
	case command.UserMachineAddedType:
		var payload struct {
			Name string `json:"name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.insert(ctx, tx, event, "machine", payload.Name, "", "", "", "")
	case command.UserDeactivatedType:
		return p.update(ctx, tx, event, "state = 'inactive'")
	case command.UserReactivatedType:
		return p.update(ctx, tx, event, "state = 'active'")
	case command.UserUsernameChangedType:
		var payload struct {
			Username string `json:"username"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "username = ?", payload.Username)
	case command.UserProfileChangedType:
		var payload struct {
			FirstName   string `json:"first_name"`
			LastName    string `json:"last_name"`
			DisplayName string `json:"display_name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "first_name = ?, last_name = ?, display_name = ?",
			payload.FirstName, payload.LastName, payload.DisplayName)
	case command.UserEmailChangedType:
		var payload struct {
			Email string `json:"email"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "email = ?", payload.Email)
	case command.UserPasswordChangedType:
		return p.update(ctx, tx, event, "state = state")
	case command.UserTOTPAddedType:
		return p.update(ctx, tx, event, "has_totp = 1")
	case command.UserTOTPRemovedType:
		return p.update(ctx, tx, event, "has_totp = 0")
	case command.UserRemovedType:
		// The row stays as a tombstone; the username constraint is already
		// released, so a new aggregate may claim the name under its own ID.
		return p.update(ctx, tx, event, "state = 'removed'")
	}
	return nil
}

func (*UsersProjection) insert(ctx context.Context, tx *sql.Tx, event *eventstore.Event, userType, username, firstName, lastName, displayName, email string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO users (instance_id, id, resource_owner, user_type, state, username, first_name, last_name, display_name, email, sequence, created_at, changed_at)
VALUES (?, ?, ?, ?, 'active', ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (instance_id, id) DO NOTHING`,
		event.InstanceID, event.AggregateID, event.Owner, userType,
		username, firstName, lastName, displayName, email,
		event.AggregateVersion, event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-users-04", "cannot insert user row")
	}
	return nil
}

func (*UsersProjection) update(ctx context.Context, tx *sql.Tx, event *eventstore.Event, set string, args ...any) error {
	args = append(args, event.AggregateVersion, event.CreatedAt.UnixNano(), event.InstanceID, event.AggregateID, event.AggregateVersion)
	_, err := tx.ExecContext(ctx,
		`UPDATE users SET `+set+`, sequence = ?, changed_at = ?
		 WHERE instance_id = ? AND id = ? AND sequence < ?`,
		args...,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-users-05", "cannot update user row")
	}
	return nil
}
