package projection

import (
	"context"
	"database/sql"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// AppsProjection materializes OIDC applications. The client_id index serves
// the token endpoint's client lookup; the secret hash is carried so client
// authentication never reads the event log.
type AppsProjection struct{}

func NewAppsProjection() *AppsProjection { return &AppsProjection{} }

func (*AppsProjection) Name() string { return "apps" }

func (*AppsProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateApplication}
}

func (*AppsProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS apps (
	instance_id    TEXT NOT NULL,
	id             TEXT NOT NULL,
	resource_owner TEXT NOT NULL,
	project_id     TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL,
	client_id      TEXT NOT NULL,
	auth_method    TEXT NOT NULL,
	secret_hash    TEXT NOT NULL DEFAULT '',
	response_types TEXT NOT NULL DEFAULT '',
	grant_types    TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL,
	sequence       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	changed_at     INTEGER NOT NULL,
	PRIMARY KEY (instance_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_apps_client_id ON apps (instance_id, client_id);

CREATE TABLE IF NOT EXISTS app_redirect_uris (
	instance_id TEXT NOT NULL,
	app_id      TEXT NOT NULL,
	uri         TEXT NOT NULL,
	PRIMARY KEY (instance_id, app_id, uri)
);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-apps-01", "cannot create apps tables")
	}
	return nil
}

func (*AppsProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	for _, table := range []string{"apps", "app_redirect_uris"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE instance_id = ?`, instanceID); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-apps-02", "cannot reset %s table", table)
		}
	}
	return nil
}

func (p *AppsProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case command.ApplicationOIDCAddedType:
		var payload struct {
			ProjectID     string   `json:"project_id"`
			Name          string   `json:"name"`
			ClientID      string   `json:"client_id"`
			RedirectURIs  []string `json:"redirect_uris"`
			ResponseTypes []string `json:"response_types"`
			GrantTypes    []string `json:"grant_types"`
			AuthMethod    string   `json:"auth_method"`
			SecretHash    string   `json:"secret_hash"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO apps (instance_id, id, resource_owner, project_id, name, client_id, auth_method, secret_hash, response_types, grant_types, state, sequence, created_at, changed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?)
ON CONFLICT (instance_id, id) DO NOTHING`,
			event.InstanceID, event.AggregateID, event.Owner,
			payload.ProjectID, payload.Name, payload.ClientID, payload.AuthMethod, payload.SecretHash,
			encodeStrings(payload.ResponseTypes), encodeStrings(payload.GrantTypes),
			event.AggregateVersion, event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-apps-03", "cannot insert app row")
		}
		for _, uri := range payload.RedirectURIs {
			if err := p.addRedirectURI(ctx, tx, event, uri); err != nil {
				return err
			}
		}
		return nil
	case command.ApplicationChangedType:
		var payload struct {
			Name string `json:"name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "name = ?", payload.Name)
	case command.ApplicationRedirectURIAddedType:
		uri, err := uriOf(event)
		if err != nil {
			return err
		}
		if err := p.addRedirectURI(ctx, tx, event, uri); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "name = name")
	case command.ApplicationRedirectURIRemovedType:
		uri, err := uriOf(event)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM app_redirect_uris WHERE instance_id = ? AND app_id = ? AND uri = ?`,
			event.InstanceID, event.AggregateID, uri,
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-apps-04", "cannot remove redirect URI")
		}
		return p.update(ctx, tx, event, "name = name")
	case command.ApplicationSecretChangedType:
		var payload struct {
			SecretHash string `json:"secret_hash"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "secret_hash = ?", payload.SecretHash)
	case command.ApplicationDeactivatedType:
		return p.update(ctx, tx, event, "state = 'inactive'")
	case command.ApplicationReactivatedType:
		return p.update(ctx, tx, event, "state = 'active'")
	case command.ApplicationRemovedType:
		for _, stmt := range []string{
			`DELETE FROM apps WHERE instance_id = ? AND id = ?`,
			`DELETE FROM app_redirect_uris WHERE instance_id = ? AND app_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, event.InstanceID, event.AggregateID); err != nil {
				return zerrors.ThrowInternal(err, "PROJ-apps-05", "cannot delete app rows")
			}
		}
		return nil
	}
	return nil
}

func (*AppsProjection) addRedirectURI(ctx context.Context, tx *sql.Tx, event *eventstore.Event, uri string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO app_redirect_uris (instance_id, app_id, uri) VALUES (?, ?, ?)
ON CONFLICT (instance_id, app_id, uri) DO NOTHING`,
		event.InstanceID, event.AggregateID, uri,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-apps-06", "cannot insert redirect URI")
	}
	return nil
}

func (*AppsProjection) update(ctx context.Context, tx *sql.Tx, event *eventstore.Event, set string, args ...any) error {
	args = append(args, event.AggregateVersion, event.CreatedAt.UnixNano(), event.InstanceID, event.AggregateID, event.AggregateVersion)
	_, err := tx.ExecContext(ctx,
		`UPDATE apps SET `+set+`, sequence = ?, changed_at = ?
		 WHERE instance_id = ? AND id = ? AND sequence < ?`,
		args...,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-apps-07", "cannot update app row")
	}
	return nil
}

func uriOf(event *eventstore.Event) (string, error) {
	var payload struct {
		URI string `json:"uri"`
	}
	if err := event.UnmarshalPayload(&payload); err != nil {
		return "", err
	}
	return payload.URI, nil
}
