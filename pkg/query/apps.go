package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trustplane/trustplane/pkg/zerrors"
)

// App is one OIDC application with its registered redirect URIs.
type App struct {
	ID            string
	ResourceOwner string
	ProjectID     string
	Name          string
	ClientID      string
	AuthMethod    string
	SecretHash    string
	RedirectURIs  []string
	ResponseTypes []string
	GrantTypes    []string
	State         string
	Sequence      int64
	CreatedAt     time.Time
	ChangedAt     time.Time
}

const appColumns = `id, resource_owner, project_id, name, client_id, auth_method, secret_hash, response_types, grant_types, state, sequence, created_at, changed_at`

func (q *Queries) scanApp(ctx context.Context, instanceID string, row *sql.Row) (*App, error) {
	a := &App{}
	var responseTypes, grantTypes string
	var createdAt, changedAt int64
	err := row.Scan(&a.ID, &a.ResourceOwner, &a.ProjectID, &a.Name, &a.ClientID,
		&a.AuthMethod, &a.SecretHash, &responseTypes, &grantTypes, &a.State,
		&a.Sequence, &createdAt, &changedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-app-01", "application not found")
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-app-02", "cannot scan application")
	}
	a.ResponseTypes = decodeStrings(responseTypes)
	a.GrantTypes = decodeStrings(grantTypes)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.ChangedAt = time.Unix(0, changedAt).UTC()

	uris, err := q.redirectURIs(ctx, instanceID, a.ID)
	if err != nil {
		return nil, err
	}
	a.RedirectURIs = uris
	return a, nil
}

func (q *Queries) redirectURIs(ctx context.Context, instanceID, appID string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT uri FROM app_redirect_uris WHERE instance_id = ? AND app_id = ? ORDER BY uri`,
		instanceID, appID)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-app-03", "cannot list redirect URIs")
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-app-04", "cannot scan redirect URI")
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

// AppByID returns one application of the instance.
func (q *Queries) AppByID(ctx context.Context, instanceID, appID string) (*App, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE instance_id = ? AND id = ?`,
		instanceID, appID)
	return q.scanApp(ctx, instanceID, row)
}

// AppByClientID resolves an OAuth client_id, the token and authorization
// endpoints' client lookup.
func (q *Queries) AppByClientID(ctx context.Context, instanceID, clientID string) (*App, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE instance_id = ? AND client_id = ?`,
		instanceID, clientID)
	return q.scanApp(ctx, instanceID, row)
}

// SearchApps lists applications, optionally narrowed to a project.
func (q *Queries) SearchApps(ctx context.Context, instanceID, projectID string, opts SearchOptions) ([]*App, error) {
	stmt := `SELECT id FROM apps WHERE instance_id = ?`
	args := []any{instanceID}
	if projectID != "" {
		stmt += ` AND project_id = ?`
		args = append(args, projectID)
	}
	stmt += ` ORDER BY name, id`
	clause, limitArgs := opts.clause()
	stmt += clause
	args = append(args, limitArgs...)

	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-app-05", "cannot search applications")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-app-06", "cannot scan application")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	apps := make([]*App, 0, len(ids))
	for _, id := range ids {
		a, err := q.AppByID(ctx, instanceID, id)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, nil
}
