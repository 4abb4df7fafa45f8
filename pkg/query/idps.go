package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trustplane/trustplane/pkg/zerrors"
)

// IDP is one identity-provider registration. Config carries the stored
// payload with encrypted secrets; callers decrypt through the secrets layer.
type IDP struct {
	ID            string
	ResourceOwner string
	Scope         string
	Kind          string
	Name          string
	State         string
	Config        []byte
	Sequence      int64
	CreatedAt     time.Time
	ChangedAt     time.Time
}

const idpColumns = `id, resource_owner, scope, kind, name, state, config, sequence, created_at, changed_at`

func scanIDP(scanner interface{ Scan(...any) error }) (*IDP, error) {
	p := &IDP{}
	var createdAt, changedAt int64
	err := scanner.Scan(&p.ID, &p.ResourceOwner, &p.Scope, &p.Kind, &p.Name,
		&p.State, &p.Config, &p.Sequence, &createdAt, &changedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.ChangedAt = time.Unix(0, changedAt).UTC()
	return p, nil
}

// IDPByID returns one provider of the instance.
func (q *Queries) IDPByID(ctx context.Context, instanceID, idpID string) (*IDP, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+idpColumns+` FROM idps WHERE instance_id = ? AND id = ?`,
		instanceID, idpID)
	p, err := scanIDP(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-idp-01", "identity provider not found")
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-idp-02", "cannot scan identity provider")
	}
	return p, nil
}

// ActiveIDPs lists the providers a login page offers: the org's own plus the
// instance-wide ones. An empty orgID lists only instance-scoped providers.
func (q *Queries) ActiveIDPs(ctx context.Context, instanceID, orgID string) ([]*IDP, error) {
	stmt := `SELECT ` + idpColumns + ` FROM idps
		 WHERE instance_id = ? AND state = 'active' AND (scope = 'instance'`
	args := []any{instanceID}
	if orgID != "" {
		stmt += ` OR resource_owner = ?`
		args = append(args, orgID)
	}
	stmt += `) ORDER BY name, id`

	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-idp-03", "cannot list identity providers")
	}
	defer rows.Close()

	var idps []*IDP
	for rows.Next() {
		p, err := scanIDP(rows)
		if err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-idp-04", "cannot scan identity provider")
		}
		idps = append(idps, p)
	}
	return idps, rows.Err()
}
