package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trustplane/trustplane/pkg/zerrors"
)

// Project is one row of the projects view.
type Project struct {
	ID            string
	ResourceOwner string
	Name          string
	State         string
	Sequence      int64
	CreatedAt     time.Time
	ChangedAt     time.Time
}

// ProjectRole is one declared role of a project.
type ProjectRole struct {
	ProjectID   string
	Key         string
	DisplayName string
}

// ProjectByID returns one project of the instance.
func (q *Queries) ProjectByID(ctx context.Context, instanceID, projectID string) (*Project, error) {
	p := &Project{}
	var createdAt, changedAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, resource_owner, name, state, sequence, created_at, changed_at
		 FROM projects WHERE instance_id = ? AND id = ?`,
		instanceID, projectID,
	).Scan(&p.ID, &p.ResourceOwner, &p.Name, &p.State, &p.Sequence, &createdAt, &changedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-proj-01", "project not found")
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-proj-02", "cannot scan project")
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.ChangedAt = time.Unix(0, changedAt).UTC()
	return p, nil
}

// SearchProjects lists the projects of one organization.
func (q *Queries) SearchProjects(ctx context.Context, instanceID, orgID string, opts SearchOptions) ([]*Project, error) {
	stmt := `SELECT id, resource_owner, name, state, sequence, created_at, changed_at
		 FROM projects WHERE instance_id = ?`
	args := []any{instanceID}
	if orgID != "" {
		stmt += ` AND resource_owner = ?`
		args = append(args, orgID)
	}
	stmt += ` ORDER BY name, id`
	clause, limitArgs := opts.clause()
	stmt += clause
	args = append(args, limitArgs...)

	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-proj-03", "cannot search projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{}
		var createdAt, changedAt int64
		if err := rows.Scan(&p.ID, &p.ResourceOwner, &p.Name, &p.State, &p.Sequence, &createdAt, &changedAt); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-proj-04", "cannot scan project")
		}
		p.CreatedAt = time.Unix(0, createdAt).UTC()
		p.ChangedAt = time.Unix(0, changedAt).UTC()
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ProjectRoles lists the declared roles of one project.
func (q *Queries) ProjectRoles(ctx context.Context, instanceID, projectID string) ([]*ProjectRole, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT project_id, role_key, display_name FROM project_roles
		 WHERE instance_id = ? AND project_id = ? ORDER BY role_key`,
		instanceID, projectID)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-proj-05", "cannot list project roles")
	}
	defer rows.Close()

	var roles []*ProjectRole
	for rows.Next() {
		r := &ProjectRole{}
		if err := rows.Scan(&r.ProjectID, &r.Key, &r.DisplayName); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-proj-06", "cannot scan project role")
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Instance is the tenant row.
type Instance struct {
	ID           string
	Name         string
	DefaultOrgID string
}

// InstanceByID returns the tenant's instance row.
func (q *Queries) InstanceByID(ctx context.Context, instanceID string) (*Instance, error) {
	i := &Instance{}
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, default_org_id FROM instances WHERE instance_id = ? AND id = ?`,
		instanceID, instanceID,
	).Scan(&i.ID, &i.Name, &i.DefaultOrgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-inst-01", "instance not found")
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-inst-02", "cannot scan instance")
	}
	return i, nil
}
