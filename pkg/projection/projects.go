package projection

import (
	"context"
	"database/sql"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// ProjectsProjection materializes projects and their roles.
type ProjectsProjection struct{}

func NewProjectsProjection() *ProjectsProjection { return &ProjectsProjection{} }

func (*ProjectsProjection) Name() string { return "projects" }

func (*ProjectsProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateProject}
}

func (*ProjectsProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS projects (
	instance_id    TEXT NOT NULL,
	id             TEXT NOT NULL,
	resource_owner TEXT NOT NULL,
	name           TEXT NOT NULL,
	state          TEXT NOT NULL,
	sequence       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	changed_at     INTEGER NOT NULL,
	PRIMARY KEY (instance_id, id)
);

CREATE TABLE IF NOT EXISTS project_roles (
	instance_id  TEXT NOT NULL,
	project_id   TEXT NOT NULL,
	role_key     TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (instance_id, project_id, role_key)
);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-projects-01", "cannot create projects tables")
	}
	return nil
}

func (*ProjectsProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	for _, table := range []string{"projects", "project_roles"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE instance_id = ?`, instanceID); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-projects-02", "cannot reset %s table", table)
		}
	}
	return nil
}

func (p *ProjectsProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case command.ProjectAddedType:
		var payload struct {
			Name string `json:"name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO projects (instance_id, id, resource_owner, name, state, sequence, created_at, changed_at)
VALUES (?, ?, ?, ?, 'active', ?, ?, ?)
ON CONFLICT (instance_id, id) DO NOTHING`,
			event.InstanceID, event.AggregateID, event.Owner, payload.Name,
			event.AggregateVersion, event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-projects-03", "cannot insert project row")
		}
		return nil
	case command.ProjectChangedType:
		var payload struct {
			Name string `json:"name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "name = ?", payload.Name)
	case command.ProjectDeactivatedType:
		return p.update(ctx, tx, event, "state = 'inactive'")
	case command.ProjectReactivatedType:
		return p.update(ctx, tx, event, "state = 'active'")
	case command.ProjectRemovedType:
		for _, stmt := range []string{
			`DELETE FROM projects WHERE instance_id = ? AND id = ?`,
			`DELETE FROM project_roles WHERE instance_id = ? AND project_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, event.InstanceID, event.AggregateID); err != nil {
				return zerrors.ThrowInternal(err, "PROJ-projects-04", "cannot delete project rows")
			}
		}
		return nil
	case command.ProjectRoleAddedType:
		var payload struct {
			Key         string `json:"key"`
			DisplayName string `json:"display_name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO project_roles (instance_id, project_id, role_key, display_name) VALUES (?, ?, ?, ?)
ON CONFLICT (instance_id, project_id, role_key) DO UPDATE SET display_name = excluded.display_name`,
			event.InstanceID, event.AggregateID, payload.Key, payload.DisplayName,
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-projects-05", "cannot upsert project role")
		}
		return p.update(ctx, tx, event, "name = name")
	case command.ProjectRoleRemovedType:
		var payload struct {
			Key string `json:"key"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM project_roles WHERE instance_id = ? AND project_id = ? AND role_key = ?`,
			event.InstanceID, event.AggregateID, payload.Key,
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-projects-06", "cannot remove project role")
		}
		return p.update(ctx, tx, event, "name = name")
	}
	return nil
}

func (*ProjectsProjection) update(ctx context.Context, tx *sql.Tx, event *eventstore.Event, set string, args ...any) error {
	args = append(args, event.AggregateVersion, event.CreatedAt.UnixNano(), event.InstanceID, event.AggregateID, event.AggregateVersion)
	_, err := tx.ExecContext(ctx,
		`UPDATE projects SET `+set+`, sequence = ?, changed_at = ?
		 WHERE instance_id = ? AND id = ? AND sequence < ?`,
		args...,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-projects-07", "cannot update project row")
	}
	return nil
}
