package command

import (
	"context"
	"strings"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	ProjectAddedType       = "project.added"
	ProjectChangedType     = "project.changed"
	ProjectDeactivatedType = "project.deactivated"
	ProjectReactivatedType = "project.reactivated"
	ProjectRemovedType     = "project.removed"
	ProjectRoleAddedType   = "project.role.added"
	ProjectRoleRemovedType = "project.role.removed"
)

type projectState int

const (
	projectStateUnspecified projectState = iota
	projectStateActive
	projectStateInactive
	projectStateDeleted
)

type projectAddedPayload struct {
	Name string `json:"name"`
}

type projectRolePayload struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name,omitempty"`
}

type projectWriteModel struct {
	writeModel

	State projectState
	Name  string
	Roles map[string]string
}

func newProjectWriteModel(projectID string) *projectWriteModel {
	return &projectWriteModel{
		writeModel: writeModel{AggregateID: projectID},
		Roles:      map[string]string{},
	}
}

func (wm *projectWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	switch e.EventType {
	case ProjectAddedType:
		var p projectAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = projectStateActive
		wm.Name = p.Name
	case ProjectChangedType:
		var p projectAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Name = p.Name
	case ProjectDeactivatedType:
		wm.State = projectStateInactive
	case ProjectReactivatedType:
		wm.State = projectStateActive
	case ProjectRemovedType:
		wm.State = projectStateDeleted
	case ProjectRoleAddedType:
		var p projectRolePayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Roles[p.Key] = p.DisplayName
	case ProjectRoleRemovedType:
		var p projectRolePayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		delete(wm.Roles, p.Key)
	}
	return nil
}

func (c *Commands) loadProject(ctx context.Context, authz authctx.Context, orgID, projectID string) (*projectWriteModel, error) {
	if projectID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-proj-01", "project ID is required")
	}
	wm := newProjectWriteModel(projectID)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateProject, projectID, wm); err != nil {
		return nil, err
	}
	if wm.State == projectStateUnspecified {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-proj-02", "project not found")
	}
	if orgID != "" && wm.ResourceOwner != orgID {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-proj-03", "project not found")
	}
	if wm.State == projectStateDeleted {
		return nil, zerrors.ThrowPrecondition(nil, "COMMAND-proj-04", "project deleted")
	}
	return wm, nil
}

// AddProject creates a project owned by orgID.
func (c *Commands) AddProject(ctx context.Context, orgID, name string) (*ObjectDetails, error) {
	return c.run(ctx, "project.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if orgID == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-proj-05", "organization ID is required")
		}
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-proj-06", "project name is required")
		}
		projectID := c.idGen()
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateProject, projectID, orgID, 0,
			&eventstore.Command{
				EventType: ProjectAddedType,
				Revision:  1,
				Payload:   projectAddedPayload{Name: trimmed},
			},
		))
	})
}

// ChangeProject renames the project. Identical names are a no-op.
func (c *Commands) ChangeProject(ctx context.Context, orgID, projectID, name string) (*ObjectDetails, error) {
	return c.run(ctx, "project.change", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-proj-07", "project name is required")
		}
		wm, err := c.loadProject(ctx, authz, orgID, projectID)
		if err != nil {
			return nil, err
		}
		if wm.Name == trimmed {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateProject, projectID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: ProjectChangedType,
				Revision:  1,
				Payload:   projectAddedPayload{Name: trimmed},
			},
		))
	})
}

// DeactivateProject suspends the project.
func (c *Commands) DeactivateProject(ctx context.Context, orgID, projectID string) (*ObjectDetails, error) {
	return c.run(ctx, "project.deactivate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadProject(ctx, authz, orgID, projectID)
		if err != nil {
			return nil, err
		}
		if wm.State == projectStateInactive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-proj-08", "project already inactive")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateProject, projectID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: ProjectDeactivatedType, Revision: 1},
		))
	})
}

// ReactivateProject reverts a deactivation.
func (c *Commands) ReactivateProject(ctx context.Context, orgID, projectID string) (*ObjectDetails, error) {
	return c.run(ctx, "project.reactivate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadProject(ctx, authz, orgID, projectID)
		if err != nil {
			return nil, err
		}
		if wm.State != projectStateInactive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-proj-09", "project not inactive")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateProject, projectID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: ProjectReactivatedType, Revision: 1},
		))
	})
}

// RemoveProject deletes the project. Terminal.
func (c *Commands) RemoveProject(ctx context.Context, orgID, projectID string) (*ObjectDetails, error) {
	return c.run(ctx, "project.remove", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadProject(ctx, authz, orgID, projectID)
		if err != nil {
			return nil, err
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateProject, projectID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: ProjectRemovedType, Revision: 1},
		))
	})
}

// AddProjectRole registers a grantable role key on the project.
func (c *Commands) AddProjectRole(ctx context.Context, orgID, projectID, key, displayName string) (*ObjectDetails, error) {
	return c.run(ctx, "project.role.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if strings.TrimSpace(key) == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-proj-10", "role key is required")
		}
		wm, err := c.loadProject(ctx, authz, orgID, projectID)
		if err != nil {
			return nil, err
		}
		if _, ok := wm.Roles[key]; ok {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-proj-11", "role already exists")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateProject, projectID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: ProjectRoleAddedType,
				Revision:  1,
				Payload:   projectRolePayload{Key: key, DisplayName: displayName},
			},
		))
	})
}

// RemoveProjectRole removes a role key from the project.
func (c *Commands) RemoveProjectRole(ctx context.Context, orgID, projectID, key string) (*ObjectDetails, error) {
	return c.run(ctx, "project.role.remove", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadProject(ctx, authz, orgID, projectID)
		if err != nil {
			return nil, err
		}
		if _, ok := wm.Roles[key]; !ok {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-proj-12", "role not found")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateProject, projectID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: ProjectRoleRemovedType,
				Revision:  1,
				Payload:   projectRolePayload{Key: key},
			},
		))
	})
}
