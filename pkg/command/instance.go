package command

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	InstanceAddedType   = "instance.added"
	InstanceChangedType = "instance.changed"
)

type instanceAddedPayload struct {
	Name         string `json:"name"`
	DefaultOrgID string `json:"default_org_id"`
}

type instanceChangedPayload struct {
	Name string `json:"name"`
}

type instanceWriteModel struct {
	writeModel

	Exists       bool
	Name         string
	DefaultOrgID string
}

func (wm *instanceWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	switch e.EventType {
	case InstanceAddedType:
		var p instanceAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Exists = true
		wm.Name = p.Name
		wm.DefaultOrgID = p.DefaultOrgID
	case InstanceChangedType:
		var p instanceChangedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Name = p.Name
	}
	return nil
}

// SetupInstanceResult reports the aggregates created by SetupInstance.
type SetupInstanceResult struct {
	InstanceID   string
	DefaultOrgID string
	Details      *ObjectDetails
}

// SetupInstance bootstraps a tenant: the instance aggregate and its default
// organization commit in one push. The instance ID comes from the call
// context; running setup twice fails.
func (c *Commands) SetupInstance(ctx context.Context, name, defaultOrgName string) (*SetupInstanceResult, error) {
	var result *SetupInstanceResult
	_, err := c.run(ctx, "instance.setup", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if strings.TrimSpace(name) == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-inst-01", "instance name is required")
		}
		if strings.TrimSpace(defaultOrgName) == "" {
			defaultOrgName = name
		}

		wm := &instanceWriteModel{writeModel: writeModel{AggregateID: authz.InstanceID}}
		if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateInstance, authz.InstanceID, wm); err != nil {
			return nil, err
		}
		if wm.Exists {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-inst-02", "instance already set up")
		}

		orgID := c.idGen()
		details, err := c.push(ctx, authz,
			eventstore.NewIntent(eventstore.AggregateInstance, authz.InstanceID, authz.InstanceID, 0,
				&eventstore.Command{
					EventType: InstanceAddedType,
					Revision:  1,
					Payload:   instanceAddedPayload{Name: strings.TrimSpace(name), DefaultOrgID: orgID},
				},
			),
			eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, 0,
				&eventstore.Command{
					EventType: OrgAddedType,
					Revision:  1,
					Payload:   orgAddedPayload{Name: strings.TrimSpace(defaultOrgName)},
					Constraints: []*eventstore.UniqueConstraint{
						eventstore.NewAddUniqueConstraint(UniqueOrgName, strings.ToLower(norm.NFKC.String(strings.TrimSpace(defaultOrgName)))),
					},
				},
			),
		)
		if err != nil {
			return nil, err
		}
		result = &SetupInstanceResult{InstanceID: authz.InstanceID, DefaultOrgID: orgID, Details: details}
		return details, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ChangeInstance renames the instance. Identical names are a no-op.
func (c *Commands) ChangeInstance(ctx context.Context, name string) (*ObjectDetails, error) {
	return c.run(ctx, "instance.change", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-inst-03", "instance name is required")
		}
		wm := &instanceWriteModel{writeModel: writeModel{AggregateID: authz.InstanceID}}
		if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateInstance, authz.InstanceID, wm); err != nil {
			return nil, err
		}
		if !wm.Exists {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-inst-04", "instance not set up")
		}
		if wm.Name == trimmed {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateInstance, authz.InstanceID, authz.InstanceID, wm.Version,
			&eventstore.Command{
				EventType: InstanceChangedType,
				Revision:  1,
				Payload:   instanceChangedPayload{Name: trimmed},
			},
		))
	})
}
