package command

import (
	"context"
	"slices"
	"strings"

	"github.com/asaskevich/govalidator"
	"golang.org/x/text/unicode/norm"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	OrgAddedType            = "org.added"
	OrgChangedType          = "org.changed"
	OrgDomainAddedType      = "org.domain.added"
	OrgDomainVerifiedType   = "org.domain.verified"
	OrgDomainPrimarySetType = "org.domain.primary.set"
	OrgDomainRemovedType    = "org.domain.removed"
	OrgMemberAddedType      = "org.member.added"
	OrgMemberChangedType    = "org.member.changed"
	OrgMemberRemovedType    = "org.member.removed"
	LoginPolicyAddedType    = "org.policy.login.added"
	LoginPolicyChangedType  = "org.policy.login.changed"

	// UniqueOrgName scopes organization names to the instance.
	UniqueOrgName = "org.name"
	// UniqueOrgDomain scopes domains to one organization: the same domain
	// may be claimed by different organizations of an instance.
	UniqueOrgDomain = "org.domain"
)

type orgState int

const (
	orgStateUnspecified orgState = iota
	orgStateActive
)

// LoginPolicy declares which factors SucceedAuthRequest requires. Policies
// are written at organization scope; instances without one fall back to the
// built-in defaults.
type LoginPolicy struct {
	PasswordRequired bool
	TOTPRequired     bool
}

type orgAddedPayload struct {
	Name string `json:"name"`
}

type orgDomainPayload struct {
	Domain string `json:"domain"`
}

type orgMemberPayload struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

type loginPolicyPayload struct {
	PasswordRequired bool `json:"password_required"`
	TOTPRequired     bool `json:"totp_required"`
}

type orgDomain struct {
	Verified bool
	Primary  bool
}

type orgWriteModel struct {
	writeModel

	State       orgState
	Name        string
	Domains     map[string]*orgDomain
	Members     map[string][]string
	LoginPolicy *LoginPolicy
}

func newOrgWriteModel(orgID string) *orgWriteModel {
	return &orgWriteModel{
		writeModel: writeModel{AggregateID: orgID},
		Domains:    map[string]*orgDomain{},
		Members:    map[string][]string{},
	}
}

func (wm *orgWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	switch e.EventType {
	case OrgAddedType:
		var p orgAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = orgStateActive
		wm.Name = p.Name
	case OrgChangedType:
		var p orgAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Name = p.Name
	case OrgDomainAddedType:
		var p orgDomainPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Domains[p.Domain] = &orgDomain{}
	case OrgDomainVerifiedType:
		var p orgDomainPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		if d := wm.Domains[p.Domain]; d != nil {
			d.Verified = true
		}
	case OrgDomainPrimarySetType:
		var p orgDomainPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		for name, d := range wm.Domains {
			d.Primary = name == p.Domain
		}
	case OrgDomainRemovedType:
		var p orgDomainPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		delete(wm.Domains, p.Domain)
	case OrgMemberAddedType, OrgMemberChangedType:
		var p orgMemberPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Members[p.UserID] = p.Roles
	case OrgMemberRemovedType:
		var p orgMemberPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		delete(wm.Members, p.UserID)
	case LoginPolicyAddedType, LoginPolicyChangedType:
		var p loginPolicyPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.LoginPolicy = &LoginPolicy{PasswordRequired: p.PasswordRequired, TOTPRequired: p.TOTPRequired}
	}
	return nil
}

func normalizeDomain(domain string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(domain)))
}

func orgDomainConstraintValue(orgID, domain string) string {
	return orgID + ":" + normalizeDomain(domain)
}

func (c *Commands) loadOrg(ctx context.Context, authz authctx.Context, orgID string) (*orgWriteModel, error) {
	if orgID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-org-01", "organization ID is required")
	}
	wm := newOrgWriteModel(orgID)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateOrg, orgID, wm); err != nil {
		return nil, err
	}
	if wm.State == orgStateUnspecified {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-org-02", "organization not found")
	}
	return wm, nil
}

// AddOrg creates an organization and claims its name instance-wide. The
// acting user, if any, becomes its first member.
func (c *Commands) AddOrg(ctx context.Context, name string) (*ObjectDetails, error) {
	return c.run(ctx, "org.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-org-03", "organization name is required")
		}
		orgID := c.idGen()
		cmds := []*eventstore.Command{{
			EventType: OrgAddedType,
			Revision:  1,
			Payload:   orgAddedPayload{Name: trimmed},
			Constraints: []*eventstore.UniqueConstraint{
				eventstore.NewAddUniqueConstraint(UniqueOrgName, strings.ToLower(norm.NFKC.String(trimmed))),
			},
		}}
		if authz.UserID != "" {
			cmds = append(cmds, &eventstore.Command{
				EventType: OrgMemberAddedType,
				Revision:  1,
				Payload:   orgMemberPayload{UserID: authz.UserID, Roles: []string{"ORG_OWNER"}},
			})
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, 0, cmds...))
	})
}

// ChangeOrg renames the organization. The old name is released and the new
// one claimed atomically. Identical names are a no-op.
func (c *Commands) ChangeOrg(ctx context.Context, orgID, name string) (*ObjectDetails, error) {
	return c.run(ctx, "org.change", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-org-04", "organization name is required")
		}
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		if wm.Name == trimmed {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: OrgChangedType,
				Revision:  1,
				Payload:   orgAddedPayload{Name: trimmed},
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueOrgName, strings.ToLower(norm.NFKC.String(wm.Name))),
					eventstore.NewAddUniqueConstraint(UniqueOrgName, strings.ToLower(norm.NFKC.String(trimmed))),
				},
			},
		))
	})
}

// AddOrgDomain claims a domain for the organization.
func (c *Commands) AddOrgDomain(ctx context.Context, orgID, domain string) (*ObjectDetails, error) {
	return c.run(ctx, "org.domain.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		normalized := normalizeDomain(domain)
		if normalized == "" || !govalidator.IsDNSName(normalized) {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-org-05", "domain %q is invalid", domain)
		}
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		if _, ok := wm.Domains[normalized]; ok {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-org-06", "domain already exists")
		}
		constraint := eventstore.NewAddUniqueConstraint(UniqueOrgDomain, orgDomainConstraintValue(orgID, normalized))
		constraint.ErrorID = "COMMAND-org-07"
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType:   OrgDomainAddedType,
				Revision:    1,
				Payload:     orgDomainPayload{Domain: normalized},
				Constraints: []*eventstore.UniqueConstraint{constraint},
			},
		))
	})
}

// VerifyOrgDomain marks a domain as ownership-verified. Verification is a
// precondition for making it primary.
func (c *Commands) VerifyOrgDomain(ctx context.Context, orgID, domain string) (*ObjectDetails, error) {
	return c.run(ctx, "org.domain.verify", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		normalized := normalizeDomain(domain)
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		d, ok := wm.Domains[normalized]
		if !ok {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-org-08", "domain not found")
		}
		if d.Verified {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: OrgDomainVerifiedType,
				Revision:  1,
				Payload:   orgDomainPayload{Domain: normalized},
			},
		))
	})
}

// SetPrimaryOrgDomain makes a verified domain the organization's primary.
func (c *Commands) SetPrimaryOrgDomain(ctx context.Context, orgID, domain string) (*ObjectDetails, error) {
	return c.run(ctx, "org.domain.set_primary", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		normalized := normalizeDomain(domain)
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		d, ok := wm.Domains[normalized]
		if !ok {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-org-09", "domain not found")
		}
		if !d.Verified {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-org-10", "domain not verified")
		}
		if d.Primary {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: OrgDomainPrimarySetType,
				Revision:  1,
				Payload:   orgDomainPayload{Domain: normalized},
			},
		))
	})
}

// RemoveOrgDomain releases a domain. The primary domain cannot be removed.
func (c *Commands) RemoveOrgDomain(ctx context.Context, orgID, domain string) (*ObjectDetails, error) {
	return c.run(ctx, "org.domain.remove", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		normalized := normalizeDomain(domain)
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		d, ok := wm.Domains[normalized]
		if !ok {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-org-11", "domain not found")
		}
		if d.Primary {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-org-12", "cannot remove primary domain")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: OrgDomainRemovedType,
				Revision:  1,
				Payload:   orgDomainPayload{Domain: normalized},
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueOrgDomain, orgDomainConstraintValue(orgID, normalized)),
				},
			},
		))
	})
}

// AddOrgMember adds a user to the organization with the given roles.
func (c *Commands) AddOrgMember(ctx context.Context, orgID, userID string, roles ...string) (*ObjectDetails, error) {
	return c.run(ctx, "org.member.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if userID == "" || len(roles) == 0 {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-org-13", "user ID and roles are required")
		}
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		if _, ok := wm.Members[userID]; ok {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-org-14", "user already a member")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: OrgMemberAddedType,
				Revision:  1,
				Payload:   orgMemberPayload{UserID: userID, Roles: roles},
			},
		))
	})
}

// ChangeOrgMember replaces a member's roles. Identical roles are a no-op.
func (c *Commands) ChangeOrgMember(ctx context.Context, orgID, userID string, roles ...string) (*ObjectDetails, error) {
	return c.run(ctx, "org.member.change", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if userID == "" || len(roles) == 0 {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-org-15", "user ID and roles are required")
		}
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		current, ok := wm.Members[userID]
		if !ok {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-org-16", "member not found")
		}
		if slices.Equal(current, roles) {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: OrgMemberChangedType,
				Revision:  1,
				Payload:   orgMemberPayload{UserID: userID, Roles: roles},
			},
		))
	})
}

// RemoveOrgMember removes a member from the organization.
func (c *Commands) RemoveOrgMember(ctx context.Context, orgID, userID string) (*ObjectDetails, error) {
	return c.run(ctx, "org.member.remove", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		if _, ok := wm.Members[userID]; !ok {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-org-17", "member not found")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: OrgMemberRemovedType,
				Revision:  1,
				Payload:   orgMemberPayload{UserID: userID},
			},
		))
	})
}

// AddLoginPolicy declares the factor requirements of an organization.
func (c *Commands) AddLoginPolicy(ctx context.Context, orgID string, policy LoginPolicy) (*ObjectDetails, error) {
	return c.run(ctx, "org.policy.login.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		if wm.LoginPolicy != nil {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-org-18", "login policy already exists")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: LoginPolicyAddedType,
				Revision:  1,
				Payload:   loginPolicyPayload{PasswordRequired: policy.PasswordRequired, TOTPRequired: policy.TOTPRequired},
			},
		))
	})
}

// ChangeLoginPolicy updates the factor requirements. Identical values are a
// no-op.
func (c *Commands) ChangeLoginPolicy(ctx context.Context, orgID string, policy LoginPolicy) (*ObjectDetails, error) {
	return c.run(ctx, "org.policy.login.change", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadOrg(ctx, authz, orgID)
		if err != nil {
			return nil, err
		}
		if wm.LoginPolicy == nil {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-org-19", "login policy not found")
		}
		if *wm.LoginPolicy == policy {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateOrg, orgID, orgID, wm.Version,
			&eventstore.Command{
				EventType: LoginPolicyChangedType,
				Revision:  1,
				Payload:   loginPolicyPayload{PasswordRequired: policy.PasswordRequired, TOTPRequired: policy.TOTPRequired},
			},
		))
	})
}

// loginPolicyFor resolves the effective login policy of an organization.
// Organizations without a policy use the built-in defaults. Instance-level
// policy is read-only: writes happen at organization scope.
func (c *Commands) loginPolicyFor(ctx context.Context, authz authctx.Context, orgID string) (LoginPolicy, error) {
	defaults := LoginPolicy{PasswordRequired: true}
	if orgID == "" {
		return defaults, nil
	}
	wm := newOrgWriteModel(orgID)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateOrg, orgID, wm); err != nil {
		return defaults, err
	}
	if wm.LoginPolicy == nil {
		return defaults, nil
	}
	return *wm.LoginPolicy, nil
}
