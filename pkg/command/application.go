package command

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/id"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	ApplicationOIDCAddedType          = "application.oidc.added"
	ApplicationChangedType            = "application.changed"
	ApplicationRedirectURIAddedType   = "application.redirect_uri.added"
	ApplicationRedirectURIRemovedType = "application.redirect_uri.removed"
	ApplicationSecretChangedType      = "application.secret.changed"
	ApplicationDeactivatedType        = "application.deactivated"
	ApplicationReactivatedType        = "application.reactivated"
	ApplicationRemovedType            = "application.removed"

	// UniqueClientID scopes OAuth client IDs to the instance.
	UniqueClientID = "application.client_id"
)

// Token endpoint auth methods accepted for OIDC applications.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

type appState int

const (
	appStateUnspecified appState = iota
	appStateActive
	appStateInactive
	appStateDeleted
)

// OIDCApp is the input for AddOIDCApplication.
type OIDCApp struct {
	ProjectID     string
	Name          string
	RedirectURIs  []string
	ResponseTypes []string
	GrantTypes    []string
	AuthMethod    string
}

// AddedOIDCApp reports the generated credentials of a new application. The
// plaintext secret is returned exactly once; only its hash is stored.
type AddedOIDCApp struct {
	AppID        string
	ClientID     string
	ClientSecret string
	Details      *ObjectDetails
}

type appOIDCAddedPayload struct {
	ProjectID     string   `json:"project_id,omitempty"`
	Name          string   `json:"name"`
	ClientID      string   `json:"client_id"`
	RedirectURIs  []string `json:"redirect_uris"`
	ResponseTypes []string `json:"response_types,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	AuthMethod    string   `json:"auth_method"`
	SecretHash    string   `json:"secret_hash,omitempty"`
}

type appChangedPayload struct {
	Name string `json:"name"`
}

type appRedirectURIPayload struct {
	URI string `json:"uri"`
}

type appSecretChangedPayload struct {
	SecretHash string `json:"secret_hash"`
}

type appWriteModel struct {
	writeModel

	State         appState
	ProjectID     string
	Name          string
	ClientID      string
	RedirectURIs  []string
	ResponseTypes []string
	GrantTypes    []string
	AuthMethod    string
	SecretHash    string
}

func newAppWriteModel(appID string) *appWriteModel {
	return &appWriteModel{writeModel: writeModel{AggregateID: appID}}
}

func (wm *appWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	switch e.EventType {
	case ApplicationOIDCAddedType:
		var p appOIDCAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = appStateActive
		wm.ProjectID = p.ProjectID
		wm.Name = p.Name
		wm.ClientID = p.ClientID
		wm.RedirectURIs = p.RedirectURIs
		wm.ResponseTypes = p.ResponseTypes
		wm.GrantTypes = p.GrantTypes
		wm.AuthMethod = p.AuthMethod
		wm.SecretHash = p.SecretHash
	case ApplicationChangedType:
		var p appChangedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Name = p.Name
	case ApplicationRedirectURIAddedType:
		var p appRedirectURIPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.RedirectURIs = append(wm.RedirectURIs, p.URI)
	case ApplicationRedirectURIRemovedType:
		var p appRedirectURIPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.RedirectURIs = slices.DeleteFunc(wm.RedirectURIs, func(u string) bool { return u == p.URI })
	case ApplicationSecretChangedType:
		var p appSecretChangedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.SecretHash = p.SecretHash
	case ApplicationDeactivatedType:
		wm.State = appStateInactive
	case ApplicationReactivatedType:
		wm.State = appStateActive
	case ApplicationRemovedType:
		wm.State = appStateDeleted
	}
	return nil
}

// ValidateRedirectURI checks one redirect URI: it must be absolute, carry no
// fragment, and web URIs must use HTTPS except for localhost development
// callbacks. Custom schemes are allowed for native applications.
func ValidateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return zerrors.ThrowInvalidArgument(err, "COMMAND-app-01", "redirect URI %q is invalid", raw)
	}
	if u.Fragment != "" {
		return zerrors.ThrowInvalidArgument(nil, "COMMAND-app-02", "redirect URI must not contain a fragment")
	}
	if u.Scheme == "http" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return zerrors.ThrowInvalidArgument(nil, "COMMAND-app-03", "http redirect URIs are only allowed for localhost")
	}
	return nil
}

func (c *Commands) loadApplication(ctx context.Context, authz authctx.Context, orgID, appID string) (*appWriteModel, error) {
	if appID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-app-04", "application ID is required")
	}
	wm := newAppWriteModel(appID)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateApplication, appID, wm); err != nil {
		return nil, err
	}
	if wm.State == appStateUnspecified {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-app-05", "application not found")
	}
	if orgID != "" && wm.ResourceOwner != orgID {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-app-06", "application not found")
	}
	if wm.State == appStateDeleted {
		return nil, zerrors.ThrowPrecondition(nil, "COMMAND-app-07", "application deleted")
	}
	return wm, nil
}

// AddOIDCApplication registers an OIDC client. It generates the client ID
// and, for confidential auth methods, a client secret whose hash goes into
// the event. Grant and response types must be consistent.
func (c *Commands) AddOIDCApplication(ctx context.Context, orgID string, app OIDCApp) (*AddedOIDCApp, error) {
	var added *AddedOIDCApp
	_, err := c.run(ctx, "application.oidc.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if orgID == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-app-08", "organization ID is required")
		}
		if strings.TrimSpace(app.Name) == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-app-09", "application name is required")
		}
		if len(app.RedirectURIs) == 0 {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-app-10", "at least one redirect URI is required")
		}
		for _, uri := range app.RedirectURIs {
			if err := ValidateRedirectURI(uri); err != nil {
				return nil, err
			}
		}
		if len(app.GrantTypes) == 0 {
			app.GrantTypes = []string{"authorization_code"}
		}
		if len(app.ResponseTypes) == 0 {
			app.ResponseTypes = []string{"code"}
		}
		if slices.Contains(app.ResponseTypes, "code") && !slices.Contains(app.GrantTypes, "authorization_code") {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-app-11", "response type code requires the authorization_code grant")
		}
		switch app.AuthMethod {
		case "":
			app.AuthMethod = AuthMethodClientSecretBasic
		case AuthMethodNone, AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
		default:
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-app-12", "unsupported auth method %q", app.AuthMethod)
		}

		appID := c.idGen()
		clientID := id.Request()
		payload := appOIDCAddedPayload{
			ProjectID:     app.ProjectID,
			Name:          strings.TrimSpace(app.Name),
			ClientID:      clientID,
			RedirectURIs:  app.RedirectURIs,
			ResponseTypes: app.ResponseTypes,
			GrantTypes:    app.GrantTypes,
			AuthMethod:    app.AuthMethod,
		}

		var secret string
		if app.AuthMethod != AuthMethodNone {
			secret = crypto.NewOpaqueCode()
			hash, err := crypto.HashPassword(secret, c.passwordCost)
			if err != nil {
				return nil, zerrors.ThrowInternal(err, "COMMAND-app-13", "cannot hash client secret")
			}
			payload.SecretHash = hash
		}

		constraint := eventstore.NewAddUniqueConstraint(UniqueClientID, clientID)
		constraint.ErrorID = "COMMAND-app-14"
		details, err := c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateApplication, appID, orgID, 0,
			&eventstore.Command{
				EventType:   ApplicationOIDCAddedType,
				Revision:    1,
				Payload:     payload,
				Constraints: []*eventstore.UniqueConstraint{constraint},
			},
		))
		if err != nil {
			return nil, err
		}
		added = &AddedOIDCApp{AppID: appID, ClientID: clientID, ClientSecret: secret, Details: details}
		return details, nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// ChangeApplication renames the application. Identical names are a no-op.
func (c *Commands) ChangeApplication(ctx context.Context, orgID, appID, name string) (*ObjectDetails, error) {
	return c.run(ctx, "application.change", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-app-15", "application name is required")
		}
		wm, err := c.loadApplication(ctx, authz, orgID, appID)
		if err != nil {
			return nil, err
		}
		if wm.Name == trimmed {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateApplication, appID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: ApplicationChangedType,
				Revision:  1,
				Payload:   appChangedPayload{Name: trimmed},
			},
		))
	})
}

// AddRedirectURI registers an additional redirect URI.
func (c *Commands) AddRedirectURI(ctx context.Context, orgID, appID, uri string) (*ObjectDetails, error) {
	return c.run(ctx, "application.redirect_uri.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
		wm, err := c.loadApplication(ctx, authz, orgID, appID)
		if err != nil {
			return nil, err
		}
		if slices.Contains(wm.RedirectURIs, uri) {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-app-16", "redirect URI already exists")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateApplication, appID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: ApplicationRedirectURIAddedType,
				Revision:  1,
				Payload:   appRedirectURIPayload{URI: uri},
			},
		))
	})
}

// RemoveRedirectURI removes a redirect URI. The last one cannot be removed:
// an OIDC client without redirect URIs cannot complete any flow.
func (c *Commands) RemoveRedirectURI(ctx context.Context, orgID, appID, uri string) (*ObjectDetails, error) {
	return c.run(ctx, "application.redirect_uri.remove", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadApplication(ctx, authz, orgID, appID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(wm.RedirectURIs, uri) {
			return nil, zerrors.ThrowNotFound(nil, "COMMAND-app-17", "redirect URI not found")
		}
		if len(wm.RedirectURIs) == 1 {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-app-18", "cannot remove last redirect URI")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateApplication, appID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: ApplicationRedirectURIRemovedType,
				Revision:  1,
				Payload:   appRedirectURIPayload{URI: uri},
			},
		))
	})
}

// RegenerateApplicationSecret replaces the client secret and returns the new
// plaintext exactly once.
func (c *Commands) RegenerateApplicationSecret(ctx context.Context, orgID, appID string) (string, *ObjectDetails, error) {
	var secret string
	details, err := c.run(ctx, "application.secret.change", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadApplication(ctx, authz, orgID, appID)
		if err != nil {
			return nil, err
		}
		if wm.AuthMethod == AuthMethodNone {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-app-19", "public clients have no secret")
		}
		secret = crypto.NewOpaqueCode()
		hash, err := crypto.HashPassword(secret, c.passwordCost)
		if err != nil {
			return nil, zerrors.ThrowInternal(err, "COMMAND-app-20", "cannot hash client secret")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateApplication, appID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: ApplicationSecretChangedType,
				Revision:  1,
				Payload:   appSecretChangedPayload{SecretHash: hash},
			},
		))
	})
	if err != nil {
		return "", nil, err
	}
	return secret, details, nil
}

// DeactivateApplication suspends the application.
func (c *Commands) DeactivateApplication(ctx context.Context, orgID, appID string) (*ObjectDetails, error) {
	return c.run(ctx, "application.deactivate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadApplication(ctx, authz, orgID, appID)
		if err != nil {
			return nil, err
		}
		if wm.State == appStateInactive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-app-21", "application already inactive")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateApplication, appID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: ApplicationDeactivatedType, Revision: 1},
		))
	})
}

// ReactivateApplication reverts a deactivation.
func (c *Commands) ReactivateApplication(ctx context.Context, orgID, appID string) (*ObjectDetails, error) {
	return c.run(ctx, "application.reactivate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadApplication(ctx, authz, orgID, appID)
		if err != nil {
			return nil, err
		}
		if wm.State != appStateInactive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-app-22", "application not inactive")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateApplication, appID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: ApplicationReactivatedType, Revision: 1},
		))
	})
}

// RemoveApplication deletes the application and releases its client ID.
func (c *Commands) RemoveApplication(ctx context.Context, orgID, appID string) (*ObjectDetails, error) {
	return c.run(ctx, "application.remove", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadApplication(ctx, authz, orgID, appID)
		if err != nil {
			return nil, err
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateApplication, appID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: ApplicationRemovedType,
				Revision:  1,
				Constraints: []*eventstore.UniqueConstraint{
					eventstore.NewRemoveUniqueConstraint(UniqueClientID, wm.ClientID),
				},
			},
		))
	})
}
