package command

import (
	"context"
	"strings"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/idp"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// IDP event types carry both the owner scope and the provider kind, e.g.
// "org.idp.oidc.added" or "instance.idp.google.added". Lifecycle events
// after creation only carry the scope.
const (
	idpScopeOrg      = "org"
	idpScopeInstance = "instance"
)

func idpAddedEventType(scope string, kind idp.Kind) string {
	return scope + ".idp." + string(kind) + ".added"
}

func idpLifecycleEventType(scope, action string) string {
	return scope + ".idp." + action
}

type idpState int

const (
	idpStateUnspecified idpState = iota
	idpStateActive
	idpStateInactive
	idpStateDeleted
)

type idpAddedPayload struct {
	Name    string           `json:"name"`
	Kind    idp.Kind         `json:"kind"`
	Options idp.Options      `json:"options"`
	OIDC    *idp.OIDCConfig  `json:"oidc,omitempty"`
	OAuth   *idp.OAuthConfig `json:"oauth,omitempty"`
	SAML    *idp.SAMLConfig  `json:"saml,omitempty"`
	JWT     *idp.JWTConfig   `json:"jwt,omitempty"`
}

type idpChangedPayload struct {
	Name    string      `json:"name"`
	Options idp.Options `json:"options"`
}

type idpWriteModel struct {
	writeModel

	State   idpState
	Kind    idp.Kind
	Name    string
	Options idp.Options
	scope   string
}

func newIDPWriteModel(idpID string) *idpWriteModel {
	return &idpWriteModel{writeModel: writeModel{AggregateID: idpID}}
}

func (wm *idpWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	parts := strings.Split(e.EventType, ".")
	if len(parts) < 3 || parts[1] != "idp" {
		return nil
	}
	wm.scope = parts[0]
	switch parts[len(parts)-1] {
	case "added":
		var p idpAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.State = idpStateActive
		wm.Kind = p.Kind
		wm.Name = p.Name
		wm.Options = p.Options
	case "changed":
		var p idpChangedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Name = p.Name
		wm.Options = p.Options
	case "deactivated":
		wm.State = idpStateInactive
	case "reactivated":
		wm.State = idpStateActive
	case "removed":
		wm.State = idpStateDeleted
	}
	return nil
}

// idpScopeAndOwner resolves the owner of an IDP: organization scope when an
// org is given, otherwise the instance itself.
func idpScopeAndOwner(authz authctx.Context, orgID string) (scope, owner string) {
	if orgID != "" {
		return idpScopeOrg, orgID
	}
	return idpScopeInstance, authz.InstanceID
}

func (c *Commands) addIDP(ctx context.Context, orgID, name string, payload idpAddedPayload) (*ObjectDetails, error) {
	return c.run(ctx, "idp.add."+string(payload.Kind), func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		if strings.TrimSpace(name) == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-idp-01", "IDP name is required")
		}
		payload.Name = strings.TrimSpace(name)
		scope, owner := idpScopeAndOwner(authz, orgID)
		idpID := c.idGen()
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateIDP, idpID, owner, 0,
			&eventstore.Command{
				EventType: idpAddedEventType(scope, payload.Kind),
				Revision:  1,
				Payload:   payload,
			},
		))
	})
}

func (c *Commands) encryptIDPSecret(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	encrypted, err := c.encrypter.Encrypt(ctx, secret)
	if err != nil {
		return "", zerrors.ThrowInternal(err, "COMMAND-idp-02", "cannot encrypt IDP secret")
	}
	return encrypted, nil
}

// AddOIDCIDP registers a generic OIDC provider. Empty orgID registers at
// instance scope.
func (c *Commands) AddOIDCIDP(ctx context.Context, orgID, name string, cfg idp.OIDCConfig, opts idp.Options) (*ObjectDetails, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-idp-03", "issuer and client ID are required")
	}
	encrypted, err := c.encryptIDPSecret(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	cfg.ClientSecret = encrypted
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindOIDC, Options: opts, OIDC: &cfg})
}

// AddOAuthIDP registers a plain OAuth2 provider with explicit endpoints.
func (c *Commands) AddOAuthIDP(ctx context.Context, orgID, name string, cfg idp.OAuthConfig, opts idp.Options) (*ObjectDetails, error) {
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" || cfg.UserEndpoint == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-idp-04", "authorization, token and user endpoints are required")
	}
	if cfg.ClientID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-idp-05", "client ID is required")
	}
	encrypted, err := c.encryptIDPSecret(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	cfg.ClientSecret = encrypted
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindOAuth, Options: opts, OAuth: &cfg})
}

// AddSAMLIDP registers a SAML federation.
func (c *Commands) AddSAMLIDP(ctx context.Context, orgID, name string, cfg idp.SAMLConfig, opts idp.Options) (*ObjectDetails, error) {
	if cfg.MetadataURL == "" && len(cfg.Metadata) == 0 {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-idp-06", "metadata or metadata URL is required")
	}
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindSAML, Options: opts, SAML: &cfg})
}

// AddJWTIDP registers an external-JWT provider.
func (c *Commands) AddJWTIDP(ctx context.Context, orgID, name string, cfg idp.JWTConfig, opts idp.Options) (*ObjectDetails, error) {
	if cfg.Issuer == "" || cfg.JWTEndpoint == "" || cfg.KeysEndpoint == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-idp-07", "issuer, JWT endpoint and keys endpoint are required")
	}
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindJWT, Options: opts, JWT: &cfg})
}

// AddGoogleIDP registers a Google provider from its client credentials.
func (c *Commands) AddGoogleIDP(ctx context.Context, orgID, name, clientID, clientSecret string, opts idp.Options) (*ObjectDetails, error) {
	cfg := idp.NewGoogle(clientID, clientSecret)
	encrypted, err := c.encryptIDPSecret(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	cfg.ClientSecret = encrypted
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindGoogle, Options: opts, OIDC: &cfg})
}

// AddAzureADIDP registers a Microsoft Entra ID provider.
func (c *Commands) AddAzureADIDP(ctx context.Context, orgID, name, tenant, clientID, clientSecret string, opts idp.Options) (*ObjectDetails, error) {
	cfg := idp.NewAzureAD(tenant, clientID, clientSecret)
	encrypted, err := c.encryptIDPSecret(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	cfg.ClientSecret = encrypted
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindAzureAD, Options: opts, OIDC: &cfg})
}

// AddAppleIDP registers an Apple provider. The client secret is synthesized
// as a JWT signed with the team's key before encryption.
func (c *Commands) AddAppleIDP(ctx context.Context, orgID, name string, input idp.AppleInput, opts idp.Options) (*ObjectDetails, error) {
	cfg, err := idp.NewApple(input, c.now())
	if err != nil {
		return nil, zerrors.ThrowInvalidArgument(err, "COMMAND-idp-08", "cannot build Apple client secret")
	}
	encrypted, err := c.encryptIDPSecret(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	cfg.ClientSecret = encrypted
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindApple, Options: opts, OIDC: &cfg})
}

// AddGitHubIDP registers a GitHub provider.
func (c *Commands) AddGitHubIDP(ctx context.Context, orgID, name, clientID, clientSecret string, opts idp.Options) (*ObjectDetails, error) {
	cfg := idp.NewGitHub(clientID, clientSecret)
	encrypted, err := c.encryptIDPSecret(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	cfg.ClientSecret = encrypted
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindGitHub, Options: opts, OAuth: &cfg})
}

// AddGitLabIDP registers a GitLab provider.
func (c *Commands) AddGitLabIDP(ctx context.Context, orgID, name, host, clientID, clientSecret string, opts idp.Options) (*ObjectDetails, error) {
	cfg := idp.NewGitLab(host, clientID, clientSecret)
	encrypted, err := c.encryptIDPSecret(ctx, cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	cfg.ClientSecret = encrypted
	return c.addIDP(ctx, orgID, name, idpAddedPayload{Kind: idp.KindGitLab, Options: opts, OIDC: &cfg})
}

func (c *Commands) loadIDP(ctx context.Context, authz authctx.Context, orgID, idpID string) (*idpWriteModel, error) {
	if idpID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-idp-09", "IDP ID is required")
	}
	wm := newIDPWriteModel(idpID)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateIDP, idpID, wm); err != nil {
		return nil, err
	}
	if wm.State == idpStateUnspecified {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-idp-10", "IDP not found")
	}
	_, owner := idpScopeAndOwner(authz, orgID)
	if wm.ResourceOwner != owner {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-idp-11", "IDP not found")
	}
	if wm.State == idpStateDeleted {
		return nil, zerrors.ThrowPrecondition(nil, "COMMAND-idp-12", "IDP removed")
	}
	return wm, nil
}

// ChangeIDP updates name and linking options. Identical values are a no-op.
func (c *Commands) ChangeIDP(ctx context.Context, orgID, idpID, name string, opts idp.Options) (*ObjectDetails, error) {
	return c.run(ctx, "idp.change", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-idp-13", "IDP name is required")
		}
		wm, err := c.loadIDP(ctx, authz, orgID, idpID)
		if err != nil {
			return nil, err
		}
		if wm.Name == trimmed && wm.Options == opts {
			return detailsFromModel(&wm.writeModel), nil
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateIDP, idpID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: idpLifecycleEventType(wm.scope, "changed"),
				Revision:  1,
				Payload:   idpChangedPayload{Name: trimmed, Options: opts},
			},
		))
	})
}

// DeactivateIDP suspends the provider without removing its configuration.
func (c *Commands) DeactivateIDP(ctx context.Context, orgID, idpID string) (*ObjectDetails, error) {
	return c.run(ctx, "idp.deactivate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadIDP(ctx, authz, orgID, idpID)
		if err != nil {
			return nil, err
		}
		if wm.State == idpStateInactive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-idp-14", "IDP already inactive")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateIDP, idpID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: idpLifecycleEventType(wm.scope, "deactivated"), Revision: 1},
		))
	})
}

// ReactivateIDP reverts a deactivation.
func (c *Commands) ReactivateIDP(ctx context.Context, orgID, idpID string) (*ObjectDetails, error) {
	return c.run(ctx, "idp.reactivate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadIDP(ctx, authz, orgID, idpID)
		if err != nil {
			return nil, err
		}
		if wm.State != idpStateInactive {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-idp-15", "IDP not inactive")
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateIDP, idpID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: idpLifecycleEventType(wm.scope, "reactivated"), Revision: 1},
		))
	})
}

// RemoveIDP deletes the provider. Terminal.
func (c *Commands) RemoveIDP(ctx context.Context, orgID, idpID string) (*ObjectDetails, error) {
	return c.run(ctx, "idp.remove", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadIDP(ctx, authz, orgID, idpID)
		if err != nil {
			return nil, err
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateIDP, idpID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{EventType: idpLifecycleEventType(wm.scope, "removed"), Revision: 1},
		))
	})
}
