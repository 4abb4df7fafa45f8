package oidc

import (
	"context"
	"slices"
	"strings"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/command"
)

// Grant and response types a registered client may declare.
var (
	registrableGrantTypes = []string{
		GrantTypeAuthorizationCode,
		GrantTypeRefreshToken,
		GrantTypeClientCredentials,
		GrantTypeDeviceCode,
		GrantTypeJWTBearer,
	}
	registrableResponseTypes = []string{"code"}
)

// ClientMetadata is the RFC 7591 registration request body.
type ClientMetadata struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is the RFC 7591 success payload. The client secret
// appears here once and is never retrievable again. Secrets do not expire,
// so client_secret_expires_at is always 0.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// RegisterClient validates RFC 7591 metadata and creates the application
// under the given organization.
func (e *TokenEngine) RegisterClient(ctx context.Context, orgID string, meta ClientMetadata) (*RegistrationResponse, error) {
	if strings.TrimSpace(meta.ClientName) == "" {
		return nil, NewError(ErrorInvalidClientMetadata, "client_name is required")
	}
	if len(meta.RedirectURIs) == 0 {
		return nil, NewError(ErrorInvalidRedirectURI, "redirect_uris is required")
	}
	for _, uri := range meta.RedirectURIs {
		if err := command.ValidateRedirectURI(uri); err != nil {
			return nil, NewError(ErrorInvalidRedirectURI, "redirect URI %q rejected", uri)
		}
	}
	for _, gt := range meta.GrantTypes {
		if !slices.Contains(registrableGrantTypes, gt) {
			return nil, NewError(ErrorInvalidClientMetadata, "unsupported grant type %q", gt)
		}
	}
	for _, rt := range meta.ResponseTypes {
		if !slices.Contains(registrableResponseTypes, rt) {
			return nil, NewError(ErrorInvalidClientMetadata, "unsupported response type %q", rt)
		}
	}
	switch meta.TokenEndpointAuthMethod {
	case "", command.AuthMethodNone, command.AuthMethodClientSecretBasic, command.AuthMethodClientSecretPost:
	default:
		return nil, NewError(ErrorInvalidClientMetadata, "unsupported token_endpoint_auth_method %q", meta.TokenEndpointAuthMethod)
	}

	added, err := e.cmds.AddOIDCApplication(ctx, orgID, command.OIDCApp{
		Name:          meta.ClientName,
		RedirectURIs:  meta.RedirectURIs,
		ResponseTypes: meta.ResponseTypes,
		GrantTypes:    meta.GrantTypes,
		AuthMethod:    meta.TokenEndpointAuthMethod,
	})
	if err != nil {
		oauthErr := AsOAuthError(err)
		if oauthErr.Code == ErrorInvalidRequest {
			oauthErr.Code = ErrorInvalidClientMetadata
		}
		return nil, oauthErr
	}

	app, err := e.queries.AppByClientID(ctx, authctx.InstanceID(ctx), added.ClientID)
	if err != nil {
		// The projection may trail the write; answer from the request
		// with the defaults the write model applied.
		return e.registrationFallback(meta, added), nil
	}
	return &RegistrationResponse{
		ClientID:                app.ClientID,
		ClientSecret:            added.ClientSecret,
		ClientIDIssuedAt:        e.now().Unix(),
		ClientName:              app.Name,
		RedirectURIs:            app.RedirectURIs,
		GrantTypes:              app.GrantTypes,
		ResponseTypes:           app.ResponseTypes,
		TokenEndpointAuthMethod: app.AuthMethod,
	}, nil
}

func (e *TokenEngine) registrationFallback(meta ClientMetadata, added *command.AddedOIDCApp) *RegistrationResponse {
	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode}
	}
	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = command.AuthMethodClientSecretBasic
	}
	return &RegistrationResponse{
		ClientID:                added.ClientID,
		ClientSecret:            added.ClientSecret,
		ClientIDIssuedAt:        e.now().Unix(),
		ClientName:              strings.TrimSpace(meta.ClientName),
		RedirectURIs:            meta.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
	}
}
