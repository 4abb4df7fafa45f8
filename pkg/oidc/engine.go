package oidc

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/query"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// Grant type identifiers of the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Scopes the engine reacts to.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// TokenEngine composes the command layer into OAuth token grants. Every
// token is an oauth_token aggregate; when a signing key is configured the
// access token is additionally minted as an ES256 JWT whose jti is the
// aggregate ID, so introspection and revocation always resolve.
type TokenEngine struct {
	cmds    *command.Commands
	queries *query.Queries
	logger  *slog.Logger
	now     func() time.Time

	issuer          string
	accessLifetime  time.Duration
	refreshLifetime time.Duration
	signingKey      *ecdsa.PrivateKey
	signingKeyID    string
	assertionKeys   jwt.Keyfunc
}

// EngineOption configures a TokenEngine.
type EngineOption func(*TokenEngine)

// WithIssuer sets the iss claim of minted JWTs.
func WithIssuer(issuer string) EngineOption {
	return func(e *TokenEngine) { e.issuer = issuer }
}

// WithTokenLifetimes sets the access and refresh token lifetimes.
func WithTokenLifetimes(access, refresh time.Duration) EngineOption {
	return func(e *TokenEngine) {
		e.accessLifetime = access
		e.refreshLifetime = refresh
	}
}

// WithSigningKey mints access tokens as ES256 JWTs under the given key.
// Without a key, access tokens are opaque aggregate IDs.
func WithSigningKey(key *ecdsa.PrivateKey, keyID string) EngineOption {
	return func(e *TokenEngine) {
		e.signingKey = key
		e.signingKeyID = keyID
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *TokenEngine) { e.logger = logger }
}

// WithEngineNowFunc overrides the clock, for tests.
func WithEngineNowFunc(now func() time.Time) EngineOption {
	return func(e *TokenEngine) { e.now = now }
}

// NewTokenEngine creates the engine over the write and read layers.
func NewTokenEngine(cmds *command.Commands, queries *query.Queries, opts ...EngineOption) *TokenEngine {
	e := &TokenEngine{
		cmds:            cmds,
		queries:         queries,
		logger:          slog.Default(),
		now:             time.Now,
		issuer:          "trustplane",
		accessLifetime:  time.Hour,
		refreshLifetime: 30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken    string `json:"access_token"`
	TokenType      string `json:"token_type"`
	ExpiresIn      int    `json:"expires_in"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	IDToken        string `json:"id_token,omitempty"`
	Scope          string `json:"scope,omitempty"`
	AccessTokenID  string `json:"-"`
	RefreshTokenID string `json:"-"`
}

// AuthenticateClient verifies the client's credentials for confidential
// clients. Public clients (auth method none) pass with an empty secret.
func (e *TokenEngine) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*query.App, error) {
	instanceID := authctx.InstanceID(ctx)
	app, err := e.queries.AppByClientID(ctx, instanceID, clientID)
	if err != nil {
		return nil, NewError(ErrorInvalidClient, "unknown client")
	}
	if app.State != "active" {
		return nil, NewError(ErrorInvalidClient, "client is inactive")
	}
	if app.AuthMethod == command.AuthMethodNone {
		return app, nil
	}
	if clientSecret == "" || crypto.ComparePassword(app.SecretHash, clientSecret) != nil {
		return nil, NewError(ErrorInvalidClient, "client authentication failed")
	}
	return app, nil
}

// ExchangeAuthorizationCode redeems a single-use authorization code, with
// PKCE verification delegated to the grant's state machine.
func (e *TokenEngine) ExchangeAuthorizationCode(ctx context.Context, authRequestID, code, codeVerifier, dpopJKT string) (*TokenResponse, error) {
	grant, err := e.cmds.ExchangeAuthRequestCode(ctx, authRequestID, code, codeVerifier)
	if err != nil {
		return nil, AsOAuthError(err)
	}
	return e.issue(ctx, grant.ClientID, grant.UserID, grant.Scope, dpopJKT)
}

// ExchangeDeviceCode polls an RFC 8628 grant. Pending, slow_down, denied and
// expired outcomes surface as their OAuth error codes.
func (e *TokenEngine) ExchangeDeviceCode(ctx context.Context, deviceCode, clientID, dpopJKT string) (*TokenResponse, error) {
	grant, err := e.cmds.ExchangeDeviceCode(ctx, deviceCode, clientID)
	if err != nil {
		return nil, AsOAuthError(err)
	}
	return e.issue(ctx, grant.ClientID, grant.UserID, grant.Scope, dpopJKT)
}

// Refresh rotates a refresh token and returns the new pair. The redeemed
// token is revoked in the same commit the new pair is issued in.
func (e *TokenEngine) Refresh(ctx context.Context, refreshTokenID string) (*TokenResponse, error) {
	rotated, err := e.cmds.RotateRefreshToken(ctx, refreshTokenID, e.accessLifetime, e.refreshLifetime)
	if err != nil {
		return nil, AsOAuthError(err)
	}
	readout, err := e.cmds.LookupToken(ctx, rotated.AccessTokenID)
	if err != nil {
		return nil, AsOAuthError(err)
	}
	resp, err := e.response(readout)
	if err != nil {
		return nil, err
	}
	if err := e.attachIDToken(resp, readout); err != nil {
		return nil, err
	}
	resp.RefreshToken = rotated.RefreshTokenID
	resp.RefreshTokenID = rotated.RefreshTokenID
	return resp, nil
}

// ClientCredentials issues a service-to-service token for a confidential
// client.
func (e *TokenEngine) ClientCredentials(ctx context.Context, clientID, clientSecret string, scope []string) (*TokenResponse, error) {
	app, err := e.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, AsOAuthError(err)
	}
	if app.AuthMethod == command.AuthMethodNone {
		return nil, NewError(ErrorUnauthorizedClient, "public clients cannot use client_credentials")
	}
	if len(app.GrantTypes) > 0 && !slices.Contains(app.GrantTypes, GrantTypeClientCredentials) {
		return nil, NewError(ErrorUnauthorizedClient, "client is not registered for client_credentials")
	}
	return e.issue(ctx, clientID, "", scope, "")
}

func (e *TokenEngine) issue(ctx context.Context, clientID, userID string, scope []string, dpopJKT string) (*TokenResponse, error) {
	accessID, _, err := e.cmds.AddToken(ctx, command.TokenInput{
		TokenType: command.TokenTypeAccess,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		Lifetime:  e.accessLifetime,
		DPoPJKT:   dpopJKT,
	})
	if err != nil {
		return nil, AsOAuthError(err)
	}
	readout, err := e.cmds.LookupToken(ctx, accessID)
	if err != nil {
		return nil, AsOAuthError(err)
	}
	resp, err := e.response(readout)
	if err != nil {
		return nil, err
	}
	if err := e.attachIDToken(resp, readout); err != nil {
		return nil, err
	}

	if slices.Contains(scope, ScopeOfflineAccess) {
		refreshID, _, err := e.cmds.AddToken(ctx, command.TokenInput{
			TokenType: command.TokenTypeRefresh,
			ClientID:  clientID,
			UserID:    userID,
			Scope:     scope,
			Lifetime:  e.refreshLifetime,
			DPoPJKT:   dpopJKT,
		})
		if err != nil {
			return nil, AsOAuthError(err)
		}
		resp.RefreshToken = refreshID
		resp.RefreshTokenID = refreshID
	}
	return resp, nil
}

func (e *TokenEngine) response(readout *command.TokenReadout) (*TokenResponse, error) {
	accessToken := readout.ID
	if e.signingKey != nil {
		signed, err := e.mintJWT(readout)
		if err != nil {
			return nil, NewError(ErrorServerError, "cannot sign access token")
		}
		accessToken = signed
	}
	tokenType := "Bearer"
	if readout.DPoPJKT != "" {
		tokenType = "DPoP"
	}
	return &TokenResponse{
		AccessToken:   accessToken,
		TokenType:     tokenType,
		ExpiresIn:     int(readout.ExpiresAt.Sub(readout.IssuedAt) / time.Second),
		Scope:         strings.Join(readout.Scope, " "),
		AccessTokenID: readout.ID,
	}, nil
}

// attachIDToken mints the id token of an openid-scoped user grant. Opaque
// mode (no signing key) has no JWT to offer and leaves the field empty.
func (e *TokenEngine) attachIDToken(resp *TokenResponse, readout *command.TokenReadout) error {
	if e.signingKey == nil || readout.UserID == "" || !slices.Contains(readout.Scope, ScopeOpenID) {
		return nil
	}
	claims := jwt.MapClaims{
		"iss": e.issuer,
		"sub": readout.UserID,
		"aud": readout.ClientID,
		"iat": readout.IssuedAt.Unix(),
		"exp": readout.ExpiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if e.signingKeyID != "" {
		token.Header["kid"] = e.signingKeyID
	}
	signed, err := token.SignedString(e.signingKey)
	if err != nil {
		return NewError(ErrorServerError, "cannot sign id token")
	}
	resp.IDToken = signed
	return nil
}

func (e *TokenEngine) mintJWT(readout *command.TokenReadout) (string, error) {
	claims := jwt.MapClaims{
		"iss":       e.issuer,
		"sub":       readout.UserID,
		"client_id": readout.ClientID,
		"iat":       readout.IssuedAt.Unix(),
		"exp":       readout.ExpiresAt.Unix(),
		"jti":       readout.ID,
	}
	if readout.UserID == "" {
		claims["sub"] = readout.ClientID
	}
	if len(readout.Scope) > 0 {
		claims["scope"] = strings.Join(readout.Scope, " ")
	}
	if len(readout.Audience) > 0 {
		claims["aud"] = readout.Audience
	}
	if readout.DPoPJKT != "" {
		claims["cnf"] = map[string]string{"jkt": readout.DPoPJKT}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if e.signingKeyID != "" {
		token.Header["kid"] = e.signingKeyID
	}
	return token.SignedString(e.signingKey)
}

// Revoke revokes a token by its ID. Revoking twice is an error, matching
// the write model's non-idempotent revocation.
func (e *TokenEngine) Revoke(ctx context.Context, tokenID, revokedBy string) error {
	if _, err := e.cmds.RevokeToken(ctx, tokenID, revokedBy); err != nil {
		return AsOAuthError(err)
	}
	return nil
}

// Introspection is the RFC 7662 response. Inactive tokens expose nothing
// beyond active=false.
type Introspection struct {
	Active    bool     `json:"active"`
	TokenType string   `json:"token_type,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	JTI       string   `json:"jti,omitempty"`
	DPoPJKT   string   `json:"-"`
}

func zerrorsNotFoundOrDenied(err error) bool {
	return zerrors.IsNotFound(err) || zerrors.IsPermissionDenied(err) || zerrors.IsInvalidArgument(err)
}

// Introspect resolves a token ID (the jti of minted JWTs). Unknown, revoked
// and expired tokens all answer active=false rather than an error, so the
// endpoint never leaks whether a token ever existed.
func (e *TokenEngine) Introspect(ctx context.Context, tokenID string) (*Introspection, error) {
	readout, err := e.cmds.LookupToken(ctx, tokenID)
	if err != nil {
		if zerrorsNotFoundOrDenied(err) {
			return &Introspection{Active: false}, nil
		}
		return nil, AsOAuthError(err)
	}
	if readout.Revoked || e.now().After(readout.ExpiresAt) {
		return &Introspection{Active: false}, nil
	}
	subject := readout.UserID
	if subject == "" {
		subject = readout.ClientID
	}
	return &Introspection{
		Active:    true,
		TokenType: readout.TokenType,
		ClientID:  readout.ClientID,
		Subject:   subject,
		Scope:     strings.Join(readout.Scope, " "),
		Audience:  readout.Audience,
		IssuedAt:  readout.IssuedAt.Unix(),
		ExpiresAt: readout.ExpiresAt.Unix(),
		Issuer:    e.issuer,
		JTI:       readout.ID,
		DPoPJKT:   readout.DPoPJKT,
	}, nil
}
